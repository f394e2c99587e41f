package serene

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// SessionsService manages session lifecycle and derived analytics.
type SessionsService struct {
	client *Client
}

type createSessionRequest struct {
	UserProfile       Profile        `json:"userProfile"`
	InitialAssessment map[string]any `json:"initialAssessment"`
}

// Create issues POST /sessions and returns the server session descriptor.
func (s *SessionsService) Create(ctx context.Context, profile Profile) (*Session, error) {
	var session Session
	req := createSessionRequest{
		UserProfile:       profile,
		InitialAssessment: map[string]any{},
	}
	if err := s.client.doJSON(ctx, http.MethodPost, "/sessions", req, &session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, NewAPIError("session response missing sessionId")
	}
	return &session, nil
}

// Get fetches session history and state.
func (s *SessionsService) Get(ctx context.Context, sessionID string) (*SessionHistory, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewInvalidRequestError("sessionID must not be empty")
	}
	var history SessionHistory
	if err := s.client.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// Analytics fetches the derived engagement/mood analytics for a session.
func (s *SessionsService) Analytics(ctx context.Context, sessionID string) (*SessionAnalytics, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewInvalidRequestError("sessionID must not be empty")
	}
	var analytics SessionAnalytics
	if err := s.client.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/analytics", nil, &analytics); err != nil {
		return nil, err
	}
	return &analytics, nil
}
