package serene

import (
	"context"
	"net/http"
	"strings"
)

// ChatService sends chat messages over the request/response channel.
type ChatService struct {
	client *Client
}

// SendOptions carries delivery preferences for one chat message.
type SendOptions struct {
	// IncludeAudio asks the backend to attach a synthesized audio reference
	// to the agent reply.
	IncludeAudio bool

	// PreferredVoice selects the synthesis voice. Defaults to "alloy".
	PreferredVoice string

	// Context is free-form conversational context forwarded to the agent.
	Context map[string]any

	// VoiceSettings carries extra synthesis parameters (speed, pitch...).
	VoiceSettings map[string]any
}

type chatRequest struct {
	SessionID      string         `json:"sessionId"`
	Message        string         `json:"message"`
	IncludeAudio   bool           `json:"includeAudio"`
	PreferredVoice string         `json:"preferredVoice"`
	Context        map[string]any `json:"context"`
	VoiceSettings  map[string]any `json:"voiceSettings,omitempty"`
}

// Send issues POST /chat and returns the agent reply.
func (s *ChatService) Send(ctx context.Context, sessionID, text string, opts SendOptions) (*Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewInvalidRequestError("sessionID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, NewInvalidRequestError("message must not be empty")
	}

	voice := opts.PreferredVoice
	if voice == "" {
		voice = "alloy"
	}
	reqContext := opts.Context
	if reqContext == nil {
		reqContext = map[string]any{}
	}

	req := chatRequest{
		SessionID:      sessionID,
		Message:        text,
		IncludeAudio:   opts.IncludeAudio,
		PreferredVoice: voice,
		Context:        reqContext,
		VoiceSettings:  opts.VoiceSettings,
	}

	var reply Message
	if err := s.client.doJSON(ctx, http.MethodPost, "/chat", req, &reply); err != nil {
		return nil, err
	}
	if reply.Sender == "" {
		reply.Sender = SenderAgent
	}
	return &reply, nil
}
