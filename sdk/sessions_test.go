package serene

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionsCreate(t *testing.T) {
	t.Parallel()

	var gotBody createSessionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, map[string]any{"sessionId": "sess_1"})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	session, err := client.Sessions.Create(context.Background(), Profile{Name: "ana", Language: "en"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if session.ID != "sess_1" {
		t.Fatalf("session.ID=%q, want sess_1", session.ID)
	}
	if gotBody.UserProfile.Name != "ana" {
		t.Fatalf("body=%+v, profile not forwarded", gotBody)
	}
	if gotBody.InitialAssessment == nil {
		t.Fatalf("initialAssessment must be present, even when empty")
	}
}

func TestSessionsCreate_MissingIDRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"createdAt": "2026-01-01T00:00:00Z"})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	if _, err := client.Sessions.Create(context.Background(), Profile{Name: "ana"}); err == nil {
		t.Fatalf("expected rejection of response without sessionId")
	}
}

func TestSessionsGet(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess_1" {
			t.Errorf("path=%q", r.URL.Path)
		}
		writeJSON(w, SessionHistory{
			Session:  Session{ID: "sess_1"},
			Messages: []Message{{ID: "m1", Sender: SenderAgent, Text: "welcome back"}},
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	history, err := client.Sessions.Get(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Text != "welcome back" {
		t.Fatalf("history=%+v", history)
	}

	if _, err := client.Sessions.Get(context.Background(), " "); err == nil {
		t.Fatalf("expected empty-id rejection")
	}
}

func TestSessionsAnalytics(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/sess_1/analytics" {
			t.Errorf("path=%q", r.URL.Path)
		}
		writeJSON(w, SessionAnalytics{SessionID: "sess_1", EngagementScore: 0.7, MoodTrend: "stable"})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	analytics, err := client.Sessions.Analytics(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("Analytics error: %v", err)
	}
	if analytics.MoodTrend != "stable" || analytics.EngagementScore != 0.7 {
		t.Fatalf("analytics=%+v", analytics)
	}
}
