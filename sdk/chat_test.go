package serene

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatSend(t *testing.T) {
	t.Parallel()

	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, map[string]any{
			"id": "m1", "message": "I hear you.",
			"emotionalState": map[string]any{"label": "calm", "confidence": 0.9},
			"audioUrl":       "http://audio/m1.wav",
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	reply, err := client.Chat.Send(context.Background(), "sess_1", "hello", SendOptions{IncludeAudio: true})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotBody.SessionID != "sess_1" || gotBody.Message != "hello" {
		t.Fatalf("body=%+v", gotBody)
	}
	if !gotBody.IncludeAudio || gotBody.PreferredVoice != "alloy" {
		t.Fatalf("body=%+v, voice must default to alloy", gotBody)
	}
	if gotBody.Context == nil {
		t.Fatalf("context must default to an empty object")
	}

	if reply.Sender != SenderAgent {
		t.Fatalf("sender=%q, reply must default to agent", reply.Sender)
	}
	if reply.Emotion == nil || reply.Emotion.Label != "calm" {
		t.Fatalf("reply=%+v, emotional state not decoded", reply)
	}
	if reply.AudioURL != "http://audio/m1.wav" {
		t.Fatalf("audioURL=%q", reply.AudioURL)
	}
}

func TestChatSend_Validation(t *testing.T) {
	t.Parallel()

	client := NewClient(WithBaseURL("http://127.0.0.1:8080"))
	if _, err := client.Chat.Send(context.Background(), "", "hello", SendOptions{}); err == nil {
		t.Fatalf("expected empty-session rejection")
	}
	if _, err := client.Chat.Send(context.Background(), "sess_1", "  ", SendOptions{}); err == nil {
		t.Fatalf("expected empty-message rejection")
	}
}
