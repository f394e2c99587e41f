package serene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// supportBackend is a scripted support-service backend covering the
// request/response endpoints and the push channel.
type supportBackend struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	chatReplies    []Message
	chatStatuses   []int
	chatRequests   []chatRequest
	chatGate       chan struct{}
	analytics      *SessionAnalytics
	analyticsFails bool
	sessionSeq     int

	pushConns chan *websocket.Conn
}

func newSupportBackend(t *testing.T) *supportBackend {
	t.Helper()

	b := &supportBackend{t: t, pushConns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.sessionSeq++
		id := fmt.Sprintf("sess_%d", b.sessionSeq)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"sessionId": id})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.chatRequests = append(b.chatRequests, req)
		gate := b.chatGate
		var status int
		if len(b.chatStatuses) > 0 {
			status = b.chatStatuses[0]
			b.chatStatuses = b.chatStatuses[1:]
		}
		var reply Message
		if len(b.chatReplies) > 0 {
			reply = b.chatReplies[0]
			b.chatReplies = b.chatReplies[1:]
		} else {
			reply = Message{ID: "m_default", Sender: SenderAgent, Text: "I hear you."}
		}
		b.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			writeJSON(w, map[string]any{"error": map[string]any{"type": "api_error", "message": "scripted failure"}})
			return
		}
		writeJSON(w, reply)
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/analytics") {
			b.mu.Lock()
			fails := b.analyticsFails
			analytics := b.analytics
			b.mu.Unlock()
			if fails || analytics == nil {
				w.WriteHeader(http.StatusInternalServerError)
				writeJSON(w, map[string]any{"error": map[string]any{"type": "api_error", "message": "no analytics"}})
				return
			}
			writeJSON(w, analytics)
			return
		}
		writeJSON(w, SessionHistory{Session: Session{ID: "sess_1"}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			conn.Close()
			return
		}
		b.pushConns <- conn
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *supportBackend) scriptReply(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatReplies = append(b.chatReplies, msg)
}

func (b *supportBackend) scriptFailure(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatStatuses = append(b.chatStatuses, status)
}

func (b *supportBackend) waitPushConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.pushConns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatalf("push channel never registered")
		return nil
	}
}

// newOfflineConversation binds a session without opening the push channel,
// so request/response replies apply immediately.
func newOfflineConversation(backend *supportBackend, opts ...ConversationOption) *Conversation {
	client := NewClient(WithBaseURL(backend.server.URL))
	conv := client.NewConversation(opts...)
	conv.mu.Lock()
	conv.session = &Session{ID: "sess_1"}
	conv.mu.Unlock()
	return conv
}

func TestConversationInitialize_CreatesSessionAndRegisters(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	client := NewClient(WithBaseURL(backend.server.URL))
	conv := client.NewConversation()
	defer conv.Close()

	session, err := conv.Initialize(context.Background(), Profile{Name: "ana"})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if session.ID == "" || conv.SessionID() != session.ID {
		t.Fatalf("sessionID=%q, bound=%q", session.ID, conv.SessionID())
	}

	conn := backend.waitPushConn(t)
	conn.Close()
}

func TestConversationInitialize_SessionFailureIsFatal(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]any{"error": map[string]any{"type": "api_error", "message": "down"}})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	conv := client.NewConversation()
	defer conv.Close()

	_, err := conv.Initialize(context.Background(), Profile{Name: "ana"})
	if err == nil {
		t.Fatalf("expected initialization error")
	}
	var initErr *SessionInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err=%T, want *SessionInitError", err)
	}
	if conv.SessionID() != "" {
		t.Fatalf("session must stay unbound after failed init")
	}
}

func TestConversationSend_OptimisticAppendAndReply(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	backend.scriptReply(Message{ID: "m1", Sender: SenderAgent, Text: "You are heard."})

	conv := newOfflineConversation(backend)
	defer conv.Close()

	reply, err := conv.Send(context.Background(), "hello", SendOptions{})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if reply.ID != "m1" {
		t.Fatalf("reply.ID=%q, want m1", reply.ID)
	}

	messages := conv.Messages()
	if len(messages) != 2 {
		t.Fatalf("log=%d entries, want 2", len(messages))
	}
	if messages[0].Sender != SenderUser || !messages[0].Provisional || messages[0].Text != "hello" {
		t.Fatalf("first entry=%+v, want provisional user message", messages[0])
	}
	if messages[1].ID != "m1" || messages[1].Sender != SenderAgent {
		t.Fatalf("second entry=%+v, want agent reply m1", messages[1])
	}
}

func TestConversationSend_RollbackOnFailure(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	backend.scriptFailure(http.StatusInternalServerError)
	backend.scriptReply(Message{ID: "m2", Sender: SenderAgent, Text: "Welcome back."})

	conv := newOfflineConversation(backend)
	defer conv.Close()

	_, err := conv.Send(context.Background(), "hello", SendOptions{})
	if err == nil {
		t.Fatalf("expected send failure")
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err=%T, want *SendError", err)
	}
	if sendErr.Text != "hello" {
		t.Fatalf("SendError.Text=%q, want original text for re-entry", sendErr.Text)
	}
	if conv.MessageCount() != 0 {
		t.Fatalf("log=%d entries after rollback, want 0", conv.MessageCount())
	}

	// The failed text is immediately sendable again.
	if _, err := conv.Send(context.Background(), "hello", SendOptions{}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if conv.MessageCount() != 2 {
		t.Fatalf("log=%d entries after retry, want 2", conv.MessageCount())
	}
}

func TestConversationSend_Validation(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	client := NewClient(WithBaseURL(backend.server.URL))
	conv := client.NewConversation()
	defer conv.Close()

	if _, err := conv.Send(context.Background(), "   ", SendOptions{}); err == nil {
		t.Fatalf("expected empty-message rejection")
	}
	if _, err := conv.Send(context.Background(), "hello", SendOptions{}); err == nil {
		t.Fatalf("expected uninitialized-session rejection")
	}
}

func TestConversationSend_DebounceRejectsIdenticalInflight(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.chatGate = gate
	backend.mu.Unlock()

	conv := newOfflineConversation(backend)
	defer conv.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := conv.Send(context.Background(), "hello", SendOptions{})
		firstDone <- err
	}()

	// Wait until the first send is in flight.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conv.MessageCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := conv.Send(context.Background(), "hello", SendOptions{})
	if err == nil {
		t.Fatalf("expected debounce rejection for identical in-flight text")
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first send error: %v", err)
	}
}

func TestConversationApply_DuplicateServerIDCollapses(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	conv := newOfflineConversation(backend)
	defer conv.Close()

	msg := Message{ID: "m42", Sender: SenderAgent, Text: "first copy"}
	conv.mu.Lock()
	conv.applyLocked(msg)
	conv.applyLocked(Message{ID: "m42", Sender: SenderAgent, Text: "second copy"})
	conv.mu.Unlock()

	messages := conv.Messages()
	if len(messages) != 1 {
		t.Fatalf("log=%d entries, want 1", len(messages))
	}
	if messages[0].Text != "second copy" {
		t.Fatalf("entry=%q, later delivery must win the slot", messages[0].Text)
	}
}

func TestConversationApply_ProvisionalSupersededInPlace(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	conv := newOfflineConversation(backend)
	defer conv.Close()

	now := time.Now()
	conv.mu.Lock()
	conv.log = append(conv.log, Message{
		ID: provisionalIDPrefix + "x", Sender: SenderUser, Text: "hi there",
		Timestamp: now, Provisional: true,
	})
	conv.log = append(conv.log, Message{ID: "m1", Sender: SenderAgent, Text: "hello"})
	conv.index["m1"] = 1
	conv.applyLocked(Message{ID: "u9", Sender: SenderUser, Text: "hi there", Timestamp: now.Add(2 * time.Second)})
	conv.mu.Unlock()

	messages := conv.Messages()
	if len(messages) != 2 {
		t.Fatalf("log=%d entries, want 2", len(messages))
	}
	if messages[0].ID != "u9" || messages[0].Provisional {
		t.Fatalf("entry=%+v, provisional must be superseded in its slot", messages[0])
	}
}

func TestConversationDualDelivery_SingleEntry(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	backend.scriptReply(Message{ID: "m42", Sender: SenderAgent, Text: "pushed and replied"})

	client := NewClient(WithBaseURL(backend.server.URL))
	conv := client.NewConversation(WithReconcileGraceWindow(150 * time.Millisecond))
	defer conv.Close()

	if _, err := conv.Initialize(context.Background(), Profile{Name: "ana"}); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	conn := backend.waitPushConn(t)
	defer conn.Close()

	reply, err := conv.Send(context.Background(), "hello", SendOptions{})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if reply.ID != "m42" {
		t.Fatalf("reply.ID=%q, want m42", reply.ID)
	}

	// The reply is held while the push channel is connected.
	if got := conv.CountBySender(SenderAgent); got != 0 {
		t.Fatalf("agent entries=%d before push/grace, want 0", got)
	}

	// Push the authoritative copy of the same message.
	err = conn.WriteJSON(map[string]any{
		"type": TypeNewMessage,
		"data": map[string]any{"id": "m42", "sender": "agent", "message": "pushed and replied"},
	})
	if err != nil {
		t.Fatalf("push write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conv.CountBySender(SenderAgent) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// Let the grace window expire too, then confirm nothing duplicated.
	time.Sleep(250 * time.Millisecond)

	agents := 0
	for _, msg := range conv.Messages() {
		if msg.ID == "m42" {
			agents++
		}
	}
	if agents != 1 {
		t.Fatalf("m42 entries=%d, want exactly 1 across both channels", agents)
	}
}

func TestConversationGraceWindow_AppliesWhenPushSilent(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	backend.scriptReply(Message{ID: "m7", Sender: SenderAgent, Text: "only replied"})

	client := NewClient(WithBaseURL(backend.server.URL))
	conv := client.NewConversation(WithReconcileGraceWindow(50 * time.Millisecond))
	defer conv.Close()

	if _, err := conv.Initialize(context.Background(), Profile{Name: "ana"}); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	conn := backend.waitPushConn(t)
	defer conn.Close()

	if _, err := conv.Send(context.Background(), "hello", SendOptions{}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conv.CountBySender(SenderAgent) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conv.CountBySender(SenderAgent); got != 1 {
		t.Fatalf("agent entries=%d, held reply must apply after the grace window", got)
	}
}

func TestConversationAlert_PriorityInterrupt(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	conv := newOfflineConversation(backend)
	defer conv.Close()

	var mu sync.Mutex
	var alerts []Message
	unsubscribe := conv.OnAlert(func(msg Message) {
		mu.Lock()
		alerts = append(alerts, msg)
		mu.Unlock()
	})
	defer unsubscribe()

	flagged := Message{
		ID: "m9", Sender: SenderAgent, Text: "please call the helpline",
		RequiresImmediateAttention: true,
	}
	conv.handlePushedMessage(Envelope{Type: TypeNewMessage, Raw: mustMarshal(t, NewMessagePayload{Type: TypeNewMessage, Data: flagged})})

	mu.Lock()
	if len(alerts) != 1 || alerts[0].ID != "m9" {
		mu.Unlock()
		t.Fatalf("alerts=%v, want one for m9", alerts)
	}
	mu.Unlock()

	// A duplicate delivery of the same id must not re-alert.
	conv.handlePushedMessage(Envelope{Type: TypeNewMessage, Raw: mustMarshal(t, NewMessagePayload{Type: TypeNewMessage, Data: flagged})})

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("alerts=%d after duplicate delivery, want 1", len(alerts))
	}
}

func TestConversationAnalytics_BestEffortAfterSend(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	backend.mu.Lock()
	backend.analytics = &SessionAnalytics{SessionID: "sess_1", EngagementScore: 0.8, MoodTrend: "improving", MessageCount: 2}
	backend.mu.Unlock()

	conv := newOfflineConversation(backend)
	defer conv.Close()

	if _, err := conv.Send(context.Background(), "hello", SendOptions{}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conv.Analytics() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	analytics := conv.Analytics()
	if analytics == nil || analytics.MoodTrend != "improving" {
		t.Fatalf("analytics=%+v, want polled document", analytics)
	}

	// A failed poll keeps the previous value.
	backend.mu.Lock()
	backend.analyticsFails = true
	backend.mu.Unlock()

	if _, err := conv.Send(context.Background(), "hello again", SendOptions{}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if analytics := conv.Analytics(); analytics == nil || analytics.MoodTrend != "improving" {
		t.Fatalf("analytics=%+v, stale value must survive a failed poll", analytics)
	}
}

func TestConversationReset_DiscardsInflightEffects(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.chatGate = gate
	backend.mu.Unlock()

	conv := newOfflineConversation(backend)
	defer conv.Close()

	sendDone := make(chan error, 1)
	go func() {
		_, err := conv.Send(context.Background(), "hello", SendOptions{})
		sendDone <- err
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conv.MessageCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	backend.mu.Lock()
	backend.chatGate = nil
	backend.mu.Unlock()
	if _, err := conv.Reset(context.Background(), Profile{Name: "ana"}); err != nil {
		t.Fatalf("Reset error: %v", err)
	}

	close(gate)
	if err := <-sendDone; err != nil {
		t.Fatalf("in-flight send error: %v", err)
	}

	// The reply landed in the discarded epoch; the new log stays empty.
	time.Sleep(50 * time.Millisecond)
	if got := conv.MessageCount(); got != 0 {
		t.Fatalf("log=%d entries after reset, want 0", got)
	}
}

func TestConversationSet_CreateSwitchRemove(t *testing.T) {
	t.Parallel()

	backend := newSupportBackend(t)
	client := NewClient(WithBaseURL(backend.server.URL))
	set := client.NewConversationSet()
	defer set.Close()

	first, err := set.Create(context.Background(), Profile{Name: "ana"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	second, err := set.Create(context.Background(), Profile{Name: "ana"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("len=%d, want 2", set.Len())
	}
	if set.Active() != second {
		t.Fatalf("newest conversation must become active")
	}

	if !set.Switch(first.SessionID()) {
		t.Fatalf("switch to %q failed", first.SessionID())
	}
	if set.Active() != first {
		t.Fatalf("active conversation did not switch")
	}

	set.Remove(first.SessionID())
	if set.Len() != 1 {
		t.Fatalf("len=%d after remove, want 1", set.Len())
	}
	if set.Active() != second {
		t.Fatalf("remaining conversation must be promoted to active")
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
