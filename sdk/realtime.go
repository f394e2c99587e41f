package serene

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the push-channel connection state. Exactly one instance of
// the state machine exists per session, owned by Realtime.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Push-channel message types.
const (
	// Client -> server.
	TypeRegisterSession = "register_session"
	TypeTypingIndicator = "typing_indicator"
	TypeVoiceStream     = "voice_stream"
	TypeEmotionUpdate   = "emotion_update"

	// Server -> client.
	TypeSessionRegistered = "session_registered"
	TypeNewMessage        = "new_message"
	TypeTypingStatus      = "typing_status"
	TypeError             = "error"
)

// Envelope is one push-channel frame: JSON `{type, ...}` with the full raw
// payload retained for type-specific decoding.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// NewMessagePayload is the `new_message` push payload.
type NewMessagePayload struct {
	Type string  `json:"type"`
	Data Message `json:"data"`
}

// SessionRegisteredPayload is the `session_registered` push payload.
type SessionRegisteredPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// TypingStatusPayload is the `typing_status` push payload.
type TypingStatusPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// ErrorPayload is the `error` push payload.
type ErrorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// MessageHandler receives push envelopes for one subscribed type.
type MessageHandler func(Envelope)

// ConnectionHandler is notified on every connection state transition.
type ConnectionHandler func(ConnState)

// ErrorHandler is notified of transport and payload errors.
type ErrorHandler func(error)

const (
	defaultReconnectBaseDelay = 1000 * time.Millisecond
	defaultReconnectMaxDelay  = 30000 * time.Millisecond
	defaultMaxReconnects      = 5
	defaultDialTimeout        = 15 * time.Second
)

// RealtimeOption configures a Realtime connection manager.
type RealtimeOption func(*Realtime)

// WithMaxReconnectAttempts bounds reconnection after abnormal closes.
func WithMaxReconnectAttempts(n int) RealtimeOption {
	return func(r *Realtime) {
		r.maxReconnects = n
	}
}

// WithReconnectBaseDelay sets the first reconnect delay. Subsequent delays
// double per attempt up to the max delay.
func WithReconnectBaseDelay(d time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.baseDelay = d
	}
}

// WithReconnectMaxDelay caps the reconnect delay.
func WithReconnectMaxDelay(d time.Duration) RealtimeOption {
	return func(r *Realtime) {
		r.maxDelay = d
	}
}

type messageSubscriber struct {
	id      int
	handler MessageHandler
}

// Realtime owns one push-channel connection per active session. It is an
// explicitly constructed object whose lifetime is tied to the session;
// construct one per Conversation rather than sharing a global.
//
// Connect is not safe to call concurrently with itself; callers serialize
// calls per session. All other methods are safe for concurrent use.
type Realtime struct {
	client *Client

	maxReconnects int
	baseDelay     time.Duration
	maxDelay      time.Duration

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	sessionID      string
	attempts       int
	generation     int
	reconnectTimer *time.Timer
	pendingStates  []ConnState

	nextSubID    int
	subscribers  map[string][]messageSubscriber
	connHandlers []messageSubscriberConn
	errHandlers  []messageSubscriberErr

	// writeMu serializes frames on the wire. flushing marks the goroutine
	// currently draining pendingStates so observers see transitions in
	// order even when a handler triggers further transitions.
	writeMu  sync.Mutex
	flushing bool
}

type messageSubscriberConn struct {
	id      int
	handler ConnectionHandler
}

type messageSubscriberErr struct {
	id      int
	handler ErrorHandler
}

// NewRealtime creates a push-channel connection manager bound to the client's
// backend. The connection is opened by Connect, not at construction.
func (c *Client) NewRealtime(opts ...RealtimeOption) *Realtime {
	r := &Realtime{
		client:        c,
		maxReconnects: defaultMaxReconnects,
		baseDelay:     defaultReconnectBaseDelay,
		maxDelay:      defaultReconnectMaxDelay,
		state:         StateDisconnected,
		subscribers:   make(map[string][]messageSubscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current connection state.
func (r *Realtime) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connected reports whether the push channel is currently open.
func (r *Realtime) Connected() bool {
	return r.State() == StateConnected
}

// SessionID returns the session the connection is bound to.
func (r *Realtime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Connect opens the push channel for the given session. An already-open
// connection is closed with a normal-closure code first. The dial itself is
// synchronous; a dial failure counts as an abnormal close and schedules a
// bounded reconnect.
func (r *Realtime) Connect(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return NewInvalidRequestError("sessionID must not be empty")
	}

	r.mu.Lock()
	r.teardownLocked(websocket.CloseNormalClosure)
	r.sessionID = sessionID
	r.attempts = 0
	r.generation++
	gen := r.generation
	r.setStateLocked(StateConnecting)
	r.mu.Unlock()
	r.flushStateNotifies()

	return r.dial(gen)
}

// dial opens the transport for the given connection generation. Stale
// generations (superseded by a newer Connect or Disconnect) are dropped.
func (r *Realtime) dial(gen int) error {
	r.mu.Lock()
	if gen != r.generation || r.sessionID == "" {
		r.mu.Unlock()
		return nil
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	wsURL, err := r.client.websocketEndpoint("/ws")
	if err != nil {
		return err
	}

	headers := make(http.Header)
	headers.Set("User-Agent", r.client.userAgent)
	if r.client.apiKey != "" {
		headers.Set("Authorization", "Bearer "+r.client.apiKey)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			err = &TransportError{Op: "GET", URL: wsURL, Err: err}
		}
		r.notifyError(err)
		r.handleClosed(gen, false)
		return err
	}

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	r.conn = conn
	r.attempts = 0
	r.setStateLocked(StateConnected)
	r.mu.Unlock()
	r.flushStateNotifies()

	// Register the session immediately on open.
	if err := r.writeJSON(conn, map[string]any{
		"type":      TypeRegisterSession,
		"sessionId": sessionID,
	}); err != nil {
		r.notifyError(err)
	}

	go r.readLoop(conn, gen)
	return nil
}

// Disconnect closes the push channel with a normal-closure code, suppresses
// reconnection, and clears the session binding.
func (r *Realtime) Disconnect() {
	r.mu.Lock()
	r.teardownLocked(websocket.CloseNormalClosure)
	r.sessionID = ""
	r.generation++
	r.setStateLocked(StateDisconnected)
	r.mu.Unlock()
	r.flushStateNotifies()
}

// teardownLocked closes any open transport and cancels a pending reconnect.
func (r *Realtime) teardownLocked(closeCode int) {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	if r.conn != nil {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""), time.Now().Add(2*time.Second))
		r.writeMu.Unlock()
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Send enqueues a JSON envelope when connected. When not connected the call
// is a no-op and is logged, not queued.
func (r *Realtime) Send(v any) error {
	r.mu.Lock()
	conn := r.conn
	connected := r.state == StateConnected
	r.mu.Unlock()

	if !connected || conn == nil {
		r.client.logger.Warn("push channel not connected, message dropped")
		return nil
	}
	if err := r.writeJSON(conn, v); err != nil {
		r.notifyError(err)
		return err
	}
	return nil
}

func (r *Realtime) writeJSON(conn *websocket.Conn, v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// SendTypingIndicator reports the user's typing state for the session.
func (r *Realtime) SendTypingIndicator(isTyping bool) error {
	return r.Send(map[string]any{
		"type":      TypeTypingIndicator,
		"sessionId": r.SessionID(),
		"isTyping":  isTyping,
	})
}

// SendVoiceStream forwards one captured audio chunk (base64) to the backend.
func (r *Realtime) SendVoiceStream(audioChunk string) error {
	return r.Send(map[string]any{
		"type":       TypeVoiceStream,
		"sessionId":  r.SessionID(),
		"audioChunk": audioChunk,
	})
}

// SendEmotionUpdate forwards client-side emotion data to the backend.
func (r *Realtime) SendEmotionUpdate(emotionData map[string]any) error {
	return r.Send(map[string]any{
		"type":         TypeEmotionUpdate,
		"sessionId":    r.SessionID(),
		"emotion_data": emotionData,
	})
}

// OnMessage registers a handler for one push message type. Handlers for a
// type run in registration order, synchronously within the receipt turn.
// The returned func removes the handler.
func (r *Realtime) OnMessage(messageType string, handler MessageHandler) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[messageType] = append(r.subscribers[messageType], messageSubscriber{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[messageType]
		for i, sub := range subs {
			if sub.id == id {
				r.subscribers[messageType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnConnectionChange registers a handler notified with the new state on
// every transition. The returned func removes the handler.
func (r *Realtime) OnConnectionChange(handler ConnectionHandler) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.connHandlers = append(r.connHandlers, messageSubscriberConn{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.connHandlers {
			if sub.id == id {
				r.connHandlers = append(r.connHandlers[:i:i], r.connHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnError registers a handler for transport and payload errors.
// The returned func removes the handler.
func (r *Realtime) OnError(handler ErrorHandler) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.errHandlers = append(r.errHandlers, messageSubscriberErr{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.errHandlers {
			if sub.id == id {
				r.errHandlers = append(r.errHandlers[:i:i], r.errHandlers[i+1:]...)
				return
			}
		}
	}
}

// setStateLocked transitions the state machine and queues the notification.
// Callers hold r.mu and must call flushStateNotifies after releasing it.
func (r *Realtime) setStateLocked(state ConnState) {
	if r.state == state {
		return
	}
	r.state = state
	r.pendingStates = append(r.pendingStates, state)
}

// flushStateNotifies delivers queued transitions to connection handlers in
// order. Must be called without r.mu held. Only one flusher drains the
// queue at a time; concurrent callers, including a handler that calls
// Connect or Disconnect while being notified, return immediately and leave
// their queued states for the active flusher.
func (r *Realtime) flushStateNotifies() {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	for {
		if len(r.pendingStates) == 0 {
			r.flushing = false
			r.mu.Unlock()
			return
		}
		state := r.pendingStates[0]
		r.pendingStates = r.pendingStates[1:]
		handlers := make([]messageSubscriberConn, len(r.connHandlers))
		copy(handlers, r.connHandlers)
		r.mu.Unlock()

		for _, sub := range handlers {
			sub.handler(state)
		}
		r.mu.Lock()
	}
}

func (r *Realtime) notifyError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	handlers := make([]messageSubscriberErr, len(r.errHandlers))
	copy(handlers, r.errHandlers)
	r.mu.Unlock()
	for _, sub := range handlers {
		sub.handler(err)
	}
}

// readLoop parses and dispatches incoming frames until the transport closes.
// Malformed payloads are dropped with an error notification; unknown types
// are logged and otherwise ignored.
func (r *Realtime) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
			if !normal {
				r.notifyError(err)
			}
			r.handleClosed(gen, normal)
			return
		}
		r.dispatch(data)
	}
}

func (r *Realtime) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.client.logger.Error("failed to parse push message", "error", err)
		r.notifyError(err)
		return
	}

	r.mu.Lock()
	subs := r.subscribers[envelope.Type]
	handlers := make([]messageSubscriber, len(subs))
	copy(handlers, subs)
	r.mu.Unlock()

	event := Envelope{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}
	for _, sub := range handlers {
		sub.handler(event)
	}

	switch envelope.Type {
	case TypeSessionRegistered, TypeNewMessage, TypeTypingStatus:
		// Subscriber-handled.
	case TypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
			r.notifyError(NewAPIError(payload.Error))
		}
	default:
		r.client.logger.Debug("unhandled push message type", "type", envelope.Type)
	}
}

// handleClosed runs the close-transition rules: normal closure is terminal;
// abnormal closure reconnects with exponential backoff until the attempt
// budget is spent.
func (r *Realtime) handleClosed(gen int, normal bool) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	r.conn = nil

	if normal || r.attempts >= r.maxReconnects {
		// Terminal: resuming requires an external Connect with a session.
		if r.reconnectTimer != nil {
			r.reconnectTimer.Stop()
			r.reconnectTimer = nil
		}
		r.setStateLocked(StateDisconnected)
		r.mu.Unlock()
		r.flushStateNotifies()
		return
	}

	delay := r.reconnectDelay(r.attempts)
	r.attempts++
	attempt := r.attempts
	r.setStateLocked(StateReconnecting)
	r.client.logger.Info("push channel lost, reconnecting",
		"attempt", attempt, "max", r.maxReconnects, "delay", delay)

	r.reconnectTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if gen != r.generation || r.sessionID == "" {
			r.mu.Unlock()
			return
		}
		r.reconnectTimer = nil
		r.setStateLocked(StateConnecting)
		r.mu.Unlock()
		r.flushStateNotifies()
		_ = r.dial(gen)
	})
	r.mu.Unlock()
	r.flushStateNotifies()
}

// reconnectDelay returns min(base * 2^n, max) for the nth retry.
func (r *Realtime) reconnectDelay(n int) time.Duration {
	delay := r.baseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}
