package serene

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGraceWindow    = 500 * time.Millisecond
	defaultSendDebounce   = 2 * time.Second
	provisionalAdjacency  = 10 * time.Second
	provisionalIDPrefix   = "local-"
	analyticsFetchTimeout = 10 * time.Second
)

// AlertHandler receives agent messages flagged as requiring immediate
// attention. Alerts are delivered as a priority interrupt, independent of
// the normal message flow and of any concurrent error state.
type AlertHandler func(Message)

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithReconcileGraceWindow sets how long a request/response reply is held
// while the push channel is connected, waiting for the authoritative push
// delivery of the same message id.
func WithReconcileGraceWindow(d time.Duration) ConversationOption {
	return func(c *Conversation) {
		c.graceWindow = d
	}
}

// WithSendDebounce sets the window during which a second send of identical
// in-flight text is rejected.
func WithSendDebounce(d time.Duration) ConversationOption {
	return func(c *Conversation) {
		c.debounce = d
	}
}

// WithConversationRealtime injects a pre-built connection manager. Used when
// the caller wants custom reconnect settings (or a test double's backend).
func WithConversationRealtime(r *Realtime) ConversationOption {
	return func(c *Conversation) {
		c.realtime = r
	}
}

// Conversation drives one chat session: it creates the session, sends
// messages over the request/response channel, receives pushed messages over
// the realtime channel, and reconciles both into a single message log.
//
// The log holds at most one entry per server-issued message id. Provisional
// entries (locally created, no server id yet) are superseded in place, never
// duplicated, once the server-identified counterpart is known by either
// channel.
type Conversation struct {
	client   *Client
	realtime *Realtime
	logger   *slog.Logger

	graceWindow time.Duration
	debounce    time.Duration

	mu        sync.Mutex
	session   *Session
	epoch     int
	log       []Message
	index     map[string]int // server id -> log slot
	analytics *SessionAnalytics
	inflight  map[string]time.Time // normalized text -> send start
	held      map[string]*time.Timer

	nextSubID     int
	alertHandlers []alertSubscriber

	teardown []func()
}

type alertSubscriber struct {
	id      int
	handler AlertHandler
}

// NewConversation creates a conversation controller. The session itself is
// created by Initialize.
func (c *Client) NewConversation(opts ...ConversationOption) *Conversation {
	conv := &Conversation{
		client:      c,
		logger:      c.logger,
		graceWindow: defaultGraceWindow,
		debounce:    defaultSendDebounce,
		index:       make(map[string]int),
		inflight:    make(map[string]time.Time),
		held:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(conv)
	}
	if conv.realtime == nil {
		conv.realtime = c.NewRealtime()
	}

	unsubscribe := conv.realtime.OnMessage(TypeNewMessage, conv.handlePushedMessage)
	conv.teardown = append(conv.teardown, unsubscribe)
	return conv
}

// Realtime returns the push-channel connection manager owned by this
// conversation.
func (c *Conversation) Realtime() *Realtime {
	return c.realtime
}

// SessionID returns the active session id, or "" before initialization.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// Initialize creates a session from the profile and binds the push channel
// to it. There is no automatic retry; callers decide whether to try again.
func (c *Conversation) Initialize(ctx context.Context, profile Profile) (*Session, error) {
	session, err := c.client.Sessions.Create(ctx, profile)
	if err != nil {
		return nil, &SessionInitError{Err: err}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	// A push-channel dial failure is not fatal: chat still works over the
	// request/response channel and the manager keeps retrying.
	if err := c.realtime.Connect(session.ID); err != nil {
		c.logger.Warn("push channel connect failed", "sessionId", session.ID, "error", err)
	}
	return session, nil
}

// Send posts one user message. The provisional user entry is appended to the
// log synchronously, before the network call is issued; on failure it is
// rolled back and the text is returned inside *SendError for re-entry.
func (c *Conversation) Send(ctx context.Context, text string, opts SendOptions) (*Message, error) {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return nil, NewInvalidRequestError("message must not be empty")
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, NewInvalidRequestError("session not initialized")
	}
	if started, ok := c.inflight[normalized]; ok && time.Since(started) < c.debounce {
		c.mu.Unlock()
		return nil, NewInvalidRequestError("identical send already in flight")
	}
	c.inflight[normalized] = time.Now()
	sessionID := c.session.ID
	epoch := c.epoch

	// Optimistic transaction: apply locally, keep the undo key.
	provisional := Message{
		ID:          provisionalIDPrefix + uuid.NewString(),
		Sender:      SenderUser,
		Text:        text,
		Timestamp:   time.Now(),
		Provisional: true,
	}
	c.log = append(c.log, provisional)
	c.mu.Unlock()

	reply, err := c.client.Chat.Send(ctx, sessionID, text, opts)

	c.mu.Lock()
	delete(c.inflight, normalized)
	if err != nil {
		if epoch == c.epoch {
			c.removeLocked(provisional.ID)
		}
		c.mu.Unlock()
		return nil, &SendError{Text: text, Err: err}
	}
	if epoch != c.epoch {
		// Session was reset mid-flight; the reply belongs to a discarded log.
		c.mu.Unlock()
		return reply, nil
	}

	var alert *Message
	if c.realtime.Connected() && reply.ID != "" {
		c.holdReplyLocked(*reply, epoch)
	} else {
		alert = c.applyLocked(*reply)
	}
	c.mu.Unlock()

	if alert != nil {
		c.deliverAlert(*alert)
	}
	go c.refreshAnalytics(sessionID, epoch)
	return reply, nil
}

// holdReplyLocked delays applying a request/response reply while the push
// channel is connected: the pushed copy is authoritative when both race.
// The log upsert is idempotent on server ids, so whichever channel loses the
// race cannot duplicate the entry.
func (c *Conversation) holdReplyLocked(reply Message, epoch int) {
	if _, exists := c.index[reply.ID]; exists {
		return
	}
	if _, pending := c.held[reply.ID]; pending {
		return
	}
	c.held[reply.ID] = time.AfterFunc(c.graceWindow, func() {
		c.mu.Lock()
		delete(c.held, reply.ID)
		if epoch != c.epoch {
			c.mu.Unlock()
			return
		}
		alert := c.applyLocked(reply)
		c.mu.Unlock()
		if alert != nil {
			c.deliverAlert(*alert)
		}
	})
}

// handlePushedMessage applies a push-delivered message to the log.
func (c *Conversation) handlePushedMessage(envelope Envelope) {
	var payload NewMessagePayload
	if err := envelope.Decode(&payload); err != nil {
		c.logger.Error("malformed new_message payload", "error", err)
		return
	}
	if payload.Data.ID == "" && strings.TrimSpace(payload.Data.Text) == "" {
		return
	}

	c.mu.Lock()
	if timer, ok := c.held[payload.Data.ID]; ok {
		timer.Stop()
		delete(c.held, payload.Data.ID)
	}
	alert := c.applyLocked(payload.Data)
	c.mu.Unlock()

	if alert != nil {
		c.deliverAlert(*alert)
	}
}

// applyLocked upserts a message into the log. Insertion order is preserved:
// a message already present (by server id) or matching a provisional entry
// keeps its original slot. The returned message, when non-nil, must be
// delivered to alert handlers after c.mu is released.
func (c *Conversation) applyLocked(msg Message) *Message {
	if msg.Sender == "" {
		msg.Sender = SenderAgent
	}

	alert := msg.Sender == SenderAgent && msg.RequiresImmediateAttention

	switch {
	case msg.ID != "":
		if slot, ok := c.index[msg.ID]; ok {
			// Duplicate delivery over the second channel; one entry stays.
			c.log[slot] = msg
			alert = false
		} else if slot, ok := c.findProvisionalLocked(msg); ok {
			c.log[slot] = msg
			c.index[msg.ID] = slot
		} else {
			c.log = append(c.log, msg)
			c.index[msg.ID] = len(c.log) - 1
		}
	default:
		msg.Provisional = true
		c.log = append(c.log, msg)
	}

	if alert {
		return &msg
	}
	return nil
}

// findProvisionalLocked locates a provisional entry superseded by msg: same
// sender, same text, adjacent timestamp.
func (c *Conversation) findProvisionalLocked(msg Message) (int, bool) {
	for i, entry := range c.log {
		if !entry.Provisional || entry.Sender != msg.Sender {
			continue
		}
		if strings.TrimSpace(entry.Text) != strings.TrimSpace(msg.Text) {
			continue
		}
		delta := entry.Timestamp.Sub(msg.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if msg.Timestamp.IsZero() || delta <= provisionalAdjacency {
			return i, true
		}
	}
	return 0, false
}

func (c *Conversation) removeLocked(id string) {
	for i, entry := range c.log {
		if entry.ID != id {
			continue
		}
		c.log = append(c.log[:i], c.log[i+1:]...)
		for serverID, slot := range c.index {
			if slot > i {
				c.index[serverID] = slot - 1
			} else if slot == i {
				delete(c.index, serverID)
			}
		}
		return
	}
}

// deliverAlert delivers the crisis interrupt. Handlers run synchronously
// within the receiving turn so the signal cannot queue behind other state
// updates or be suppressed by an unrelated failure.
func (c *Conversation) deliverAlert(msg Message) {
	c.mu.Lock()
	handlers := make([]alertSubscriber, len(c.alertHandlers))
	copy(handlers, c.alertHandlers)
	c.mu.Unlock()
	for _, sub := range handlers {
		sub.handler(msg)
	}
}

// OnAlert registers a handler for agent messages flagged requiresImmediate-
// Attention. The returned func removes the handler.
func (c *Conversation) OnAlert(handler AlertHandler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.alertHandlers = append(c.alertHandlers, alertSubscriber{id: id, handler: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.alertHandlers {
			if sub.id == id {
				c.alertHandlers = append(c.alertHandlers[:i:i], c.alertHandlers[i+1:]...)
				return
			}
		}
	}
}

// refreshAnalytics polls session analytics best-effort after a send.
// Failures are logged, never surfaced, and never clear a previous value.
func (c *Conversation) refreshAnalytics(sessionID string, epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), analyticsFetchTimeout)
	defer cancel()

	analytics, err := c.client.Sessions.Analytics(ctx, sessionID)
	if err != nil {
		c.logger.Debug("analytics fetch failed", "sessionId", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	if epoch == c.epoch {
		c.analytics = analytics
	}
	c.mu.Unlock()
}

// Analytics returns the last successfully fetched analytics document, which
// may be stale. Nil before the first successful fetch.
func (c *Conversation) Analytics() *SessionAnalytics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analytics
}

// FetchAnalytics forces a synchronous analytics poll.
func (c *Conversation) FetchAnalytics(ctx context.Context) (*SessionAnalytics, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, NewInvalidRequestError("session not initialized")
	}
	sessionID := c.session.ID
	epoch := c.epoch
	c.mu.Unlock()

	analytics, err := c.client.Sessions.Analytics(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if epoch == c.epoch {
		c.analytics = analytics
	}
	c.mu.Unlock()
	return analytics, nil
}

// Messages returns a snapshot of the log in insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.log))
	copy(out, c.log)
	return out
}

// MessageCount returns the total number of log entries.
func (c *Conversation) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// CountBySender returns how many log entries the given sender authored.
func (c *Conversation) CountBySender(sender Sender) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msg := range c.log {
		if msg.Sender == sender {
			n++
		}
	}
	return n
}

// ClearMessages empties the log without touching the session.
func (c *Conversation) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLogLocked()
}

func (c *Conversation) clearLogLocked() {
	c.epoch++
	c.log = nil
	c.index = make(map[string]int)
	for id, timer := range c.held {
		timer.Stop()
		delete(c.held, id)
	}
}

// History fetches the full server-side session history.
func (c *Conversation) History(ctx context.Context) (*SessionHistory, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, NewInvalidRequestError("session not initialized")
	}
	sessionID := c.session.ID
	c.mu.Unlock()
	return c.client.Sessions.Get(ctx, sessionID)
}

// SendTyping reports the user's typing state over the push channel.
func (c *Conversation) SendTyping(isTyping bool) {
	if c.realtime.Connected() && c.SessionID() != "" {
		_ = c.realtime.SendTypingIndicator(isTyping)
	}
}

// Reset tears the session down and starts a new one: disconnects the push
// channel, clears the log and analytics, then re-initializes. In-flight
// requests are not awaited; their effects land in the discarded epoch.
func (c *Conversation) Reset(ctx context.Context, profile Profile) (*Session, error) {
	c.realtime.Disconnect()

	c.mu.Lock()
	c.session = nil
	c.analytics = nil
	c.clearLogLocked()
	c.mu.Unlock()

	return c.Initialize(ctx, profile)
}

// Close releases push-channel subscriptions and disconnects.
func (c *Conversation) Close() {
	for _, fn := range c.teardown {
		fn()
	}
	c.teardown = nil
	c.realtime.Disconnect()
}
