// Package serene provides the Go client for the Serene support-chat service.
//
// The service exposes two independently-timed channels: a request/response
// REST API (sessions, chat, speech) and a push channel over WebSocket. The
// client mirrors that split: Sessions/Chat/Speech are REST services hung off
// Client, Realtime owns the push connection, and Conversation reconciles
// messages arriving on both channels into a single log. SpeechPipeline
// drives capture, transcription, synthesis and playback around that flow.
package serene

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 30 * time.Second
	defaultUserAgent      = "serene-go"
)

// Client is the main entry point for the SDK.
type Client struct {
	Sessions *SessionsService
	Chat     *ChatService
	Speech   *SpeechService

	// Internal
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient creates a new client for the given backend.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		httpClient: newDefaultHTTPClient(),
		timeout:    defaultRequestTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Sessions = &SessionsService{client: c}
	c.Chat = &ChatService{client: c}
	c.Speech = &SpeechService{client: c}
	return c
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks backend liveness via GET /health.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
}

// websocketEndpoint converts the base URL into a ws(s) URL for the given path.
func (c *Client) websocketEndpoint(path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.baseURL, "/") + path)
	if err != nil {
		return "", NewInvalidRequestError("invalid base URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", NewInvalidRequestError("base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
