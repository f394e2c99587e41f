package serene

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Profile is the creation profile submitted when opening a session.
type Profile struct {
	Name        string            `json:"name,omitempty"`
	Language    string            `json:"language,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Session is a server-issued session descriptor.
type Session struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Profile   Profile   `json:"userProfile,omitempty"`
}

// EmotionalState is the backend's emotion classification for a message.
type EmotionalState struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Message is a single chat message. Within a session's log, server-issued
// IDs are unique; a message delivered over both channels collapses to one
// entry keyed by ID. Provisional marks a locally created entry that has no
// server ID yet and will be superseded, never duplicated.
type Message struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Text      string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	AudioURL  string          `json:"audioUrl,omitempty"`
	Emotion   *EmotionalState `json:"emotionalState,omitempty"`
	AgentType string          `json:"agentType,omitempty"`

	RequiresImmediateAttention bool `json:"requiresImmediateAttention,omitempty"`

	// Provisional is client-side only.
	Provisional bool `json:"-"`
}

// SessionAnalytics is the derived engagement/mood document for a session.
type SessionAnalytics struct {
	SessionID       string    `json:"sessionId"`
	EngagementScore float64   `json:"engagementScore"`
	MoodTrend       string    `json:"moodTrend"`
	MessageCount    int       `json:"messageCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// SessionHistory is the full session state returned by GET /sessions/{id}.
type SessionHistory struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}
