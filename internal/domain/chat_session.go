package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatSession is the persisted snapshot of a tab's conversation: the
// transcript, the funnel progress and the rate-limit clock.
type ChatSession struct {
	UserID       string
	SessionID    string
	StepIndex    int
	RecordJSON   string
	MessagesJSON string
	LastInputAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
