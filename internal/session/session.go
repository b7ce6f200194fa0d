// Package session owns the per-tab conversation: transcript, funnel state and
// rate-limit clock, kept together so they are created, mutated and reset as a
// single unit.
package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
)

// Key identifies a tab session of an anonymous user.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string {
	return k.UserID + ":" + k.SessionID
}

// Session is one conversation. mu is held for the whole of a turn.
type Session struct {
	mu         sync.Mutex
	key        Key
	transcript []domain.Message
	state      *funnel.State
	lastInput  time.Time
	createdAt  time.Time
	// broken is set when the stored snapshot could not be decoded. Every turn
	// fails until the session is reset.
	broken error
	// dirty is set while the repository holds an older state than memory.
	// Dirty sessions are never evicted.
	dirty bool

	// Guarded by Manager.mu.
	refs     int
	lastUsed time.Time
}

func newSession(key Key, now time.Time) *Session {
	return &Session{
		key:       key,
		state:     funnel.NewState(),
		lastInput: ratelimit.Epoch(),
		createdAt: now,
	}
}

// reset returns the session to its initial values. Caller holds mu.
func (s *Session) reset(now time.Time) {
	s.transcript = nil
	s.state = funnel.NewState()
	s.lastInput = ratelimit.Epoch()
	s.createdAt = now
	s.broken = nil
}

// check reports whether the session can take another turn.
func (s *Session) check() error {
	if s.broken != nil {
		return fmt.Errorf("%w: %v", funnel.ErrMalformedState, s.broken)
	}
	return s.state.Check()
}

func (s *Session) appendUser(text string) domain.Message {
	msg := domain.Message{Role: domain.RoleUser, Content: text}
	s.transcript = append(s.transcript, msg)
	return msg
}

func (s *Session) appendAssistant(text string) domain.Message {
	msg := domain.Message{Role: domain.RoleAssistant, Content: text}
	s.transcript = append(s.transcript, msg)
	return msg
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	Messages    []domain.Message `json:"messages"`
	Step        int              `json:"step"`
	TotalSteps  int              `json:"total_steps"`
	Complete    bool             `json:"complete"`
	Record      funnel.Record    `json:"record,omitempty"`
	LastInputAt time.Time        `json:"last_input_at"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Messages:    slices.Clone(s.transcript),
		Step:        s.state.StepIndex,
		TotalSteps:  funnel.TotalFields(),
		Complete:    s.state.Complete(),
		Record:      s.state.Record.Clone(),
		LastInputAt: s.lastInput,
	}
}

// toRecord serializes the session for the repository.
func (s *Session) toRecord() (*domain.ChatSession, error) {
	record, err := json.Marshal(s.state.Record)
	if err != nil {
		return nil, fmt.Errorf("marshal funnel record: %w", err)
	}
	messages, err := json.Marshal(s.transcript)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	return &domain.ChatSession{
		UserID:       s.key.UserID,
		SessionID:    s.key.SessionID,
		StepIndex:    s.state.StepIndex,
		RecordJSON:   string(record),
		MessagesJSON: string(messages),
		LastInputAt:  s.lastInput,
		CreatedAt:    s.createdAt,
	}, nil
}

// fromRecord rebuilds a session from a stored snapshot. The funnel state is
// restored as stored; invariant violations surface on the next turn.
func fromRecord(key Key, cs *domain.ChatSession) (*Session, error) {
	s := &Session{
		key:       key,
		state:     &funnel.State{StepIndex: cs.StepIndex, Record: funnel.Record{}},
		lastInput: cs.LastInputAt,
		createdAt: cs.CreatedAt,
	}
	if err := json.Unmarshal([]byte(cs.RecordJSON), &s.state.Record); err != nil {
		return nil, fmt.Errorf("decode funnel record: %w", err)
	}
	if s.state.Record == nil {
		s.state.Record = funnel.Record{}
	}
	if err := json.Unmarshal([]byte(cs.MessagesJSON), &s.transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return s, nil
}
