package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/leadfunnel/internal/chatlog"
	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/leads"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
	"github.com/google/uuid"
)

// Repository persists session snapshots between turns.
type Repository interface {
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error
	DeleteChatSession(ctx context.Context, userID, sessionID string) error
}

// WelcomeMessage builds the greeting shown before the first question.
func WelcomeMessage(companyName, companyBlurb string) string {
	return fmt.Sprintf("Oi! Sou a **Ayla**, da **%s**. %s\n\n"+
		"Posso te ajudar a encontrar o seu imóvel dos sonhos, que cabe no seu bolso. Vamos começar?",
		companyName, companyBlurb)
}

// DefaultIdleTTL is how long an unused session stays cached in memory when a
// repository holds its durable copy.
const DefaultIdleTTL = 30 * time.Minute

const (
	completionSaveAttempts = 3
	saveRetryDelay         = 50 * time.Millisecond
)

// Options configures a Manager. Leads is required.
type Options struct {
	Machine  *funnel.Machine
	Throttle *ratelimit.Throttle
	Leads    leads.Store
	Repo     Repository
	ChatLog  chatlog.Logger
	Logger   *slog.Logger
	Welcome  string
	// TouchOnReject keeps the rate-limit clock moving on rejected answers too.
	TouchOnReject bool
	NewLeadID     func() string
	// IdleTTL evicts cached sessions unused for this long. Eviction only runs
	// with a Repo, since memory is otherwise the sole copy.
	IdleTTL time.Duration
}

// Turn is the outcome of one call into the manager.
type Turn struct {
	// Messages are the assistant messages emitted during this call.
	Messages   []domain.Message `json:"messages"`
	Step       int              `json:"step"`
	TotalSteps int              `json:"total_steps"`
	Complete   bool             `json:"complete"`
	// Completed is true only for the turn that finished the funnel.
	Completed bool          `json:"completed"`
	Waited    time.Duration `json:"-"`
}

// Manager owns every live session.
type Manager struct {
	machine       *funnel.Machine
	throttle      *ratelimit.Throttle
	leads         leads.Store
	repo          Repository
	chatLog       chatlog.Logger
	logger        *slog.Logger
	welcome       string
	touchOnReject bool
	newLeadID     func() string
	idleTTL       time.Duration

	mu       sync.Mutex
	sessions map[Key]*Session

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		machine:       opts.Machine,
		throttle:      opts.Throttle,
		leads:         opts.Leads,
		repo:          opts.Repo,
		chatLog:       opts.ChatLog,
		logger:        opts.Logger,
		welcome:       opts.Welcome,
		touchOnReject: opts.TouchOnReject,
		newLeadID:     opts.NewLeadID,
		idleTTL:       opts.IdleTTL,
		sessions:      make(map[Key]*Session),
		done:          make(chan struct{}),
	}
	if m.machine == nil {
		m.machine = funnel.NewMachine(funnel.DefaultTexts(), opts.Logger)
	}
	if m.throttle == nil {
		m.throttle = ratelimit.NewThrottle(ratelimit.DefaultMinInterval)
	}
	if m.chatLog == nil {
		m.chatLog = chatlog.Nop()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.welcome == "" {
		m.welcome = WelcomeMessage("Imobiliária XYZ", "A melhor escolha para sua casa nova!")
	}
	if m.newLeadID == nil {
		m.newLeadID = uuid.NewString
	}
	if m.idleTTL <= 0 {
		m.idleTTL = DefaultIdleTTL
	}
	if m.repo != nil {
		go m.evictLoop()
	}
	return m
}

// Close stops the eviction goroutine.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Start opens the conversation. On a fresh session it emits the welcome and
// the first question; a non-empty initial text (typed or picked from the
// suggestions) is then handled like a normal message. On a session that has
// already started, initial is ignored and no messages are emitted.
func (m *Manager) Start(ctx context.Context, key Key, initial string) (Turn, error) {
	s, release, err := m.acquire(ctx, key, true)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return Turn{}, err
	}

	var out []domain.Message
	fresh := len(s.transcript) == 0
	if fresh {
		out = m.greet(ctx, s)
	}

	turn := Turn{}
	if fresh && strings.TrimSpace(initial) != "" {
		turn, err = m.turn(ctx, s, initial)
		if err != nil {
			return Turn{}, err
		}
	}
	turn.Messages = append(out, turn.Messages...)

	if fresh {
		m.save(ctx, s, saveAttempts(turn))
	}
	return m.finish(s, turn), nil
}

// Handle runs one full turn for a user message: greeting if the session is
// fresh, rate-limit wait, funnel submission and snapshot persistence.
func (m *Manager) Handle(ctx context.Context, key Key, text string) (Turn, error) {
	s, release, err := m.acquire(ctx, key, true)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return Turn{}, err
	}

	var out []domain.Message
	if len(s.transcript) == 0 {
		out = m.greet(ctx, s)
	}

	turn, err := m.turn(ctx, s, text)
	if err != nil {
		return Turn{}, err
	}
	turn.Messages = append(out, turn.Messages...)

	m.save(ctx, s, saveAttempts(turn))
	return m.finish(s, turn), nil
}

// Reset clears transcript, funnel state and rate-limit clock together and
// removes the stored snapshot.
func (m *Manager) Reset(ctx context.Context, key Key) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(key, time.Now())
		m.sessions[key] = s
	}
	s.refs++
	m.mu.Unlock()
	defer m.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset(time.Now())
	m.logger.Info("Chat session reset", "user_id", key.UserID, "session_id", key.SessionID)

	if m.repo == nil {
		return nil
	}
	if err := m.repo.DeleteChatSession(context.WithoutCancel(ctx), key.UserID, key.SessionID); err != nil {
		s.dirty = true
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	s.dirty = false
	return nil
}

// Snapshot returns a copy of the session's transcript and progress. It does
// not cache a session that is not already live.
func (m *Manager) Snapshot(ctx context.Context, key Key) (Snapshot, error) {
	s, release, err := m.acquire(ctx, key, false)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return Snapshot{}, s.check()
	}
	return s.snapshot(), nil
}

// Transcript returns a copy of the session's messages.
func (m *Manager) Transcript(ctx context.Context, key Key) ([]domain.Message, error) {
	snap, err := m.Snapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

// acquire returns the live session for key, restoring it from the repository
// the first time it is seen. With keep false a session that is not already
// cached is returned detached and never enters the cache. The caller must
// call release once done.
func (m *Manager) acquire(ctx context.Context, key Key, keep bool) (*Session, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.refs++
		return s, func() { m.release(s) }, nil
	}

	s, err := m.load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !keep {
		return s, func() {}, nil
	}
	s.refs++
	s.lastUsed = time.Now()
	m.sessions[key] = s
	return s, func() { m.release(s) }, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	s.lastUsed = time.Now()
}

// load builds a session from the stored snapshot, or a fresh one when none
// exists. Caller holds m.mu.
func (m *Manager) load(ctx context.Context, key Key) (*Session, error) {
	s := newSession(key, time.Now())
	if m.repo == nil {
		return s, nil
	}
	cs, err := m.repo.GetChatSession(ctx, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session snapshot: %w", err)
	}
	if cs == nil {
		return s, nil
	}
	restored, err := fromRecord(key, cs)
	if err != nil {
		m.logger.Error("Stored chat session is corrupt", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		s.broken = err
		return s, nil
	}
	return restored, nil
}

// evictIdle drops cached sessions that nobody holds, whose snapshot is
// stored and that were last used before now minus the idle TTL.
func (m *Manager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, s := range m.sessions {
		// refs == 0 means no goroutine holds s.mu, so dirty is stable here.
		if s.refs > 0 || s.dirty || s.lastUsed.After(cutoff) {
			continue
		}
		delete(m.sessions, key)
		evicted++
	}
	return evicted
}

func (m *Manager) evictLoop() {
	ticker := time.NewTicker(m.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.evictIdle(time.Now()); n > 0 {
				m.logger.Debug("Evicted idle chat sessions", "count", n)
			}
		}
	}
}

// greet emits the welcome and the current prompt. Caller holds s.mu.
func (m *Manager) greet(ctx context.Context, s *Session) []domain.Message {
	out := []domain.Message{
		s.appendAssistant(m.welcome),
		s.appendAssistant(m.machine.CurrentPrompt(s.state)),
	}
	for _, msg := range out {
		m.logMessage(ctx, s.key, msg, "welcome")
	}
	return out
}

// turn processes one user input. Caller holds s.mu. Side effects run on a
// context detached from the caller's cancellation so a started turn always
// completes.
func (m *Manager) turn(ctx context.Context, s *Session, text string) (Turn, error) {
	ctx = context.WithoutCancel(ctx)

	if err := s.check(); err != nil {
		return Turn{}, err
	}

	waited := m.throttle.Wait(s.lastInput)

	m.logMessage(ctx, s.key, s.appendUser(text), "user_message")

	reply, err := m.machine.Submit(ctx, s.state, text, m.persister(s.key))
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{Completed: reply.Completed, Waited: waited}
	for _, content := range reply.Messages {
		msg := s.appendAssistant(content)
		m.logMessage(ctx, s.key, msg, "assistant_message")
		turn.Messages = append(turn.Messages, msg)
	}

	if reply.Accepted || m.touchOnReject {
		s.lastInput = m.throttle.Now()
	}

	if reply.Completed {
		m.logger.Info("Funnel completed",
			"user_id", s.key.UserID,
			"session_id", s.key.SessionID,
			"persisted", reply.PersistErr == nil,
		)
	}
	return turn, nil
}

func (m *Manager) persister(key Key) funnel.Persister {
	return funnel.PersisterFunc(func(ctx context.Context, record funnel.Record) error {
		lead := &domain.Lead{
			ID:        m.newLeadID(),
			UserID:    key.UserID,
			SessionID: key.SessionID,
			Fields:    record,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.leads.Append(ctx, lead); err != nil {
			return err
		}
		m.logger.Info("Lead stored", "lead_id", lead.ID, "user_id", key.UserID, "session_id", key.SessionID)
		return nil
	})
}

// saveAttempts retries the snapshot of a completing turn: a restored
// pre-completion state would let the last answer store a second lead.
func saveAttempts(turn Turn) int {
	if turn.Completed {
		return completionSaveAttempts
	}
	return 1
}

// save writes the session snapshot. Failures are logged and mark the session
// dirty; the in-memory session stays authoritative. Caller holds s.mu.
func (m *Manager) save(ctx context.Context, s *Session, attempts int) {
	if m.repo == nil {
		return
	}
	cs, err := s.toRecord()
	if err != nil {
		s.dirty = true
		m.logger.Error("Failed to encode chat session", "user_id", s.key.UserID, "session_id", s.key.SessionID, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	for i := 1; ; i++ {
		if err = m.repo.UpsertChatSession(ctx, cs); err == nil {
			s.dirty = false
			return
		}
		if i >= attempts {
			break
		}
		time.Sleep(saveRetryDelay * time.Duration(i))
	}
	s.dirty = true
	m.logger.Warn("Failed to persist chat session",
		"user_id", s.key.UserID,
		"session_id", s.key.SessionID,
		"attempts", attempts,
		"error", err,
	)
}

func (m *Manager) finish(s *Session, turn Turn) Turn {
	turn.Step = s.state.StepIndex
	turn.TotalSteps = funnel.TotalFields()
	turn.Complete = s.state.Complete()
	if turn.Messages == nil {
		turn.Messages = []domain.Message{}
	}
	return turn
}

func (m *Manager) logMessage(ctx context.Context, key Key, msg domain.Message, eventType string) {
	direction := "outbound"
	if msg.Role == domain.RoleUser {
		direction = "inbound"
	}
	m.chatLog.Log(chatlog.Event{
		UserID:     key.UserID,
		SessionID:  key.SessionID,
		Channel:    ChannelFromContext(ctx),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: msg.Content,
	})
}
