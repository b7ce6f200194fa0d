package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/leadfunnel/internal/domain"
	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var answers = []string{
	"Ana Silva",
	"11987654321",
	"ana@example.com",
	"1",
	"casa",
	"0120",
	"3",
	"500000",
	"média",
}

type fakeLeads struct {
	mu    sync.Mutex
	leads []*domain.Lead
	err   error
}

func (f *fakeLeads) Append(_ context.Context, lead *domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.leads = append(f.leads, lead)
	return nil
}

func (f *fakeLeads) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leads)
}

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[Key]domain.ChatSession
	deleted  int
	upserts  int
	// failUpserts makes the next n upserts fail.
	failUpserts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[Key]domain.ChatSession)}
}

func (r *fakeRepo) GetChatSession(_ context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sessions[Key{userID, sessionID}]
	if !ok {
		return nil, nil
	}
	return &cs, nil
}

func (r *fakeRepo) UpsertChatSession(_ context.Context, cs *domain.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.failUpserts > 0 {
		r.failUpserts--
		return errors.New("database is locked")
	}
	r.sessions[Key{cs.UserID, cs.SessionID}] = *cs
	return nil
}

func (r *fakeRepo) setFailUpserts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUpserts = n
}

func (r *fakeRepo) stored(key Key) (domain.ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.sessions[key]
	return cs, ok
}

func (r *fakeRepo) DeleteChatSession(_ context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, Key{userID, sessionID})
	r.deleted++
	return nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mgr   *Manager
	leads *fakeLeads
	repo  *fakeRepo
	clock *fakeClock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		leads: &fakeLeads{},
		repo:  newFakeRepo(),
		clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Throttle: ratelimit.NewThrottle(time.Second).WithClock(f.clock.Now, f.clock.Sleep),
		Leads:    f.leads,
		Repo:     f.repo,
		Welcome:  "Oi!",
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.mgr = NewManager(opts)
	t.Cleanup(f.mgr.Close)
	return f
}

func (m *Manager) cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestHandleGreetsOnFirstTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	turn, err := f.mgr.Handle(context.Background(), key, "Ana Silva")
	require.NoError(t, err)

	first, _ := funnel.FieldAt(0)
	second, _ := funnel.FieldAt(1)
	assert.Equal(t, []string{"Oi!", first.Prompt, "✅ Entendi!", second.Prompt}, contents(turn.Messages))
	assert.Equal(t, 1, turn.Step)
	assert.Equal(t, funnel.TotalFields(), turn.TotalSteps)

	transcript, err := f.mgr.Transcript(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, transcript, 5)
	assert.Equal(t, domain.Message{Role: domain.RoleUser, Content: "Ana Silva"}, transcript[2])
}

func TestFullFunnelPersistsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) {
		o.NewLeadID = func() string { return "lead-1" }
	})
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	var last Turn
	for i, answer := range answers {
		f.clock.Advance(2 * time.Second)
		turn, err := f.mgr.Handle(ctx, key, answer)
		require.NoError(t, err, "answer %d", i)
		last = turn
	}

	assert.True(t, last.Completed)
	assert.True(t, last.Complete)
	assert.Contains(t, contents(last.Messages)[1], "Lead completo e salvo")

	require.Equal(t, 1, f.leads.count())
	lead := f.leads.leads[0]
	assert.Equal(t, "lead-1", lead.ID)
	assert.Equal(t, "anon_1", lead.UserID)
	assert.Equal(t, "tab-1", lead.SessionID)
	assert.Equal(t, map[string]string{
		funnel.KeyName:         "Ana Silva",
		funnel.KeyPhone:        "11987654321",
		funnel.KeyEmail:        "ana@example.com",
		funnel.KeyOperation:    "compra",
		funnel.KeyPropertyType: "casa",
		funnel.KeyArea:         "120",
		funnel.KeyBedrooms:     "3",
		funnel.KeyPriceRange:   "500000",
		funnel.KeyUrgency:      "media",
	}, lead.Fields)

	for range 3 {
		f.clock.Advance(2 * time.Second)
		turn, err := f.mgr.Handle(ctx, key, "mais uma coisa")
		require.NoError(t, err)
		assert.False(t, turn.Completed)
		assert.Len(t, turn.Messages, 1)
	}
	assert.Equal(t, 1, f.leads.count(), "post-completion input must not persist again")
}

func TestPersistFailureStillCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.leads.err = errors.New("disk full")
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	var last Turn
	for _, answer := range answers {
		turn, err := f.mgr.Handle(context.Background(), key, answer)
		require.NoError(t, err)
		last = turn
	}

	assert.True(t, last.Completed)
	assert.Equal(t, funnel.DefaultTexts().SaveFailed, contents(last.Messages)[1])

	snap, err := f.mgr.Snapshot(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, snap.Complete)
}

func TestThrottleDelaysRapidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	turn, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)
	assert.Zero(t, turn.Waited, "first input has nothing to wait for")

	f.clock.Advance(300 * time.Millisecond)
	turn, err = f.mgr.Handle(ctx, key, "11987654321")
	require.NoError(t, err)
	assert.Equal(t, 700*time.Millisecond, turn.Waited)
	assert.Equal(t, 2, turn.Step, "a throttled input is delayed, never dropped")
}

func TestRejectedInputClockPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		touchOnReject bool
		wantWait      time.Duration
	}{
		{name: "touch on reject", touchOnReject: true, wantWait: time.Second},
		{name: "advance only", touchOnReject: false, wantWait: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, func(o *Options) { o.TouchOnReject = tt.touchOnReject })
			key := Key{UserID: "anon_1", SessionID: "tab-1"}
			ctx := context.Background()

			turn, err := f.mgr.Handle(ctx, key, "Ana")
			require.NoError(t, err)
			assert.Equal(t, 0, turn.Step)

			turn, err = f.mgr.Handle(ctx, key, "Ana Silva")
			require.NoError(t, err)
			assert.Equal(t, tt.wantWait, turn.Waited)
			assert.Equal(t, 1, turn.Step)
		})
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	turn, err := f.mgr.Start(ctx, key, "")
	require.NoError(t, err)
	first, _ := funnel.FieldAt(0)
	assert.Equal(t, []string{"Oi!", first.Prompt}, contents(turn.Messages))

	turn, err = f.mgr.Start(ctx, key, "Ana Silva")
	require.NoError(t, err)
	assert.Empty(t, turn.Messages)
	assert.Equal(t, 0, turn.Step)
}

func TestStartWithInitialText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	turn, err := f.mgr.Start(context.Background(), key, "Quero comprar um imóvel.")
	require.NoError(t, err)
	assert.Len(t, turn.Messages, 4)
	assert.Equal(t, 1, turn.Step)

	transcript, err := f.mgr.Transcript(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, transcript[2].Role)
}

func TestResetClearsEverythingTogether(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	_, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)
	_, err = f.mgr.Handle(ctx, key, "11987654321")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Reset(ctx, key))

	snap, err := f.mgr.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, 0, snap.Step)
	assert.Empty(t, snap.Record)
	assert.True(t, snap.LastInputAt.Equal(ratelimit.Epoch()))
	assert.Equal(t, 1, f.repo.deleted)

	turn, err := f.mgr.Handle(ctx, key, "Bia Souza")
	require.NoError(t, err)
	assert.Zero(t, turn.Waited, "reset restores the rate-limit clock")
	assert.Equal(t, "Oi!", turn.Messages[0].Content, "first turn after reset greets again")
}

func TestSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	a := Key{UserID: "anon_1", SessionID: "tab-1"}
	b := Key{UserID: "anon_1", SessionID: "tab-2"}

	_, err := f.mgr.Handle(ctx, a, "Ana Silva")
	require.NoError(t, err)

	turn, err := f.mgr.Handle(ctx, b, "Bia Souza")
	require.NoError(t, err)
	assert.Zero(t, turn.Waited)
	assert.Equal(t, 1, turn.Step)

	require.NoError(t, f.mgr.Reset(ctx, a))
	snap, err := f.mgr.Snapshot(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Step)
}

func TestConcurrentTurnsOnOneSessionAreSerialized(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Handle(ctx, key, fmt.Sprintf("x%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	transcript, err := f.mgr.Transcript(ctx, key)
	require.NoError(t, err)
	// welcome + prompt, then user + error + prompt per rejected turn.
	assert.Len(t, transcript, 2+3*n)
	for i := 2; i < len(transcript); i += 3 {
		assert.Equal(t, domain.RoleUser, transcript[i].Role)
	}
}

func TestRestoreFromRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	_, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)

	restarted := NewManager(Options{
		Throttle: ratelimit.NewThrottle(time.Second).WithClock(f.clock.Now, f.clock.Sleep),
		Leads:    f.leads,
		Repo:     f.repo,
		Welcome:  "Oi!",
	})
	t.Cleanup(restarted.Close)
	snap, err := restarted.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Step)
	assert.Equal(t, "Ana Silva", snap.Record[funnel.KeyName])
	assert.Len(t, snap.Messages, 5)
}

func TestCorruptSnapshotRequiresReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := Key{UserID: "anon_1", SessionID: "tab-1"}
	ctx := context.Background()

	require.NoError(t, f.repo.UpsertChatSession(ctx, &domain.ChatSession{
		UserID:       key.UserID,
		SessionID:    key.SessionID,
		StepIndex:    3,
		RecordJSON:   `{"nome":"Ana Silva"}`,
		MessagesJSON: `[]`,
	}))

	_, err := f.mgr.Handle(ctx, key, "11987654321")
	require.ErrorIs(t, err, funnel.ErrMalformedState)

	require.NoError(t, f.repo.UpsertChatSession(ctx, &domain.ChatSession{
		UserID:       "anon_2",
		SessionID:    "tab-1",
		RecordJSON:   `not json`,
		MessagesJSON: `[]`,
	}))
	other := Key{UserID: "anon_2", SessionID: "tab-1"}
	_, err = f.mgr.Snapshot(ctx, other)
	require.ErrorIs(t, err, funnel.ErrMalformedState)

	require.NoError(t, f.mgr.Reset(ctx, key))
	turn, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)
	assert.Equal(t, 1, turn.Step)
}

func TestReadsDoNotCacheSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	for i := range 1000 {
		key := Key{UserID: "anon_1", SessionID: fmt.Sprintf("tab-%d", i)}
		transcript, err := f.mgr.Transcript(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, transcript)
	}
	assert.Zero(t, f.mgr.cached())

	key := Key{UserID: "anon_1", SessionID: "tab-live"}
	_, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)
	assert.Equal(t, 1, f.mgr.cached())

	snap, err := f.mgr.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Step)
	assert.Equal(t, 1, f.mgr.cached())
}

func TestEvictIdleSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.IdleTTL = time.Minute })
	ctx := context.Background()
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	_, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)

	assert.Zero(t, f.mgr.evictIdle(time.Now()), "recently used sessions stay")

	_, release, err := f.mgr.acquire(ctx, key, true)
	require.NoError(t, err)
	assert.Zero(t, f.mgr.evictIdle(time.Now().Add(time.Hour)), "held sessions stay")
	release()

	assert.Equal(t, 1, f.mgr.evictIdle(time.Now().Add(time.Hour)))
	assert.Zero(t, f.mgr.cached())

	f.clock.Advance(2 * time.Second)
	turn, err := f.mgr.Handle(ctx, key, "11987654321")
	require.NoError(t, err)
	assert.Equal(t, 2, turn.Step, "evicted session is restored from the repository")
}

func TestDirtySessionIsNotEvicted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *Options) { o.IdleTTL = time.Minute })
	ctx := context.Background()
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	f.repo.setFailUpserts(1)
	_, err := f.mgr.Handle(ctx, key, "Ana Silva")
	require.NoError(t, err)
	assert.Zero(t, f.mgr.evictIdle(time.Now().Add(time.Hour)))

	f.clock.Advance(2 * time.Second)
	_, err = f.mgr.Handle(ctx, key, "11987654321")
	require.NoError(t, err)
	assert.Equal(t, 1, f.mgr.evictIdle(time.Now().Add(time.Hour)))
}

func TestCompletionSnapshotIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	key := Key{UserID: "anon_1", SessionID: "tab-1"}

	for _, answer := range answers[:len(answers)-1] {
		f.clock.Advance(2 * time.Second)
		_, err := f.mgr.Handle(ctx, key, answer)
		require.NoError(t, err)
	}

	f.repo.setFailUpserts(completionSaveAttempts - 1)
	f.clock.Advance(2 * time.Second)
	turn, err := f.mgr.Handle(ctx, key, answers[len(answers)-1])
	require.NoError(t, err)
	require.True(t, turn.Completed)

	cs, ok := f.repo.stored(key)
	require.True(t, ok)
	assert.Equal(t, funnel.TotalFields(), cs.StepIndex)

	restarted := NewManager(Options{
		Throttle: ratelimit.NewThrottle(time.Second).WithClock(f.clock.Now, f.clock.Sleep),
		Leads:    f.leads,
		Repo:     f.repo,
		Welcome:  "Oi!",
	})
	t.Cleanup(restarted.Close)

	f.clock.Advance(2 * time.Second)
	turn, err = restarted.Handle(ctx, key, answers[len(answers)-1])
	require.NoError(t, err)
	assert.False(t, turn.Completed)
	assert.Equal(t, 1, f.leads.count(), "a restored completed session never stores a second lead")
}

func TestChannelFromContext(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ChannelHTTP, ChannelFromContext(context.Background()))
	ctx := WithChannel(context.Background(), ChannelWebSocket)
	assert.Equal(t, ChannelWebSocket, ChannelFromContext(ctx))
}
