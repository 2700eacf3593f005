package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(_ context.Context, evt audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, evt := range s.events {
		names = append(names, evt.Name)
	}
	return names
}

type harness struct {
	coord *Coordinator
	store *store.MemoryStore
	clock *fakeClock
	sink  *recordingSink
}

func agents(ids ...string) StaticAgents {
	registry := StaticAgents{}
	for _, id := range ids {
		registry[id] = store.Agent{ID: id, Name: "agent " + id}
	}
	return registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		clock: newFakeClock(),
		sink:  &recordingSink{},
	}
	opts = append([]Option{WithClock(h.clock.Now), WithSink(h.sink)}, opts...)
	h.coord = New(h.store, agents("a1", "a2", "a3", "a4"), opts...)
	return h
}

func (h *harness) session(t *testing.T, sessionID string, mode store.Mode, maxAgents int) store.Session {
	t.Helper()
	session, err := h.coord.CreateSession(context.Background(), CreateSessionInput{
		CanvasID:    "canvas-1",
		SessionID:   sessionID,
		OwnerUserID: "user-1",
		Mode:        mode,
		MaxAgents:   maxAgents,
	})
	require.NoError(t, err)
	return session
}

func (h *harness) join(t *testing.T, sessionID, agentID string, role rbac.Role) store.Participant {
	t.Helper()
	participant, err := h.coord.AddParticipant(context.Background(), AddParticipantInput{
		SessionID: sessionID,
		AgentID:   agentID,
		AddedBy:   "user-1",
		Role:      role,
	})
	require.NoError(t, err)
	return participant
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindLockNotHeld, "component lock not held", map[string]any{"component_id": "c"})

	assert.True(t, errors.Is(err, ErrLockNotHeld))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindLockNotHeld, KindOf(err))
	assert.Equal(t, "lock_not_held: component lock not held", err.Error())

	wrapped := errors.Join(errors.New("context"), err)
	assert.Equal(t, KindLockNotHeld, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestCreateSessionValidation(t *testing.T) {
	cases := []struct {
		name string
		in   CreateSessionInput
	}{
		{name: "unknown mode", in: CreateSessionInput{CanvasID: "c", Mode: "freeform", MaxAgents: 2}},
		{name: "zero capacity", in: CreateSessionInput{CanvasID: "c", Mode: store.ModeParallel, MaxAgents: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.coord.CreateSession(context.Background(), tc.in)
			requireKind(t, err, KindInvalidArgument)
		})
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.coord.CreateSession(ctx, CreateSessionInput{CanvasID: "canvas-9", OwnerUserID: "u", Mode: "Sequential", MaxAgents: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, store.ModeSequential, session.Mode)
	assert.Equal(t, store.StatusActive, session.Status)
	assert.Equal(t, h.clock.Now(), session.CreatedAt)

	_, err = h.coord.CreateSession(ctx, CreateSessionInput{CanvasID: "canvas-9", SessionID: session.SessionID, Mode: store.ModeParallel, MaxAgents: 1})
	requireKind(t, err, KindAlreadyExists)
}

func TestCreateSessionSeedsOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CreateSession(ctx, CreateSessionInput{
		CanvasID:       "canvas-1",
		SessionID:      "s1",
		OwnerUserID:    "user-7",
		Mode:           store.ModeLocked,
		MaxAgents:      2,
		InitialAgentID: "a1",
	})
	require.NoError(t, err)

	status, err := h.coord.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, status.Participants, 1)
	owner := status.Participants[0]
	assert.Equal(t, "a1", owner.AgentID)
	assert.Equal(t, rbac.RoleOwner, owner.Role)
	assert.Equal(t, "user-7", owner.AddedBy)
	assert.Equal(t, []string{audit.EventSessionCreated, audit.EventParticipantAdded}, h.sink.names())
}

func TestCreateSessionUnknownInitialAgentLeavesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.CreateSession(ctx, CreateSessionInput{
		CanvasID:       "canvas-1",
		SessionID:      "s1",
		Mode:           store.ModeParallel,
		MaxAgents:      2,
		InitialAgentID: "ghost",
	})
	requireKind(t, err, KindNotFound)

	_, err = h.coord.GetSessionStatus(ctx, "s1")
	requireKind(t, err, KindNotFound)
	assert.Empty(t, h.sink.names())
}

type failingInsertStore struct {
	*store.MemoryStore
	err error
}

func (s failingInsertStore) InsertParticipant(context.Context, store.Participant) error {
	return s.err
}

func TestCreateSessionRollsBackWhenOwnerCannotJoin(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemoryStore()
	insertErr := errors.New("disk full")
	in := CreateSessionInput{
		CanvasID:       "canvas-1",
		SessionID:      "s1",
		OwnerUserID:    "user-1",
		Mode:           store.ModeParallel,
		MaxAgents:      2,
		InitialAgentID: "a1",
	}

	broken := New(failingInsertStore{MemoryStore: memory, err: insertErr}, agents("a1"))
	_, err := broken.CreateSession(ctx, in)
	require.ErrorIs(t, err, insertErr)

	_, err = memory.GetSession(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)

	healthy := New(memory, agents("a1"))
	session, err := healthy.CreateSession(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "s1", session.SessionID)

	status, err := healthy.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, status.Participants, 1)
	assert.Equal(t, rbac.RoleOwner, status.Participants[0].Role)
}

func TestGetSessionStatusFiltersCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 3)
	h.join(t, "s1", "a1", rbac.RoleOwner)
	h.join(t, "s1", "a2", rbac.RoleContributor)

	_, err := h.coord.RemoveParticipant(ctx, "s1", "a1")
	require.NoError(t, err)

	status, err := h.coord.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, status.Participants, 1)
	assert.Equal(t, "a2", status.Participants[0].AgentID)

	_, err = h.coord.GetSessionStatus(ctx, "missing")
	requireKind(t, err, KindNotFound)
}

func TestCompleteSessionSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 3)
	h.join(t, "s1", "a1", rbac.RoleOwner)
	h.join(t, "s1", "a2", rbac.RoleContributor)
	h.join(t, "s1", "a3", rbac.RoleViewer)

	_, err := h.coord.RecordAction(ctx, "s1", "a1", rbac.ActionLock, "comp-1")
	require.NoError(t, err)
	_, err = h.coord.RecordAction(ctx, "s1", "a2", rbac.ActionUpdate, "comp-2")
	require.NoError(t, err)
	_, err = h.coord.RecordAction(ctx, "s1", "a2", rbac.ActionWrite, "comp-2")
	require.NoError(t, err)
	_, err = h.coord.RemoveParticipant(ctx, "s1", "a3")
	require.NoError(t, err)
	_, err = h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s1", AgentA: "a1", AgentB: "a2", ComponentID: "comp-1", ActionA: "update", ActionB: "delete"})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	summary, err := h.coord.CompleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, CompletionSummary{
		SessionID:    "s1",
		Participants: 3,
		TotalActions: 3,
		Conflicts:    1,
		CompletedAt:  h.clock.Now(),
	}, summary)

	participants, err := h.store.ListParticipants(ctx, "s1")
	require.NoError(t, err)
	for _, p := range participants {
		assert.Equal(t, store.StatusCompleted, p.Status, p.AgentID)
		assert.Empty(t, p.HeldLocks, p.AgentID)
		assert.NotNil(t, p.LeftAt, p.AgentID)
	}

	session, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, session.Status)
	require.NotNil(t, session.CompletedAt)

	_, err = h.coord.CompleteSession(ctx, "s1")
	requireKind(t, err, KindInvalidState)
	_, err = h.coord.CompleteSession(ctx, "missing")
	requireKind(t, err, KindNotFound)

	assert.Contains(t, h.sink.names(), audit.EventSessionCompleted)
}
