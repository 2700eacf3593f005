package collab

import (
	"context"
	"testing"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddParticipantCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 2)
	h.join(t, "s1", "a1", rbac.RoleOwner)
	h.join(t, "s1", "a2", "")

	_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "a3"})
	requireKind(t, err, KindCapacityExceeded)

	// Leaving frees a seat.
	_, err = h.coord.RemoveParticipant(ctx, "s1", "a2")
	require.NoError(t, err)
	h.join(t, "s1", "a3", rbac.RoleViewer)
}

func TestAddParticipantNoRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 5)
	h.join(t, "s1", "a1", rbac.RoleContributor)

	_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "a1"})
	requireKind(t, err, KindDuplicateParticipant)

	_, err = h.coord.RemoveParticipant(ctx, "s1", "a1")
	require.NoError(t, err)

	_, err = h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "a1"})
	requireKind(t, err, KindDuplicateParticipant)
}

func TestAddParticipantCheckOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown role first", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "missing", AgentID: "a1", Role: "admin"})
		requireKind(t, err, KindInvalidArgument)
	})

	t.Run("missing session", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "missing", AgentID: "ghost"})
		requireKind(t, err, KindNotFound)
	})

	t.Run("completed session before duplicate", func(t *testing.T) {
		h := newHarness(t)
		h.session(t, "s1", store.ModeParallel, 1)
		h.join(t, "s1", "a1", rbac.RoleOwner)
		_, err := h.coord.CompleteSession(ctx, "s1")
		require.NoError(t, err)

		_, err = h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "a1"})
		requireKind(t, err, KindInvalidState)
	})

	t.Run("duplicate before capacity", func(t *testing.T) {
		h := newHarness(t)
		h.session(t, "s1", store.ModeParallel, 1)
		h.join(t, "s1", "a1", rbac.RoleOwner)

		_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "a1"})
		requireKind(t, err, KindDuplicateParticipant)
	})

	t.Run("capacity before registry", func(t *testing.T) {
		h := newHarness(t)
		h.session(t, "s1", store.ModeParallel, 1)
		h.join(t, "s1", "a1", rbac.RoleOwner)

		_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "ghost"})
		requireKind(t, err, KindCapacityExceeded)
	})

	t.Run("unknown agent", func(t *testing.T) {
		h := newHarness(t)
		h.session(t, "s1", store.ModeParallel, 2)

		_, err := h.coord.AddParticipant(ctx, AddParticipantInput{SessionID: "s1", AgentID: "ghost"})
		requireKind(t, err, KindNotFound)
	})
}

func TestAddParticipantPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 3)

	participant, err := h.coord.AddParticipant(ctx, AddParticipantInput{
		SessionID: "s1",
		AgentID:   "a1",
		Overrides: &rbac.Permissions{
			General:      map[rbac.Action]bool{rbac.ActionLock: true},
			PerComponent: map[string]map[rbac.Action]bool{"header": {rbac.ActionDelete: true}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleContributor, participant.Role)
	assert.Equal(t, store.StatusActive, participant.Status)
	assert.Equal(t, h.clock.Now(), participant.JoinedAt)
	assert.True(t, participant.Permissions.General[rbac.ActionWrite])
	assert.True(t, participant.Permissions.General[rbac.ActionLock])
	assert.True(t, participant.Permissions.PerComponent["header"][rbac.ActionDelete])

	_, err = h.coord.AddParticipant(ctx, AddParticipantInput{
		SessionID: "s1",
		AgentID:   "a2",
		Overrides: &rbac.Permissions{General: map[rbac.Action]bool{"publish": true}},
	})
	requireKind(t, err, KindInvalidArgument)
}

func TestRemoveParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 3)
	h.join(t, "s1", "a1", rbac.RoleOwner)

	_, err := h.coord.RecordAction(ctx, "s1", "a1", rbac.ActionLock, "comp-1")
	require.NoError(t, err)
	_, err = h.coord.RecordAction(ctx, "s1", "a1", rbac.ActionUpdate, "comp-2")
	require.NoError(t, err)

	removed, err := h.coord.RemoveParticipant(ctx, "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, removed.Status)
	assert.Empty(t, removed.HeldLocks)
	require.NotNil(t, removed.LeftAt)
	assert.Equal(t, 2, removed.ActionsCount)

	_, err = h.coord.RemoveParticipant(ctx, "s1", "a1")
	requireKind(t, err, KindInvalidState)
	_, err = h.coord.RemoveParticipant(ctx, "s1", "ghost")
	requireKind(t, err, KindNotFound)

	last := h.sink.events[len(h.sink.events)-1]
	assert.Equal(t, audit.EventParticipantRemoved, last.Name)
	assert.Equal(t, []string{"comp-1", "comp-2"}, last.Attributes["released_locks"])
}
