package collab

import (
	"context"
	"errors"
	"testing"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConflictStrategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy string
		agentA   string
		agentB   string
		want     store.Resolution
		action   string
	}{
		{name: "first come", strategy: StrategyFirstComeFirstServed, agentA: "viewer", agentB: "owner", want: store.ResolutionAgentAWins, action: "update"},
		{name: "empty strategy", strategy: "", agentA: "viewer", agentB: "owner", want: store.ResolutionAgentAWins, action: "update"},
		{name: "unknown strategy", strategy: "coin_flip", agentA: "viewer", agentB: "owner", want: store.ResolutionAgentAWins, action: "update"},
		{name: "priority owner first", strategy: StrategyPriority, agentA: "owner", agentB: "viewer", want: store.ResolutionAgentAWins, action: "update"},
		{name: "priority owner second", strategy: StrategyPriority, agentA: "viewer", agentB: "owner", want: store.ResolutionAgentBWins, action: "delete"},
		{name: "priority tie", strategy: StrategyPriority, agentA: "owner", agentB: "owner2", want: store.ResolutionAgentAWins, action: "update"},
		{name: "priority missing participant", strategy: StrategyPriority, agentA: "ghost", agentB: "owner", want: store.ResolutionAgentAWins, action: "update"},
		{name: "merge default", strategy: StrategyMerge, agentA: "viewer", agentB: "owner", want: store.ResolutionMerged, action: "update"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.coord.agents = agents("owner", "owner2", "viewer")
			ctx := context.Background()
			h.session(t, "s1", store.ModeParallel, 3)
			h.join(t, "s1", "owner", rbac.RoleOwner)
			h.join(t, "s1", "owner2", rbac.RoleOwner)
			h.join(t, "s1", "viewer", rbac.RoleViewer)

			res, err := h.coord.ResolveConflict(ctx, ResolveInput{
				SessionID:   "s1",
				AgentA:      tc.agentA,
				AgentB:      tc.agentB,
				ComponentID: "comp-1",
				ActionA:     "update",
				ActionB:     "delete",
				Strategy:    tc.strategy,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Resolution)
			assert.Equal(t, tc.action, res.ResolvedAction)

			stored, err := h.store.GetConflict(ctx, res.ConflictID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, stored.Resolution)
			assert.Equal(t, "system", stored.ResolvedBy)
			assert.Equal(t, tc.action, stored.ResolvedAction)
			assert.Equal(t, "canvas-1", stored.CanvasID)
			assert.NotNil(t, stored.ResolvedAt)
		})
	}
}

func TestResolveConflictRecordsNormalizedStrategy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "unknown", AgentA: "a1", AgentB: "a2", ActionA: "x", ActionB: "y", Strategy: "coin_flip"})
	require.NoError(t, err)

	stored, err := h.store.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, StrategyFirstComeFirstServed, stored.Strategy)
	assert.Empty(t, stored.CanvasID, "unknown session has no canvas")

	_, err = h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s1", AgentA: "a1"})
	requireKind(t, err, KindInvalidArgument)
}

func TestResolveConflictCustomMerger(t *testing.T) {
	merger := MergerFunc(func(_ context.Context, req MergeRequest) (string, error) {
		return req.ActionA + "+" + req.ActionB, nil
	})
	h := newHarness(t, WithMerger(merger))

	res, err := h.coord.ResolveConflict(context.Background(), ResolveInput{SessionID: "s1", AgentA: "a1", AgentB: "a2", ActionA: "update", ActionB: "delete", Strategy: StrategyMerge})
	require.NoError(t, err)
	assert.Equal(t, store.ResolutionMerged, res.Resolution)
	assert.Equal(t, "update+delete", res.ResolvedAction)
}

func TestResolveConflictMergerFailureLogsNothing(t *testing.T) {
	boom := errors.New("merge backend down")
	h := newHarness(t, WithMerger(MergerFunc(func(context.Context, MergeRequest) (string, error) {
		return "", boom
	})))
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 2)

	_, err := h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s1", AgentA: "a1", AgentB: "a2", Strategy: StrategyMerge})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Kind(""), KindOf(err))

	conflicts, err := h.coord.ListConflicts(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	summary, err := h.coord.CompleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Conflicts)
}

func TestListConflictsAndAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.session(t, "s1", store.ModeParallel, 2)

	first, err := h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s1", AgentA: "a1", AgentB: "a2", ComponentID: "c1"})
	require.NoError(t, err)
	second, err := h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s1", AgentA: "a2", AgentB: "a1", ComponentID: "c2"})
	require.NoError(t, err)
	_, err = h.coord.ResolveConflict(ctx, ResolveInput{SessionID: "s2", AgentA: "a2", AgentB: "a1"})
	require.NoError(t, err)

	conflicts, err := h.coord.ListConflicts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, first.ConflictID, conflicts[0].ID)
	assert.Equal(t, second.ConflictID, conflicts[1].ID)

	resolved := 0
	for _, name := range h.sink.names() {
		if name == audit.EventConflictResolved {
			resolved++
		}
	}
	assert.Equal(t, 3, resolved)
}
