package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachBackend(t *testing.T, run func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		run(t, store.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		ctx := context.Background()
		db, err := store.OpenSQLite(ctx, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		sqlStore := store.NewSQLiteStore(db)
		require.NoError(t, sqlStore.Migrate(ctx))
		run(t, sqlStore)
	})
}

func numberedAgents(n int) StaticAgents {
	registry := StaticAgents{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("agent-%02d", i)
		registry[id] = store.Agent{ID: id, Name: id}
	}
	return registry
}

func TestConcurrentRecordActionKeepsEveryUpdate(t *testing.T) {
	const actions = 100
	const components = 7

	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		coord := New(st, numberedAgents(1))
		_, err := coord.CreateSession(ctx, CreateSessionInput{
			CanvasID:       "canvas-1",
			SessionID:      "s1",
			OwnerUserID:    "user-1",
			Mode:           store.ModeParallel,
			MaxAgents:      2,
			InitialAgentID: "agent-00",
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < actions; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := coord.RecordAction(ctx, "s1", "agent-00", rbac.ActionUpdate, fmt.Sprintf("comp-%d", i%components))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		participant, err := st.GetParticipant(ctx, "s1", "agent-00")
		require.NoError(t, err)
		assert.Equal(t, actions, participant.ActionsCount)
		assert.Len(t, participant.HeldLocks, components)
		assert.ElementsMatch(t, []string{"comp-0", "comp-1", "comp-2", "comp-3", "comp-4", "comp-5", "comp-6"}, participant.HeldLocks)
	})
}

func TestConcurrentAddParticipantRespectsCapacity(t *testing.T) {
	const callers = 20
	const maxAgents = 3

	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		coord := New(st, numberedAgents(callers))
		_, err := coord.CreateSession(ctx, CreateSessionInput{
			CanvasID:    "canvas-1",
			SessionID:   "s1",
			OwnerUserID: "user-1",
			Mode:        store.ModeParallel,
			MaxAgents:   maxAgents,
		})
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			rejected int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := coord.AddParticipant(ctx, AddParticipantInput{
					SessionID: "s1",
					AgentID:   fmt.Sprintf("agent-%02d", i),
					AddedBy:   "user-1",
					Role:      rbac.RoleContributor,
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					admitted++
					return
				}
				if assert.Equal(t, KindCapacityExceeded, KindOf(err), "unexpected error: %v", err) {
					rejected++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, maxAgents, admitted)
		assert.Equal(t, callers-maxAgents, rejected)

		participants, err := st.ListParticipants(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, participants, maxAgents)
	})
}
