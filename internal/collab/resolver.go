package collab

import (
	"context"
	"errors"
	"fmt"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"
	"canvascollab/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

const (
	StrategyFirstComeFirstServed = "first_come_first_served"
	StrategyPriority             = "priority"
	StrategyMerge                = "merge"

	resolvedBySystem = "system"
)

type ResolveInput struct {
	SessionID   string
	AgentA      string
	AgentB      string
	ComponentID string
	ActionA     string
	ActionB     string
	Strategy    string
}

type Resolution struct {
	ConflictID     string
	Resolution     store.Resolution
	ResolvedAction string
}

type MergeRequest struct {
	SessionID   string
	ComponentID string
	AgentA      string
	AgentB      string
	ActionA     string
	ActionB     string
}

// Merger combines two conflicting actions into the action that is applied.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (string, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, req MergeRequest) (string, error)

func (f MergerFunc) Merge(ctx context.Context, req MergeRequest) (string, error) {
	return f(ctx, req)
}

// DefaultMerger keeps agent A's action.
type DefaultMerger struct{}

func (DefaultMerger) Merge(_ context.Context, req MergeRequest) (string, error) {
	return req.ActionA, nil
}

func normalizeStrategy(strategy string) string {
	switch strategy {
	case StrategyPriority, StrategyMerge:
		return strategy
	default:
		return StrategyFirstComeFirstServed
	}
}

// ResolveConflict picks a winner by strategy, records the conflict as pending
// and finalizes the record once. Unknown strategies behave as
// first_come_first_served.
func (c *Coordinator) ResolveConflict(ctx context.Context, in ResolveInput) (resolution Resolution, err error) {
	strategy := normalizeStrategy(in.Strategy)
	ctx, span := c.startSpan(ctx, "ResolveConflict",
		attribute.String("session_id", in.SessionID),
		attribute.String("strategy", strategy),
	)
	defer func() { endSpan(span, err) }()

	if in.AgentA == "" || in.AgentB == "" {
		return Resolution{}, newError(KindInvalidArgument, "agent_a and agent_b are required", nil)
	}

	// A failed decision leaves no conflict row behind.
	outcome, action, err := c.decide(ctx, strategy, in)
	if err != nil {
		return Resolution{}, err
	}

	var canvasID string
	session, err := c.store.GetSession(ctx, in.SessionID)
	switch {
	case err == nil:
		canvasID = session.CanvasID
	case errors.Is(err, store.ErrNotFound):
	default:
		return Resolution{}, fmt.Errorf("get session: %w", err)
	}

	conflict := store.Conflict{
		ID:          util.NewID("conf"),
		SessionID:   in.SessionID,
		CanvasID:    canvasID,
		ComponentID: in.ComponentID,
		AgentAID:    in.AgentA,
		AgentBID:    in.AgentB,
		ActionA:     in.ActionA,
		ActionB:     in.ActionB,
		Strategy:    strategy,
		Resolution:  store.ResolutionPending,
		CreatedAt:   c.now(),
	}
	if err := c.store.InsertConflict(ctx, conflict); err != nil {
		return Resolution{}, fmt.Errorf("insert conflict: %w", err)
	}

	if err := c.store.ResolveConflict(ctx, conflict.ID, store.ConflictResolution{
		Resolution:     outcome,
		ResolvedBy:     resolvedBySystem,
		ResolvedAction: action,
		ResolvedAt:     c.now(),
	}); err != nil {
		if errors.Is(err, store.ErrStale) {
			return Resolution{}, newError(KindInvalidState, "conflict already resolved", map[string]any{"conflict_id": conflict.ID})
		}
		return Resolution{}, fmt.Errorf("resolve conflict: %w", err)
	}

	c.logger.Info("conflict resolved", "session_id", in.SessionID, "conflict_id", conflict.ID, "strategy", strategy, "resolution", outcome)
	c.emit(ctx, audit.EventConflictResolved, in.SessionID, "", map[string]any{
		"conflict_id":     conflict.ID,
		"component_id":    in.ComponentID,
		"agent_a":         in.AgentA,
		"agent_b":         in.AgentB,
		"strategy":        strategy,
		"resolution":      string(outcome),
		"resolved_action": action,
	})

	return Resolution{ConflictID: conflict.ID, Resolution: outcome, ResolvedAction: action}, nil
}

func (c *Coordinator) decide(ctx context.Context, strategy string, in ResolveInput) (store.Resolution, string, error) {
	switch strategy {
	case StrategyPriority:
		a, okA, err := c.lookupRole(ctx, in.SessionID, in.AgentA)
		if err != nil {
			return "", "", err
		}
		b, okB, err := c.lookupRole(ctx, in.SessionID, in.AgentB)
		if err != nil {
			return "", "", err
		}
		if okA && okB && rbac.Precedence(b) > rbac.Precedence(a) {
			return store.ResolutionAgentBWins, in.ActionB, nil
		}
		return store.ResolutionAgentAWins, in.ActionA, nil
	case StrategyMerge:
		action, err := c.merger.Merge(ctx, MergeRequest{
			SessionID:   in.SessionID,
			ComponentID: in.ComponentID,
			AgentA:      in.AgentA,
			AgentB:      in.AgentB,
			ActionA:     in.ActionA,
			ActionB:     in.ActionB,
		})
		if err != nil {
			return "", "", fmt.Errorf("merge actions: %w", err)
		}
		return store.ResolutionMerged, action, nil
	default:
		return store.ResolutionAgentAWins, in.ActionA, nil
	}
}

func (c *Coordinator) lookupRole(ctx context.Context, sessionID, agentID string) (rbac.Role, bool, error) {
	participant, err := c.store.GetParticipant(ctx, sessionID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get participant %s: %w", agentID, err)
	}
	return participant.Role, true, nil
}

// ListConflicts returns every conflict logged for the session, oldest first.
func (c *Coordinator) ListConflicts(ctx context.Context, sessionID string) (conflicts []store.Conflict, err error) {
	ctx, span := c.startSpan(ctx, "ListConflicts", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	conflicts, err = c.store.ListConflicts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return conflicts, nil
}
