package collab

import (
	"context"
	"errors"
	"fmt"

	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

const (
	ConflictSequential = "sequential"
	ConflictLocked     = "locked"
)

type ConflictCheck struct {
	HasConflict      bool
	ConflictType     string
	ConflictingAgent string
	Reason           string
}

// CheckConflict reports whether another participant is in the way of agentID
// acting on componentID. Sequential sessions look at recent activity of
// anyone else regardless of component. Parallel and locked sessions look at
// component locks held by other active participants. An unknown session never
// conflicts. The first match in join order is reported.
func (c *Coordinator) CheckConflict(ctx context.Context, sessionID, agentID, componentID string, action rbac.Action) (check ConflictCheck, err error) {
	ctx, span := c.startSpan(ctx, "CheckConflict",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("component_id", componentID),
		attribute.String("action", string(action)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("has_conflict", check.HasConflict))
		endSpan(span, err)
	}()

	session, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ConflictCheck{Reason: "session not found"}, nil
	}
	if err != nil {
		return ConflictCheck{}, fmt.Errorf("get session: %w", err)
	}

	participants, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return ConflictCheck{}, fmt.Errorf("list participants: %w", err)
	}

	switch session.Mode {
	case store.ModeSequential:
		now := c.now()
		for _, p := range participants {
			if p.AgentID == agentID || p.LastActivityAt == nil {
				continue
			}
			if now.Sub(*p.LastActivityAt) <= c.window {
				c.logger.Debug("sequential conflict", "session_id", sessionID, "agent_id", agentID, "conflicting_agent", p.AgentID)
				return ConflictCheck{
					HasConflict:      true,
					ConflictType:     ConflictSequential,
					ConflictingAgent: p.AgentID,
					Reason:           fmt.Sprintf("agent %s acted within the last %s", p.AgentID, c.window),
				}, nil
			}
		}
	default:
		for _, p := range participants {
			if p.AgentID == agentID || p.Status != store.StatusActive {
				continue
			}
			if p.Holds(componentID) {
				c.logger.Debug("lock conflict", "session_id", sessionID, "agent_id", agentID, "component_id", componentID, "conflicting_agent", p.AgentID)
				return ConflictCheck{
					HasConflict:      true,
					ConflictType:     ConflictLocked,
					ConflictingAgent: p.AgentID,
					Reason:           fmt.Sprintf("component %s is locked by agent %s", componentID, p.AgentID),
				}, nil
			}
		}
	}
	return ConflictCheck{Reason: "no conflict"}, nil
}
