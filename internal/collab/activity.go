package collab

import (
	"context"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

type ActivityRecord struct {
	AgentID      string
	Action       rbac.Action
	ComponentID  string
	ActionsCount int
}

// RecordAction counts one action by an active participant and stamps its
// activity time. update and lock actions on a component also take the
// component lock if the participant does not hold it yet.
func (c *Coordinator) RecordAction(ctx context.Context, sessionID, agentID string, action rbac.Action, componentID string) (record ActivityRecord, err error) {
	ctx, span := c.startSpan(ctx, "RecordAction",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("action", string(action)),
		attribute.String("component_id", componentID),
	)
	defer func() { endSpan(span, err) }()

	if !action.Valid() {
		return ActivityRecord{}, newError(KindInvalidArgument, "unknown action", map[string]any{"action": action})
	}

	now := c.now()
	participant, err := c.store.UpdateParticipant(ctx, sessionID, agentID, func(p *store.Participant) error {
		if p.Status != store.StatusActive {
			return newError(KindInvalidState, "participant is not active", map[string]any{
				"session_id": sessionID,
				"agent_id":   agentID,
			})
		}
		p.ActionsCount++
		p.LastActivityAt = &now
		if takesLock(action) && componentID != "" && !p.Holds(componentID) {
			p.HeldLocks = append(p.HeldLocks, componentID)
		}
		return nil
	})
	if err != nil {
		return ActivityRecord{}, c.participantUpdateError(err, sessionID, agentID)
	}

	return ActivityRecord{
		AgentID:      agentID,
		Action:       action,
		ComponentID:  componentID,
		ActionsCount: participant.ActionsCount,
	}, nil
}

// ReleaseLock drops one component lock held by the participant.
func (c *Coordinator) ReleaseLock(ctx context.Context, sessionID, agentID, componentID string) (err error) {
	ctx, span := c.startSpan(ctx, "ReleaseLock",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("component_id", componentID),
	)
	defer func() { endSpan(span, err) }()

	_, err = c.store.UpdateParticipant(ctx, sessionID, agentID, func(p *store.Participant) error {
		if !p.Holds(componentID) {
			return newError(KindLockNotHeld, "component lock not held", map[string]any{
				"session_id":   sessionID,
				"agent_id":     agentID,
				"component_id": componentID,
			})
		}
		remaining := make([]string, 0, len(p.HeldLocks)-1)
		for _, held := range p.HeldLocks {
			if held != componentID {
				remaining = append(remaining, held)
			}
		}
		p.HeldLocks = remaining
		return nil
	})
	if err != nil {
		return c.participantUpdateError(err, sessionID, agentID)
	}

	c.emit(ctx, audit.EventLockReleased, sessionID, agentID, map[string]any{"component_id": componentID})
	return nil
}

func takesLock(action rbac.Action) bool {
	return action == rbac.ActionUpdate || action == rbac.ActionLock
}

// releaseAllLocks empties the participant's held locks and returns what it
// held.
func releaseAllLocks(p *store.Participant) []string {
	released := p.HeldLocks
	p.HeldLocks = []string{}
	return released
}
