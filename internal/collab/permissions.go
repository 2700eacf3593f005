package collab

import (
	"context"
	"errors"
	"fmt"

	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// CheckPermission decides whether the agent may perform action, optionally
// scoped to one component. A denial is a Decision, not an error.
func (c *Coordinator) CheckPermission(ctx context.Context, sessionID, agentID string, action rbac.Action, componentID string) (decision rbac.Decision, err error) {
	ctx, span := c.startSpan(ctx, "CheckPermission",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("action", string(action)),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", decision.Allowed))
		endSpan(span, err)
	}()

	if !action.Valid() {
		return rbac.Decision{}, newError(KindInvalidArgument, "unknown action", map[string]any{"action": action})
	}

	participant, err := c.store.GetParticipant(ctx, sessionID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.Decision{Allowed: false, Reason: "participant not found"}, nil
	}
	if err != nil {
		return rbac.Decision{}, fmt.Errorf("get participant: %w", err)
	}
	if participant.Status != store.StatusActive {
		return rbac.Decision{Allowed: false, Reason: "participant is not active"}, nil
	}

	return rbac.Evaluate(participant.Role, participant.Permissions, action, componentID), nil
}
