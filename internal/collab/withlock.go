package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"canvascollab/internal/lock"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// WithLock runs fn while agentID exclusively holds componentID. The
// (session, component) key is taken on the configured locker so concurrent
// WithLock calls serialize; if another active participant already holds the
// component the call fails with LockHeld and fn does not run. A lock taken
// here is released when fn returns, even on error.
func (c *Coordinator) WithLock(ctx context.Context, sessionID, agentID, componentID string, fn func(ctx context.Context) error) (err error) {
	ctx, span := c.startSpan(ctx, "WithLock",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("component_id", componentID),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(componentID) == "" {
		return newError(KindInvalidArgument, "component_id is required", nil)
	}

	unlock, err := c.acquire(ctx, lock.Key("component", sessionID, componentID))
	if err != nil {
		return err
	}
	defer unlock()

	participants, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	var self *store.Participant
	for i := range participants {
		p := participants[i]
		if p.AgentID == agentID {
			self = &participants[i]
			continue
		}
		if p.Status == store.StatusActive && p.Holds(componentID) {
			return newError(KindLockHeld, "component is locked by another participant", map[string]any{
				"session_id":   sessionID,
				"component_id": componentID,
				"holder":       p.AgentID,
			})
		}
	}
	if self == nil {
		return participantNotFound(sessionID, agentID)
	}
	alreadyHeld := self.Holds(componentID)

	if _, err := c.RecordAction(ctx, sessionID, agentID, rbac.ActionLock, componentID); err != nil {
		return err
	}

	fnErr := fn(ctx)

	if alreadyHeld {
		return fnErr
	}
	releaseErr := c.ReleaseLock(context.WithoutCancel(ctx), sessionID, agentID, componentID)
	if errors.Is(releaseErr, ErrLockNotHeld) {
		releaseErr = nil
	}
	return errors.Join(fnErr, releaseErr)
}
