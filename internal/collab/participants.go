package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"
	"canvascollab/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

type AddParticipantInput struct {
	SessionID string
	AgentID   string
	AddedBy   string
	// Role defaults to contributor when empty.
	Role      rbac.Role
	Overrides *rbac.Permissions
}

// AddParticipant admits an agent to an active session. Checks run in a fixed
// order and the first failure is returned: session exists, session active,
// agent never joined before, capacity left, agent known to the registry.
func (c *Coordinator) AddParticipant(ctx context.Context, in AddParticipantInput) (participant store.Participant, err error) {
	ctx, span := c.startSpan(ctx, "AddParticipant",
		attribute.String("session_id", in.SessionID),
		attribute.String("agent_id", in.AgentID),
	)
	defer func() { endSpan(span, err) }()

	role, err := rbac.ParseRole(string(in.Role))
	if err != nil {
		return store.Participant{}, newError(KindInvalidArgument, err.Error(), map[string]any{"role": in.Role})
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return store.Participant{}, newError(KindInvalidArgument, "agent_id is required", nil)
	}
	permissions := rbac.DefaultPermissions(role)
	if in.Overrides != nil {
		if err := in.Overrides.Validate(); err != nil {
			return store.Participant{}, newError(KindInvalidArgument, err.Error(), nil)
		}
		permissions = permissions.Merge(*in.Overrides)
	}

	unlock, err := c.acquire(ctx, sessionKey(in.SessionID))
	if err != nil {
		return store.Participant{}, err
	}
	defer unlock()

	session, err := c.loadSession(ctx, in.SessionID)
	if err != nil {
		return store.Participant{}, err
	}
	if session.Status != store.StatusActive {
		return store.Participant{}, newError(KindInvalidState, "session is not active", map[string]any{"session_id": in.SessionID})
	}

	existing, err := c.store.ListParticipants(ctx, in.SessionID)
	if err != nil {
		return store.Participant{}, fmt.Errorf("list participants: %w", err)
	}
	current := 0
	for _, p := range existing {
		if p.AgentID == in.AgentID {
			return store.Participant{}, newError(KindDuplicateParticipant, "agent already joined this session", map[string]any{
				"session_id": in.SessionID,
				"agent_id":   in.AgentID,
			})
		}
		if p.Status != store.StatusCompleted {
			current++
		}
	}
	if current >= session.MaxAgents {
		return store.Participant{}, newError(KindCapacityExceeded, "session is at capacity", map[string]any{
			"session_id": in.SessionID,
			"max_agents": session.MaxAgents,
		})
	}

	if _, err := c.resolveAgent(ctx, in.AgentID); err != nil {
		return store.Participant{}, err
	}

	participant = store.Participant{
		ID:          util.NewID("part"),
		SessionID:   in.SessionID,
		AgentID:     in.AgentID,
		AddedBy:     in.AddedBy,
		Role:        role,
		Permissions: permissions,
		Status:      store.StatusActive,
		HeldLocks:   []string{},
		JoinedAt:    c.now(),
	}
	if err := c.store.InsertParticipant(ctx, participant); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Participant{}, newError(KindDuplicateParticipant, "agent already joined this session", map[string]any{
				"session_id": in.SessionID,
				"agent_id":   in.AgentID,
			})
		}
		return store.Participant{}, fmt.Errorf("insert participant: %w", err)
	}

	c.logger.Info("participant added", "session_id", in.SessionID, "agent_id", in.AgentID, "role", role)
	c.emit(ctx, audit.EventParticipantAdded, in.SessionID, in.AgentID, map[string]any{
		"role":     string(role),
		"added_by": in.AddedBy,
	})
	return participant, nil
}

// RemoveParticipant releases every lock the participant holds and marks it
// completed. The agent can never rejoin the session.
func (c *Coordinator) RemoveParticipant(ctx context.Context, sessionID, agentID string) (participant store.Participant, err error) {
	ctx, span := c.startSpan(ctx, "RemoveParticipant",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
	)
	defer func() { endSpan(span, err) }()

	now := c.now()
	var released []string
	participant, err = c.store.UpdateParticipant(ctx, sessionID, agentID, func(p *store.Participant) error {
		if p.Status == store.StatusCompleted {
			return newError(KindInvalidState, "participant already left", map[string]any{
				"session_id": sessionID,
				"agent_id":   agentID,
			})
		}
		released = releaseAllLocks(p)
		p.Status = store.StatusCompleted
		p.LeftAt = &now
		return nil
	})
	if err != nil {
		return store.Participant{}, c.participantUpdateError(err, sessionID, agentID)
	}

	c.logger.Info("participant removed", "session_id", sessionID, "agent_id", agentID, "released_locks", len(released))
	c.emit(ctx, audit.EventParticipantRemoved, sessionID, agentID, map[string]any{
		"released_locks": released,
	})
	return participant, nil
}

func (c *Coordinator) resolveAgent(ctx context.Context, agentID string) (store.Agent, error) {
	agent, err := c.agents.ResolveAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, newError(KindNotFound, "agent not found", map[string]any{"agent_id": agentID})
	}
	if err != nil {
		return store.Agent{}, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	return agent, nil
}

// participantUpdateError passes coordinator errors raised inside an update
// through unchanged and maps store sentinels.
func (c *Coordinator) participantUpdateError(err error, sessionID, agentID string) error {
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return participantNotFound(sessionID, agentID)
	}
	return fmt.Errorf("update participant %s: %w", agentID, err)
}
