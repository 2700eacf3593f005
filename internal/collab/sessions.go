package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"canvascollab/internal/audit"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"
	"canvascollab/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

type CreateSessionInput struct {
	CanvasID       string
	SessionID      string
	OwnerUserID    string
	Mode           store.Mode
	MaxAgents      int
	InitialAgentID string
}

type SessionStatus struct {
	Session      store.Session
	Participants []store.Participant
}

type CompletionSummary struct {
	SessionID    string
	Participants int
	TotalActions int
	Conflicts    int
	CompletedAt  time.Time
}

func validMode(mode store.Mode) bool {
	switch mode {
	case store.ModeSequential, store.ModeParallel, store.ModeLocked:
		return true
	}
	return false
}

// CreateSession opens an active session. When InitialAgentID is set the agent
// is resolved before anything is written and then joins as owner. If the
// owner cannot join, the session is deleted again.
func (c *Coordinator) CreateSession(ctx context.Context, in CreateSessionInput) (session store.Session, err error) {
	ctx, span := c.startSpan(ctx, "CreateSession", attribute.String("canvas_id", in.CanvasID))
	defer func() { endSpan(span, err) }()

	in.Mode = store.Mode(strings.ToLower(strings.TrimSpace(string(in.Mode))))
	if !validMode(in.Mode) {
		return store.Session{}, newError(KindInvalidArgument, "mode must be sequential, parallel or locked", map[string]any{"mode": in.Mode})
	}
	if in.MaxAgents < 1 {
		return store.Session{}, newError(KindInvalidArgument, "max_agents must be at least 1", map[string]any{"max_agents": in.MaxAgents})
	}
	if strings.TrimSpace(in.SessionID) == "" {
		in.SessionID = util.NewID("sess")
	}

	if in.InitialAgentID != "" {
		if _, err := c.resolveAgent(ctx, in.InitialAgentID); err != nil {
			return store.Session{}, err
		}
	}

	session = store.Session{
		ID:          util.NewID("cs"),
		CanvasID:    in.CanvasID,
		SessionID:   in.SessionID,
		OwnerUserID: in.OwnerUserID,
		Mode:        in.Mode,
		MaxAgents:   in.MaxAgents,
		Status:      store.StatusActive,
		CreatedAt:   c.now(),
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return store.Session{}, newError(KindAlreadyExists, "session already exists", map[string]any{"session_id": in.SessionID})
		}
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	c.logger.Info("session created", "session_id", session.SessionID, "canvas_id", session.CanvasID, "mode", session.Mode, "max_agents", session.MaxAgents)
	c.emit(ctx, audit.EventSessionCreated, session.SessionID, "", map[string]any{
		"canvas_id":  session.CanvasID,
		"mode":       string(session.Mode),
		"max_agents": session.MaxAgents,
	})

	if in.InitialAgentID != "" {
		if _, err := c.AddParticipant(ctx, AddParticipantInput{
			SessionID: session.SessionID,
			AgentID:   in.InitialAgentID,
			AddedBy:   in.OwnerUserID,
			Role:      rbac.RoleOwner,
		}); err != nil {
			// Drop the ownerless session so the caller can retry with the same id.
			if delErr := c.store.DeleteSession(context.WithoutCancel(ctx), session.SessionID); delErr != nil {
				c.logger.Error("session rollback failed", "session_id", session.SessionID, "error", delErr)
				return store.Session{}, errors.Join(err, fmt.Errorf("rollback session: %w", delErr))
			}
			c.logger.Warn("session rolled back", "session_id", session.SessionID, "error", err)
			return store.Session{}, err
		}
	}
	return session, nil
}

// GetSessionStatus returns the session with its participants that have not
// completed, in join order.
func (c *Coordinator) GetSessionStatus(ctx context.Context, sessionID string) (status SessionStatus, err error) {
	ctx, span := c.startSpan(ctx, "GetSessionStatus", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	participants, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("list participants: %w", err)
	}

	active := make([]store.Participant, 0, len(participants))
	for _, participant := range participants {
		if participant.Status != store.StatusCompleted {
			active = append(active, participant)
		}
	}
	return SessionStatus{Session: session, Participants: active}, nil
}

// CompleteSession closes the session and every participant still in it,
// releasing their locks in the same store write.
func (c *Coordinator) CompleteSession(ctx context.Context, sessionID string) (summary CompletionSummary, err error) {
	ctx, span := c.startSpan(ctx, "CompleteSession", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	unlock, err := c.acquire(ctx, sessionKey(sessionID))
	if err != nil {
		return CompletionSummary{}, err
	}
	defer unlock()

	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return CompletionSummary{}, err
	}
	if session.Status != store.StatusActive {
		return CompletionSummary{}, newError(KindInvalidState, "session already completed", map[string]any{"session_id": sessionID})
	}

	completedAt := c.now()
	if err := c.store.CompleteSession(ctx, sessionID, completedAt); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return CompletionSummary{}, newError(KindNotFound, "session not found", map[string]any{"session_id": sessionID})
		case errors.Is(err, store.ErrStale):
			return CompletionSummary{}, newError(KindInvalidState, "session already completed", map[string]any{"session_id": sessionID})
		default:
			return CompletionSummary{}, fmt.Errorf("complete session: %w", err)
		}
	}

	participants, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return CompletionSummary{}, fmt.Errorf("list participants: %w", err)
	}
	conflicts, err := c.store.CountConflicts(ctx, sessionID)
	if err != nil {
		return CompletionSummary{}, fmt.Errorf("count conflicts: %w", err)
	}

	summary = CompletionSummary{
		SessionID:    sessionID,
		Participants: len(participants),
		Conflicts:    conflicts,
		CompletedAt:  completedAt,
	}
	for _, participant := range participants {
		summary.TotalActions += participant.ActionsCount
	}

	c.logger.Info("session completed", "session_id", sessionID, "participants", summary.Participants, "total_actions", summary.TotalActions, "conflicts", summary.Conflicts)
	c.emit(ctx, audit.EventSessionCompleted, sessionID, "", map[string]any{
		"participants":  summary.Participants,
		"total_actions": summary.TotalActions,
		"conflicts":     summary.Conflicts,
	})
	return summary, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}
