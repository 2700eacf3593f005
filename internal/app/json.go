package app

import (
	"time"

	"canvascollab/internal/collab"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"
)

type sessionJSON struct {
	ID          string     `json:"id"`
	CanvasID    string     `json:"canvasId"`
	SessionID   string     `json:"sessionId"`
	OwnerUserID string     `json:"ownerUserId"`
	Mode        string     `json:"mode"`
	MaxAgents   int        `json:"maxAgents"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type participantJSON struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agentId"`
	AddedBy        string           `json:"addedBy"`
	Role           string           `json:"role"`
	Permissions    rbac.Permissions `json:"permissions"`
	Status         string           `json:"status"`
	HeldLocks      []string         `json:"heldLocks"`
	ActionsCount   int              `json:"actionsCount"`
	JoinedAt       time.Time        `json:"joinedAt"`
	LeftAt         *time.Time       `json:"leftAt,omitempty"`
	LastActivityAt *time.Time       `json:"lastActivityAt,omitempty"`
}

type sessionStatusJSON struct {
	sessionJSON
	Participants []participantJSON `json:"participants"`
}

type completionJSON struct {
	SessionID    string    `json:"sessionId"`
	Participants int       `json:"participants"`
	TotalActions int       `json:"totalActions"`
	Conflicts    int       `json:"conflicts"`
	CompletedAt  time.Time `json:"completedAt"`
}

type conflictJSON struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	CanvasID       string     `json:"canvasId"`
	ComponentID    string     `json:"componentId"`
	AgentAID       string     `json:"agentA"`
	AgentBID       string     `json:"agentB"`
	ActionA        string     `json:"actionA"`
	ActionB        string     `json:"actionB"`
	Strategy       string     `json:"strategy"`
	Resolution     string     `json:"resolution"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAction string     `json:"resolvedAction,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

type conflictCheckJSON struct {
	HasConflict      bool   `json:"hasConflict"`
	ConflictType     string `json:"conflictType,omitempty"`
	ConflictingAgent string `json:"conflictingAgent,omitempty"`
	Reason           string `json:"reason"`
}

type resolutionJSON struct {
	ConflictID     string `json:"conflictId"`
	Resolution     string `json:"resolution"`
	ResolvedAction string `json:"resolvedAction"`
}

type activityJSON struct {
	AgentID      string `json:"agentId"`
	Action       string `json:"action"`
	ComponentID  string `json:"componentId,omitempty"`
	ActionsCount int    `json:"actionsCount"`
}

func toSessionJSON(session store.Session) sessionJSON {
	return sessionJSON{
		ID:          session.ID,
		CanvasID:    session.CanvasID,
		SessionID:   session.SessionID,
		OwnerUserID: session.OwnerUserID,
		Mode:        string(session.Mode),
		MaxAgents:   session.MaxAgents,
		Status:      string(session.Status),
		CreatedAt:   session.CreatedAt,
		CompletedAt: session.CompletedAt,
	}
}

func toParticipantJSON(participant store.Participant) participantJSON {
	heldLocks := participant.HeldLocks
	if heldLocks == nil {
		heldLocks = []string{}
	}
	return participantJSON{
		ID:             participant.ID,
		AgentID:        participant.AgentID,
		AddedBy:        participant.AddedBy,
		Role:           string(participant.Role),
		Permissions:    participant.Permissions,
		Status:         string(participant.Status),
		HeldLocks:      heldLocks,
		ActionsCount:   participant.ActionsCount,
		JoinedAt:       participant.JoinedAt,
		LeftAt:         participant.LeftAt,
		LastActivityAt: participant.LastActivityAt,
	}
}

func toSessionStatusJSON(status collab.SessionStatus) sessionStatusJSON {
	participants := make([]participantJSON, 0, len(status.Participants))
	for _, participant := range status.Participants {
		participants = append(participants, toParticipantJSON(participant))
	}
	return sessionStatusJSON{sessionJSON: toSessionJSON(status.Session), Participants: participants}
}

func toConflictJSON(conflict store.Conflict) conflictJSON {
	return conflictJSON{
		ID:             conflict.ID,
		SessionID:      conflict.SessionID,
		CanvasID:       conflict.CanvasID,
		ComponentID:    conflict.ComponentID,
		AgentAID:       conflict.AgentAID,
		AgentBID:       conflict.AgentBID,
		ActionA:        conflict.ActionA,
		ActionB:        conflict.ActionB,
		Strategy:       conflict.Strategy,
		Resolution:     string(conflict.Resolution),
		ResolvedBy:     conflict.ResolvedBy,
		ResolvedAction: conflict.ResolvedAction,
		CreatedAt:      conflict.CreatedAt,
		ResolvedAt:     conflict.ResolvedAt,
	}
}
