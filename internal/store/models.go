package store

import (
	"time"

	"canvascollab/internal/rbac"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeLocked     Mode = "locked"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionAgentAWins Resolution = "agent_a_wins"
	ResolutionAgentBWins Resolution = "agent_b_wins"
	ResolutionMerged     Resolution = "merged"
)

type Agent struct {
	ID   string
	Name string
}

type Session struct {
	ID          string
	CanvasID    string
	SessionID   string
	OwnerUserID string
	Mode        Mode
	MaxAgents   int
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type Participant struct {
	ID             string
	SessionID      string
	AgentID        string
	AddedBy        string
	Role           rbac.Role
	Permissions    rbac.Permissions
	Status         Status
	HeldLocks      []string
	ActionsCount   int
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastActivityAt *time.Time
}

// Holds reports whether componentID is among the participant's held locks.
func (p Participant) Holds(componentID string) bool {
	for _, held := range p.HeldLocks {
		if held == componentID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share maps or slices with a store.
func (p Participant) Clone() Participant {
	cloned := p
	cloned.Permissions = p.Permissions.Clone()
	cloned.HeldLocks = append([]string{}, p.HeldLocks...)
	cloned.LeftAt = cloneTime(p.LeftAt)
	cloned.LastActivityAt = cloneTime(p.LastActivityAt)
	return cloned
}

type Conflict struct {
	ID             string
	SessionID      string
	CanvasID       string
	ComponentID    string
	AgentAID       string
	AgentBID       string
	ActionA        string
	ActionB        string
	Strategy       string
	Resolution     Resolution
	ResolvedBy     string
	ResolvedAction string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// ConflictResolution carries the write-once fields set when a conflict is finalized.
type ConflictResolution struct {
	Resolution     Resolution
	ResolvedBy     string
	ResolvedAction string
	ResolvedAt     time.Time
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
