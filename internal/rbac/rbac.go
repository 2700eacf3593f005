package rbac

import (
	"fmt"
	"sort"
	"strings"
)

type Role string
type Action string

const (
	RoleOwner       Role = "owner"
	RoleContributor Role = "contributor"
	RoleReviewer    Role = "reviewer"
	RoleViewer      Role = "viewer"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionLock    Action = "lock"
	ActionSuggest Action = "suggest"
)

var knownActions = map[Action]struct{}{
	ActionRead:    {},
	ActionWrite:   {},
	ActionUpdate:  {},
	ActionDelete:  {},
	ActionLock:    {},
	ActionSuggest: {},
}

// Permissions holds the per-participant grants. General applies to every
// component; PerComponent entries win over General for their component only.
type Permissions struct {
	General      map[Action]bool            `json:"general"`
	PerComponent map[string]map[Action]bool `json:"per_component,omitempty"`
}

// Decision is the outcome of a permission evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	switch role {
	case RoleOwner, RoleContributor, RoleReviewer, RoleViewer:
		return role, nil
	case "":
		return RoleContributor, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Precedence ranks roles for priority-based conflict resolution. Unknown
// roles rank zero.
func Precedence(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleContributor:
		return 3
	case RoleReviewer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

func DefaultPermissions(role Role) Permissions {
	var general map[Action]bool
	switch role {
	case RoleOwner:
		general = map[Action]bool{ActionRead: true, ActionWrite: true, ActionDelete: true, ActionLock: true}
	case RoleContributor:
		general = map[Action]bool{ActionRead: true, ActionWrite: true, ActionDelete: false, ActionLock: false}
	case RoleReviewer:
		general = map[Action]bool{ActionRead: true, ActionSuggest: true, ActionWrite: false, ActionDelete: false}
	case RoleViewer:
		general = map[Action]bool{ActionRead: true}
	default:
		general = map[Action]bool{}
	}
	return Permissions{General: general}
}

// Merge returns a copy of p with overrides applied on top.
func (p Permissions) Merge(overrides Permissions) Permissions {
	merged := p.Clone()
	for action, allowed := range overrides.General {
		merged.General[action] = allowed
	}
	for componentID, actions := range overrides.PerComponent {
		if merged.PerComponent == nil {
			merged.PerComponent = make(map[string]map[Action]bool)
		}
		if merged.PerComponent[componentID] == nil {
			merged.PerComponent[componentID] = make(map[Action]bool, len(actions))
		}
		for action, allowed := range actions {
			merged.PerComponent[componentID][action] = allowed
		}
	}
	return merged
}

func (p Permissions) Clone() Permissions {
	cloned := Permissions{General: make(map[Action]bool, len(p.General))}
	for action, allowed := range p.General {
		cloned.General[action] = allowed
	}
	if len(p.PerComponent) > 0 {
		cloned.PerComponent = make(map[string]map[Action]bool, len(p.PerComponent))
		for componentID, actions := range p.PerComponent {
			inner := make(map[Action]bool, len(actions))
			for action, allowed := range actions {
				inner[action] = allowed
			}
			cloned.PerComponent[componentID] = inner
		}
	}
	return cloned
}

// Validate rejects override maps keyed by actions outside the closed set.
func (p Permissions) Validate() error {
	var unknown []string
	for action := range p.General {
		if !action.Valid() {
			unknown = append(unknown, string(action))
		}
	}
	for componentID, actions := range p.PerComponent {
		if strings.TrimSpace(componentID) == "" {
			return fmt.Errorf("component override requires a component id")
		}
		for action := range actions {
			if !action.Valid() {
				unknown = append(unknown, componentID+":"+string(action))
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown actions: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Evaluate resolves an action for an active participant. The order is
// component override, then the general map, then the role default.
func Evaluate(role Role, perms Permissions, action Action, componentID string) Decision {
	if componentID != "" {
		if actions, ok := perms.PerComponent[componentID]; ok {
			if allowed, ok := actions[action]; ok {
				return decision(allowed, "component permission")
			}
		}
	}
	if allowed, ok := perms.General[action]; ok {
		return decision(allowed, "explicit permission")
	}
	switch role {
	case RoleViewer:
		return decision(action == ActionRead, "role default")
	case RoleReviewer:
		return decision(action == ActionRead || action == ActionSuggest, "role default")
	case RoleContributor, RoleOwner:
		return decision(true, "role default")
	default:
		return Decision{Allowed: false, Reason: "unknown"}
	}
}

func decision(allowed bool, source string) Decision {
	if allowed {
		return Decision{Allowed: true, Reason: source + " grants access"}
	}
	return Decision{Allowed: false, Reason: source + " denies access"}
}
