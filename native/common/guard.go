package common

import "errors"

var (
	ErrModulePaused = errors.New("module paused")
	ErrUnauthorized = errors.New("caller not authorized")
)

type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused while module is paused. A nil view or an
// empty module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Role names a governance capability.
type Role uint8

const (
	RoleOwner Role = iota + 1
	RoleGuardian
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleGuardian:
		return "guardian"
	default:
		return "unknown"
	}
}

type RoleView interface {
	HasRole(account string, role Role) bool
}

// Authorize succeeds when caller holds at least one of roles.
func Authorize(v RoleView, caller string, roles ...Role) error {
	if v == nil || caller == "" {
		return ErrUnauthorized
	}
	for _, role := range roles {
		if v.HasRole(caller, role) {
			return nil
		}
	}
	return ErrUnauthorized
}
