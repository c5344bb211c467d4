package access

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a privilege tag held by a principal
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleOracle Role = "ORACLE"
)

var (
	ErrUnauthorized       = errors.New("access: unauthorized")
	ErrInvalidRole        = errors.New("access: invalid role")
	ErrInvalidPrincipal   = errors.New("access: principal is required")
	ErrAlreadyInitialized = errors.New("access: already initialized")
	ErrSelfRevoke         = errors.New("access: admin cannot revoke its own admin role")
)

// ParseRole parses a role name, case-insensitively
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleOracle:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Store persists role grants
type Store interface {
	HasRole(principal string, role Role) (bool, error)
	PutRole(principal string, role Role) error
	DeleteRole(principal string, role Role) error
	RolesOf(principal string) ([]Role, error)
	Initialized() (bool, error)
	MarkInitialized() error
}

// Registry gates privileged operations on role grants
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Bootstrap seeds the first admin. It succeeds once per store.
func (r *Registry) Bootstrap(admin string) error {
	if strings.TrimSpace(admin) == "" {
		return ErrInvalidPrincipal
	}
	done, err := r.store.Initialized()
	if err != nil {
		return err
	}
	if done {
		return ErrAlreadyInitialized
	}
	if err := r.store.PutRole(admin, RoleAdmin); err != nil {
		return err
	}
	return r.store.MarkInitialized()
}

// HasRole reports whether identity holds role
func (r *Registry) HasRole(identity string, role Role) (bool, error) {
	if identity == "" {
		return false, nil
	}
	return r.store.HasRole(identity, role)
}

// Require fails with ErrUnauthorized unless identity holds role
func (r *Registry) Require(identity string, role Role) error {
	ok, err := r.HasRole(identity, role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s role required", ErrUnauthorized, strings.ToLower(string(role)))
	}
	return nil
}

// Grant gives target the role. Only admins may grant; granting a role that is
// already held is a no-op. The returned flag reports whether anything changed.
func (r *Registry) Grant(caller, target string, role Role) (bool, error) {
	if err := r.checkMutation(caller, target, role); err != nil {
		return false, err
	}
	held, err := r.store.HasRole(target, role)
	if err != nil || held {
		return false, err
	}
	if err := r.store.PutRole(target, role); err != nil {
		return false, err
	}
	return true, nil
}

// Revoke removes role from target. Admin-gated and idempotent.
func (r *Registry) Revoke(caller, target string, role Role) (bool, error) {
	if err := r.checkMutation(caller, target, role); err != nil {
		return false, err
	}
	if role == RoleAdmin && caller == target {
		return false, ErrSelfRevoke
	}
	held, err := r.store.HasRole(target, role)
	if err != nil || !held {
		return false, err
	}
	if err := r.store.DeleteRole(target, role); err != nil {
		return false, err
	}
	return true, nil
}

// Roles lists the roles held by identity
func (r *Registry) Roles(identity string) ([]Role, error) {
	return r.store.RolesOf(identity)
}

func (r *Registry) checkMutation(caller, target string, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if strings.TrimSpace(target) == "" {
		return ErrInvalidPrincipal
	}
	return r.Require(caller, RoleAdmin)
}
