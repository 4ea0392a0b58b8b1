// Package identity carries the caller resolved at the HTTP boundary.
//
// An Identity is built once by the auth middleware and passed by value through the
// pipeline; no service re-derives tenant or user from the request.
package identity

import "fmt"

type Mode int

const (
	Authenticated Mode = iota + 1
	Anonymous
)

func (m Mode) String() string {
	switch m {
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

type Identity struct {
	Mode     Mode
	TenantID string
	UserID   string
}

func NewAuthenticated(tenantID, userID string) Identity {
	return Identity{Mode: Authenticated, TenantID: tenantID, UserID: userID}
}

// NewAnonymous binds an unauthenticated caller to the fixed demo tenant and user.
func NewAnonymous(demoTenantID, demoUserID string) Identity {
	return Identity{Mode: Anonymous, TenantID: demoTenantID, UserID: demoUserID}
}

func (i Identity) Valid() bool {
	return (i.Mode == Authenticated || i.Mode == Anonymous) && i.TenantID != "" && i.UserID != ""
}

func (i Identity) IsAnonymous() bool { return i.Mode == Anonymous }

// Key identifies the caller for per-identity limits.
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.TenantID, i.UserID)
}
