package auth

import (
	"context"
	"strings"
)

// Role constants carried in the Firebase custom claim.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the verified bearer principal. Handlers copy UID and Email into
// service commands; services never read identity from context.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Roles         []string

	admin bool
}

// NewIdentity builds an identity. admin records that the caller holds the configured
// administrator role.
func NewIdentity(uid, email string, admin bool, roles ...string) *Identity {
	return &Identity{
		UID:   uid,
		Email: email,
		Roles: roles,
		admin: admin,
	}
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the authenticator recognised the configured admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.admin
}

// ActorID identifies the principal in audit records, e.g. "staff:uid-1" or "user:uid-2".
func (i *Identity) ActorID() string {
	if i == nil || strings.TrimSpace(i.UID) == "" {
		return ""
	}
	if i.admin {
		return "staff:" + i.UID
	}
	return "user:" + i.UID
}

type identityKey struct{}

// WithIdentity stores the identity for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
