package auth

import "context"

const (
	PermissionUser       = "ROLE_USER"
	PermissionInstructor = "ROLE_INSTRUCTOR"
	PermissionLearner    = "ROLE_LEARNER"
)

type principalContextKey struct{}

// ProfileSnapshot is the subset of a local profile a principal is built from.
type ProfileSnapshot struct {
	ID          string
	Subject     string
	Username    string
	Email       string
	DisplayName string
}

// Principal is the authenticated caller handed to the request pipeline.
type Principal struct {
	ProfileID   string     `json:"profile_id"`
	Subject     string     `json:"subject"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Role        Role       `json:"role"`
	Permissions []string   `json:"permissions"`
	TokenClass  TokenClass `json:"token_class"`
}

// BuildPrincipal assembles a principal from a synced profile. A nil profile yields nil.
func BuildPrincipal(profile *ProfileSnapshot, role Role, class TokenClass) *Principal {
	if profile == nil {
		return nil
	}
	if !role.Valid() {
		role = RoleLearner
	}
	return &Principal{
		ProfileID:   profile.ID,
		Subject:     profile.Subject,
		Username:    profile.Username,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		Role:        role,
		Permissions: permissionsFor(role),
		TokenClass:  class,
	}
}

// HasPermission reports whether the principal carries the marker.
func (p *Principal) HasPermission(permission string) bool {
	if p == nil {
		return false
	}
	for _, granted := range p.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

func permissionsFor(role Role) []string {
	if role == RoleInstructor {
		return []string{PermissionUser, PermissionInstructor}
	}
	return []string{PermissionUser, PermissionLearner}
}

// ContextWithPrincipal stores the principal on ctx.
func ContextWithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal stored on ctx, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok && principal != nil
}
