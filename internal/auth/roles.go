package auth

import "strings"

// Role is the coarse local role derived from claims.
type Role string

const (
	RoleUnknown    Role = ""
	RoleInstructor Role = "instructor"
	RoleLearner    Role = "learner"
)

var (
	instructorMarkers = []string{"teacher", "admin", "instructor"}
	learnerMarkers    = []string{"student", "learner"}

	// DefaultInstructorEmailMarkers flag organisational email domains.
	DefaultInstructorEmailMarkers = []string{"admin", "edu", "training"}
)

// Valid reports whether r is a concrete role.
func (r Role) Valid() bool {
	return r == RoleInstructor || r == RoleLearner
}

// String returns the stored role value.
func (r Role) String() string {
	return string(r)
}

// ParseRole maps a stored value back to a Role, defaulting to learner.
func ParseRole(value string) Role {
	if Role(strings.ToLower(strings.TrimSpace(value))) == RoleInstructor {
		return RoleInstructor
	}
	return RoleLearner
}

// RoleExtractor inspects claims and returns RoleUnknown when it has no opinion.
type RoleExtractor func(ExternalClaims) Role

// RoleResolver applies extractors in order; the first concrete role wins.
type RoleResolver struct {
	extractors []RoleExtractor
}

// NewRoleResolver builds the standard precedence: explicit role claim,
// app_metadata role, email domain markers, then the learner default.
func NewRoleResolver(emailMarkers []string) *RoleResolver {
	markers := normalizeMarkers(emailMarkers)
	if len(markers) == 0 {
		markers = DefaultInstructorEmailMarkers
	}
	return &RoleResolver{
		extractors: []RoleExtractor{
			roleFromClaim,
			roleFromAppMetadata,
			roleFromEmailDomain(markers),
		},
	}
}

// Resolve returns the role for claims. It never fails.
func (r *RoleResolver) Resolve(claims ExternalClaims) Role {
	for _, extract := range r.extractors {
		if role := extract(claims); role.Valid() {
			return role
		}
	}
	return RoleLearner
}

func roleFromClaim(claims ExternalClaims) Role {
	return classifyRole(claims.Role())
}

func roleFromAppMetadata(claims ExternalClaims) Role {
	metadata := claims.Metadata(claimAppMetadata)
	if metadata == nil {
		return RoleUnknown
	}
	if role := classifyRole(stringValue(metadata["role"])); role.Valid() {
		return role
	}
	if roles, ok := metadata["roles"].([]any); ok {
		for _, entry := range roles {
			if role := classifyRole(stringValue(entry)); role.Valid() {
				return role
			}
		}
	}
	return RoleUnknown
}

func roleFromEmailDomain(markers []string) RoleExtractor {
	return func(claims ExternalClaims) Role {
		email := claims.Email()
		at := strings.LastIndex(email, "@")
		if at < 0 {
			return RoleUnknown
		}
		domain := strings.ToLower(email[at+1:])
		for _, marker := range markers {
			if strings.Contains(domain, marker) {
				return RoleInstructor
			}
		}
		return RoleUnknown
	}
}

func classifyRole(value string) Role {
	normalized := strings.ToLower(value)
	if normalized == "" {
		return RoleUnknown
	}
	if containsAny(normalized, instructorMarkers) {
		return RoleInstructor
	}
	if containsAny(normalized, learnerMarkers) {
		return RoleLearner
	}
	return RoleUnknown
}

func containsAny(value string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(value, marker) {
			return true
		}
	}
	return false
}

func normalizeMarkers(markers []string) []string {
	normalized := make([]string, 0, len(markers))
	for _, marker := range markers {
		if trimmed := strings.ToLower(strings.TrimSpace(marker)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
