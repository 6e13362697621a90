package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerKeyID       = "kid"
	headerAlgorithm   = "alg"
	claimSubject      = "sub"
	claimSubjectAlias = "subject"
	claimEmail        = "email"
	claimRole         = "role"
	claimRoleAlias    = "user_role"
	claimAppMetadata  = "app_metadata"
	claimUserMetadata = "user_metadata"
)

// TokenClass identifies which trust policy accepted a token.
type TokenClass string

const (
	// TokenClassUser marks externally-issued user tokens (header carries a key id).
	TokenClassUser TokenClass = "user"
	// TokenClassService marks internally-signed service tokens.
	TokenClassService TokenClass = "service"
)

// DecodedToken holds the untrusted header and payload of a bearer token.
type DecodedToken struct {
	Header   map[string]any
	Claims   jwt.MapClaims
	Raw      string
	Segments []string
}

// HasKeyID reports whether the header carries a key identifier.
func (t DecodedToken) HasKeyID() bool {
	_, ok := t.Header[headerKeyID]
	return ok
}

// Algorithm returns the alg header or "".
func (t DecodedToken) Algorithm() string {
	return stringValue(t.Header[headerAlgorithm])
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// DecodeToken splits a bearer token and decodes its header and payload without
// making any trust decision.
func DecodeToken(raw string) (DecodedToken, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return DecodedToken{}, newTokenError(ReasonMalformed, errMissingToken)
	}
	segments := strings.Split(token, ".")
	if len(segments) < 2 {
		return DecodedToken{}, newTokenError(ReasonMalformed, fmt.Errorf("expected at least 2 segments, got %d", len(segments)))
	}

	header := map[string]any{}
	if err := decodeSegment(segments[0], &header); err != nil {
		return DecodedToken{}, newTokenError(ReasonMalformed, fmt.Errorf("header: %w", err))
	}
	if header == nil {
		return DecodedToken{}, newTokenError(ReasonMalformed, errHeaderNotObject)
	}
	claims := jwt.MapClaims{}
	if err := decodeSegment(segments[1], &claims); err != nil {
		return DecodedToken{}, newTokenError(ReasonMalformed, fmt.Errorf("payload: %w", err))
	}
	if claims == nil {
		return DecodedToken{}, newTokenError(ReasonMalformed, errPayloadNotObject)
	}

	return DecodedToken{
		Header:   header,
		Claims:   claims,
		Raw:      token,
		Segments: segments,
	}, nil
}

func decodeSegment(segment string, target any) error {
	decoded, err := segmentParser.DecodeSegment(segment)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(decoded, target); err != nil {
		return err
	}
	return nil
}

// ExternalClaims exposes validated claims with typed accessors for the claim
// shapes the identity provider emits.
type ExternalClaims struct {
	values jwt.MapClaims
	class  TokenClass
}

// NewExternalClaims wraps a claims map accepted by the given trust policy.
func NewExternalClaims(values jwt.MapClaims, class TokenClass) ExternalClaims {
	if values == nil {
		values = jwt.MapClaims{}
	}
	return ExternalClaims{values: values, class: class}
}

// Class returns the trust policy that accepted the claims.
func (c ExternalClaims) Class() TokenClass {
	return c.class
}

// Map returns the underlying claims map.
func (c ExternalClaims) Map() jwt.MapClaims {
	return c.values
}

// Subject returns the provider-scoped subject identifier.
func (c ExternalClaims) Subject() string {
	if subject, err := c.values.GetSubject(); err == nil && strings.TrimSpace(subject) != "" {
		return strings.TrimSpace(subject)
	}
	return c.String(claimSubjectAlias)
}

// Issuer returns the iss claim.
func (c ExternalClaims) Issuer() string {
	issuer, _ := c.values.GetIssuer()
	return issuer
}

// Audience returns the aud claim values.
func (c ExternalClaims) Audience() []string {
	audience, _ := c.values.GetAudience()
	return audience
}

// ExpiresAt returns the exp claim and whether it was present and well typed.
func (c ExternalClaims) ExpiresAt() (time.Time, bool) {
	expiresAt, err := c.values.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

// Email returns the trimmed email claim.
func (c ExternalClaims) Email() string {
	return c.String(claimEmail)
}

// Role returns the explicit role claim, falling back to user_role.
func (c ExternalClaims) Role() string {
	if role := c.String(claimRole); role != "" {
		return role
	}
	return c.String(claimRoleAlias)
}

// String returns a trimmed top-level string claim or "".
func (c ExternalClaims) String(key string) string {
	return stringValue(c.values[key])
}

// Metadata returns a nested claim object such as app_metadata.
func (c ExternalClaims) Metadata(key string) map[string]any {
	nested, ok := c.values[key].(map[string]any)
	if !ok {
		return nil
	}
	return nested
}

func stringValue(value any) string {
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}
