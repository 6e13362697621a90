package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const defaultAudience = "authenticated"

var (
	ErrMissingValidatorIssuer = errors.New("token validator: issuer required")

	serviceSigningMethods = []string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}
)

// TokenValidatorConfig describes both trust policies.
type TokenValidatorConfig struct {
	// Issuer must match the iss claim of externally-issued user tokens exactly.
	Issuer string
	// Audience must be present in the aud claim of user tokens. Defaults to "authenticated".
	Audience string
	// ServiceSecret signs internal service tokens. Empty selects the development fallback key.
	ServiceSecret string
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *Metrics
}

// TokenValidator decides whether a bearer token is trustworthy.
//
// Tokens whose header carries a key id are treated as provider-issued user
// tokens and checked for issuer, expiry and audience only; their signature is
// not verified because the provider's signing key is not held locally. All
// other tokens must carry a valid HMAC signature made with the service key.
type TokenValidator struct {
	issuer     string
	audience   string
	signingKey SigningKey
	clock      func() time.Time
	parser     *jwt.Parser
	metrics    *Metrics
}

// NewTokenValidator constructs a validator and reports a degraded signing key.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingValidatorIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	signingKey := ResolveSigningKey(cfg.ServiceSecret)
	switch signingKey.Source() {
	case KeySourceFallback:
		logger.Error("service token secret not configured, using built-in development key",
			zap.String("key_source", string(signingKey.Source())))
	case KeySourceRawPadded:
		logger.Warn("service token secret is not base64 of sufficient length, using raw padded bytes",
			zap.String("key_source", string(signingKey.Source())))
	}

	return &TokenValidator{
		issuer:     issuer,
		audience:   audience,
		signingKey: signingKey,
		clock:      clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods(serviceSigningMethods),
			jwt.WithTimeFunc(clock),
			jwt.WithExpirationRequired(),
		),
		metrics: cfg.Metrics,
	}, nil
}

// KeySource reports how the service signing key was derived.
func (v *TokenValidator) KeySource() KeySource {
	return v.signingKey.Source()
}

// Validate decodes the token, applies the trust policy selected by its header
// and returns the validated claims. Failures are *TokenError values.
func (v *TokenValidator) Validate(rawToken string) (ExternalClaims, error) {
	decoded, err := DecodeToken(rawToken)
	if err != nil {
		v.metrics.RecordValidation("", ReasonOf(err))
		return ExternalClaims{}, err
	}

	class := TokenClassService
	var claims ExternalClaims
	if decoded.HasKeyID() {
		class = TokenClassUser
		claims, err = v.validateUserToken(decoded)
	} else {
		claims, err = v.validateServiceToken(decoded)
	}
	if err == nil && claims.Subject() == "" {
		err = newTokenError(ReasonMalformed, errMissingSubject)
	}
	if err != nil {
		v.metrics.RecordValidation(class, ReasonOf(err))
		return ExternalClaims{}, err
	}
	v.metrics.RecordValidation(class, "")
	return claims, nil
}

func (v *TokenValidator) validateUserToken(decoded DecodedToken) (ExternalClaims, error) {
	claims := NewExternalClaims(decoded.Claims, TokenClassUser)

	if issuer := claims.Issuer(); issuer != v.issuer {
		return ExternalClaims{}, newTokenError(ReasonBadIssuer, fmt.Errorf("%w: %q", errIssuerMismatch, issuer))
	}
	expiresAt, ok := claims.ExpiresAt()
	if !ok {
		return ExternalClaims{}, newTokenError(ReasonMalformed, errMissingExpiry)
	}
	if !v.clock().Before(expiresAt) {
		return ExternalClaims{}, newTokenError(ReasonExpired, fmt.Errorf("expired at %s", expiresAt.UTC().Format(time.RFC3339)))
	}
	if !slices.Contains(claims.Audience(), v.audience) {
		return ExternalClaims{}, newTokenError(ReasonBadAudience, fmt.Errorf("%w: %v", errAudienceMissing, claims.Audience()))
	}
	return claims, nil
}

func (v *TokenValidator) validateServiceToken(decoded DecodedToken) (ExternalClaims, error) {
	if decoded.Algorithm() == "" {
		return ExternalClaims{}, newTokenError(ReasonMalformed, errMissingAlgorithm)
	}
	mapClaims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(decoded.Raw, mapClaims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
		}
		return v.signingKey.bytes, nil
	})
	if err != nil {
		return ExternalClaims{}, classifyParseError(err)
	}
	return NewExternalClaims(mapClaims, TokenClassService), nil
}

func classifyParseError(err error) *TokenError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newTokenError(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return newTokenError(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return newTokenError(ReasonNotYetValid, err)
	default:
		return newTokenError(ReasonMalformed, err)
	}
}
