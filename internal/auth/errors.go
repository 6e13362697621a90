package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken indicates a structurally invalid token.
	ErrMalformedToken = errors.New("auth: malformed token")
	// ErrExpiredToken indicates a token past its expiration.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrUntrustedToken indicates an issuer, audience or signature mismatch.
	ErrUntrustedToken = errors.New("auth: untrusted token")

	errMissingToken    = errors.New("token must not be empty")
	errMissingSubject  = errors.New("token missing subject claim")
	errMissingExpiry   = errors.New("token missing expiration claim")
	errIssuerMismatch  = errors.New("token issuer not allowed")
	errAudienceMissing = errors.New("token audience not accepted")

	errHeaderNotObject  = errors.New("header is not a JSON object")
	errPayloadNotObject = errors.New("payload is not a JSON object")
	errMissingAlgorithm = errors.New("header missing alg")
)

// Reason names the specific check a token failed.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonBadIssuer    Reason = "bad_issuer"
	ReasonBadAudience  Reason = "bad_audience"
	ReasonBadSignature Reason = "bad_signature"
	ReasonNotYetValid  Reason = "not_yet_valid"
)

// TokenError reports why a token was rejected. It matches ErrMalformedToken,
// ErrExpiredToken or ErrUntrustedToken under errors.Is.
type TokenError struct {
	reason Reason
	cause  error
}

func newTokenError(reason Reason, cause error) *TokenError {
	return &TokenError{reason: reason, cause: cause}
}

// Reason returns the failed check.
func (e *TokenError) Reason() Reason {
	return e.reason
}

// Kind returns the taxonomy sentinel for the failure.
func (e *TokenError) Kind() error {
	switch e.reason {
	case ReasonExpired:
		return ErrExpiredToken
	case ReasonBadIssuer, ReasonBadAudience, ReasonBadSignature, ReasonNotYetValid:
		return ErrUntrustedToken
	default:
		return ErrMalformedToken
	}
}

// SecurityRelevant reports whether the rejection should be audited.
func (e *TokenError) SecurityRelevant() bool {
	return errors.Is(e.Kind(), ErrUntrustedToken)
}

func (e *TokenError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%v (%s)", e.Kind(), e.reason)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind(), e.reason, e.cause)
}

func (e *TokenError) Is(target error) bool {
	return target == e.Kind()
}

func (e *TokenError) Unwrap() error {
	return e.cause
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a TokenError.
func ReasonOf(err error) Reason {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.reason
	}
	return ""
}
