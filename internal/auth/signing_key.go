package auth

import (
	"encoding/base64"
	"strings"
)

const (
	minSigningKeyBytes = 32
	// fallbackSigningKey is only ever used when no service secret is configured.
	fallbackSigningKey = "syllabus-development-signing-key-do-not-use-in-production"
)

// KeySource describes where the service-token signing key came from.
type KeySource string

const (
	// KeySourceConfigured is a base64 secret of adequate length.
	KeySourceConfigured KeySource = "configured"
	// KeySourceRawPadded is a secret that was not usable as base64 and was taken
	// as raw bytes, zero padded to the minimum length.
	KeySourceRawPadded KeySource = "raw_padded"
	// KeySourceFallback is the built-in development key.
	KeySourceFallback KeySource = "fallback"
)

// Degraded reports whether the key did not come from a well-formed configured secret.
func (s KeySource) Degraded() bool {
	return s != KeySourceConfigured
}

// SigningKey is the resolved HMAC key for service tokens.
type SigningKey struct {
	bytes  []byte
	source KeySource
}

// Bytes returns a copy of the key material.
func (k SigningKey) Bytes() []byte {
	return append([]byte(nil), k.bytes...)
}

// Source reports how the key was derived.
func (k SigningKey) Source() KeySource {
	return k.source
}

// ResolveSigningKey derives the service-token key from the configured secret.
// The result is deterministic for a given input.
func ResolveSigningKey(secret string) SigningKey {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return SigningKey{bytes: []byte(fallbackSigningKey), source: KeySourceFallback}
	}

	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) >= minSigningKeyBytes {
		return SigningKey{bytes: decoded, source: KeySourceConfigured}
	}

	raw := []byte(trimmed)
	if len(raw) < minSigningKeyBytes {
		padded := make([]byte, minSigningKeyBytes)
		copy(padded, raw)
		raw = padded
	}
	return SigningKey{bytes: raw, source: KeySourceRawPadded}
}
