package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testIssuer   = "https://project.supabase.co/auth/v1"
	testAudience = "authenticated"
	testSubject  = "5f0c9a7e-1111-2222-3333-444455556666"
	testEmail    = "ada@example.com"
)

var (
	testClockNow      = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testServiceSecret = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
)

func newTestValidator(t *testing.T, secret string) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		Issuer:        testIssuer,
		Audience:      testAudience,
		ServiceSecret: secret,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mintUserToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "provider-key-1"
	signed, err := token.SignedString([]byte("provider-key-not-held-locally"))
	if err != nil {
		t.Fatalf("failed to sign user token: %v", err)
	}
	return signed
}

func mintServiceToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign service token: %v", err)
	}
	return signed
}

func validUserClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   testSubject,
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   testClockNow.Add(time.Hour).Unix(),
		"email": testEmail,
	}
}

func assertTokenError(t *testing.T, err error, kind error, reason Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected error kind %v, got %v", kind, err)
	}
	if got := ReasonOf(err); got != reason {
		t.Fatalf("expected reason %q, got %q", reason, got)
	}
}

func TestNewTokenValidatorRequiresIssuer(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{Issuer: " "}); !errors.Is(err, ErrMissingValidatorIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestValidateAcceptsUserTokenWithoutVerifyingSignature(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)

	claims, err := validator.Validate(mintUserToken(t, validUserClaims()))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject() != testSubject {
		t.Fatalf("unexpected subject %q", claims.Subject())
	}
	if claims.Class() != TokenClassUser {
		t.Fatalf("expected user token class, got %q", claims.Class())
	}
	if claims.Email() != testEmail {
		t.Fatalf("unexpected email %q", claims.Email())
	}
}

func TestValidateAcceptsUserTokenWithAudienceList(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	claims["aud"] = []string{"other", testAudience}

	if _, err := validator.Validate(mintUserToken(t, claims)); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
}

func TestValidateRejectsUserTokenWithWrongIssuer(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	claims["iss"] = "https://evil.example.com/auth/v1"

	_, err := validator.Validate(mintUserToken(t, claims))
	assertTokenError(t, err, ErrUntrustedToken, ReasonBadIssuer)
}

func TestValidateRejectsUserTokenWithWrongAudience(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	claims["aud"] = "anon"

	_, err := validator.Validate(mintUserToken(t, claims))
	assertTokenError(t, err, ErrUntrustedToken, ReasonBadAudience)
}

func TestValidateRejectsExpiredUserToken(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	claims["exp"] = testClockNow.Add(-time.Minute).Unix()

	_, err := validator.Validate(mintUserToken(t, claims))
	assertTokenError(t, err, ErrExpiredToken, ReasonExpired)
}

func TestValidateRejectsUserTokenWithoutExpiration(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	delete(claims, "exp")

	_, err := validator.Validate(mintUserToken(t, claims))
	assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
}

func TestValidateRejectsUserTokenWithoutSubject(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	claims := validUserClaims()
	delete(claims, "sub")

	_, err := validator.Validate(mintUserToken(t, claims))
	assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
}

func TestValidateAcceptsSignedServiceToken(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	key := ResolveSigningKey(testServiceSecret).Bytes()

	claims, err := validator.Validate(mintServiceToken(t, key, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": testClockNow.Add(time.Hour).Unix(),
	}))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Class() != TokenClassService {
		t.Fatalf("expected service token class, got %q", claims.Class())
	}
	if claims.Subject() != "reporting-service" {
		t.Fatalf("unexpected subject %q", claims.Subject())
	}
}

func TestValidateRejectsServiceTokenWithForeignSignature(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)

	_, err := validator.Validate(mintServiceToken(t, []byte("some-other-key-some-other-key-xx"), jwt.MapClaims{
		"sub": "reporting-service",
		"exp": testClockNow.Add(time.Hour).Unix(),
	}))
	assertTokenError(t, err, ErrUntrustedToken, ReasonBadSignature)
}

func TestValidateRejectsExpiredServiceTokenWithValidSignature(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	key := ResolveSigningKey(testServiceSecret).Bytes()

	_, err := validator.Validate(mintServiceToken(t, key, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": testClockNow.Add(-time.Hour).Unix(),
	}))
	assertTokenError(t, err, ErrExpiredToken, ReasonExpired)
}

func TestValidateRejectsServiceTokenWithoutSignatureSegment(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	key := ResolveSigningKey(testServiceSecret).Bytes()
	signed := mintServiceToken(t, key, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": testClockNow.Add(time.Hour).Unix(),
	})
	unsigned := signed[:strings.LastIndex(signed, ".")]

	_, err := validator.Validate(unsigned)
	assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
}

func TestValidateRejectsNoneAlgorithmServiceToken(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "reporting-service",
		"exp": testClockNow.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}

	_, err = validator.Validate(signed)
	assertTokenError(t, err, ErrUntrustedToken, ReasonBadSignature)
}

func TestValidateRejectsMalformedTokens(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	notJSON := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","kid":"k"}`))

	for _, raw := range []string{"", "single-segment", header + "." + notJSON + ".sig", "%%%." + notJSON} {
		_, err := validator.Validate(raw)
		assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
	}
}

func TestValidateUsesFallbackKeyWhenSecretMissing(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	validator, err := NewTokenValidator(TokenValidatorConfig{
		Issuer: testIssuer,
		Clock: func() time.Time {
			return testClockNow
		},
		Logger: zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	if validator.KeySource() != KeySourceFallback {
		t.Fatalf("expected fallback key source, got %q", validator.KeySource())
	}
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log announcing degraded mode, got %d", len(entries))
	}

	token := mintServiceToken(t, []byte(fallbackSigningKey), jwt.MapClaims{
		"sub": "local-dev",
		"exp": testClockNow.Add(time.Hour).Unix(),
	})
	if _, err := validator.Validate(token); err != nil {
		t.Fatalf("expected fallback-signed token to validate: %v", err)
	}
}

func TestValidateRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	validator, err := NewTokenValidator(TokenValidatorConfig{
		Issuer:        testIssuer,
		ServiceSecret: testServiceSecret,
		Clock: func() time.Time {
			return testClockNow
		},
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	if _, err := validator.Validate(mintUserToken(t, validUserClaims())); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	_, _ = validator.Validate("garbage")

	if got := testutil.ToFloat64(metrics.ValidationsTotal.WithLabelValues("user", "accepted")); got != 1 {
		t.Fatalf("expected one accepted user validation, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ValidationsTotal.WithLabelValues("unknown", "malformed")); got != 1 {
		t.Fatalf("expected one malformed validation, got %v", got)
	}
}

func TestValidateClassifiesNonObjectSegmentsAsMalformed(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	encode := func(value string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(value))
	}

	nullHeader := encode(`null`) + "." + encode(`{"sub":"x","exp":5000}`) + ".sig"
	_, err := validator.Validate(nullHeader)
	assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)

	nullPayload := encode(`{"alg":"HS256","kid":"k"}`) + "." + encode(`null`) + "."
	_, err = validator.Validate(nullPayload)
	assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
}

func TestValidateRejectsServiceTokenWithoutAlgorithmAsMalformed(t *testing.T) {
	validator := newTestValidator(t, testServiceSecret)
	encode := func(value string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(value))
	}

	for _, header := range []string{`{"typ":"JWT"}`, `{"alg":""}`, `{"alg":42}`} {
		raw := encode(header) + "." + encode(`{"sub":"reporting-service","exp":5000000000}`) + ".sig"
		_, err := validator.Validate(raw)
		assertTokenError(t, err, ErrMalformedToken, ReasonMalformed)
	}
}
