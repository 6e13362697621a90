// Package federation turns bearer tokens into principals backed by local profiles.
package federation

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
	"github.com/MarcoPoloResearchLab/syllabus/internal/users"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName       = "github.com/MarcoPoloResearchLab/syllabus/internal/federation"
	spanGetOrCreate  = "identity.get_or_create"
	bearerPrefix     = "bearer "
	securityEventKey = "security_event"
)

var (
	errMissingValidator = errors.New("federation: token validator required")
	errMissingResolver  = errors.New("federation: role resolver required")
	errMissingSyncer    = errors.New("federation: profile syncer required")
)

// TokenValidator validates raw bearer tokens.
type TokenValidator interface {
	Validate(rawToken string) (auth.ExternalClaims, error)
}

// ProfileSyncer maps validated claims onto a local profile.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, claims auth.ExternalClaims, role auth.Role) (users.Profile, error)
}

// Config wires a Federator.
type Config struct {
	Validator      TokenValidator
	Resolver       *auth.RoleResolver
	Syncer         ProfileSyncer
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Federator runs the full token to principal pipeline.
type Federator struct {
	validator TokenValidator
	resolver  *auth.RoleResolver
	syncer    ProfileSyncer
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewFederator(cfg Config) (*Federator, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := cfg.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Federator{
		validator: cfg.Validator,
		resolver:  cfg.Resolver,
		syncer:    cfg.Syncer,
		logger:    logger,
		tracer:    provider.Tracer(tracerName),
	}, nil
}

// GetOrCreateIdentity validates token, syncs the local profile and builds the
// principal. Token failures are *auth.TokenError values; sync failures wrap
// users.ErrSyncExhausted or users.ErrPersistence.
func (f *Federator) GetOrCreateIdentity(ctx context.Context, token string) (*auth.Principal, error) {
	ctx, span := f.tracer.Start(ctx, spanGetOrCreate)
	defer span.End()

	claims, err := f.validator.Validate(token)
	if err != nil {
		f.logTokenRejection(err)
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("identity.token_class", string(claims.Class())))

	role := f.resolver.Resolve(claims)
	profile, err := f.syncer.SyncProfile(ctx, claims, role)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	principal := auth.BuildPrincipal(profile.Snapshot(), role, claims.Class())
	span.SetAttributes(
		attribute.String("identity.profile_id", principal.ProfileID),
		attribute.String("identity.role", principal.Role.String()),
	)
	span.SetStatus(codes.Ok, "")
	return principal, nil
}

// Authenticate applies the request policy to an Authorization header value.
// A missing header, a non-bearer scheme, a rejected token or an exhausted sync
// all yield a nil principal and a nil error. Only store failures and context
// cancellation are returned.
func (f *Federator) Authenticate(ctx context.Context, authorizationHeader string) (*auth.Principal, error) {
	token, ok := bearerToken(authorizationHeader)
	if !ok {
		return nil, nil
	}

	principal, err := f.GetOrCreateIdentity(ctx, token)
	if err == nil {
		return principal, nil
	}
	switch {
	case errors.Is(err, users.ErrPersistence):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, users.ErrSyncExhausted):
		f.logger.Warn("identity sync exhausted, continuing without principal", zap.Error(err))
		return nil, nil
	default:
		return nil, nil
	}
}

func (f *Federator) logTokenRejection(err error) {
	fields := []zap.Field{
		zap.String("reason", string(auth.ReasonOf(err))),
		zap.Error(err),
	}
	var tokenErr *auth.TokenError
	if errors.As(err, &tokenErr) && tokenErr.SecurityRelevant() {
		f.logger.Warn("untrusted bearer token rejected", append(fields, zap.Bool(securityEventKey, true))...)
		return
	}
	f.logger.Info("bearer token rejected", fields...)
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

func finishSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
