package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
	"github.com/MarcoPoloResearchLab/syllabus/internal/locks"
	"go.uber.org/zap"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrSyncConflict marks a create that lost a uniqueness race. It is retried internally.
	ErrSyncConflict = errors.New("users: sync conflict")
	// ErrSyncExhausted indicates every create attempt failed without yielding a profile.
	ErrSyncExhausted = errors.New("users: sync retries exhausted")
	// ErrPersistence indicates the store failed for reasons unrelated to uniqueness.
	ErrPersistence = errors.New("users: persistence failure")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingRepository = errors.New("repository is required")
	errMissingLocker     = errors.New("locker is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	DefaultSyncMaxAttempts     = 3
	DefaultSyncConflictBackoff = 50 * time.Millisecond
	DefaultSyncRetryBackoff    = 100 * time.Millisecond
)

// ServiceError carries a stable code of the form users.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "users.service.new"
	opSyncProfile       = "users.sync_profile"
	opFindByUsername    = "users.find_by_username"
	opValidateUsernames = "users.validate_usernames"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// SyncConfig bounds the create/retry loop.
type SyncConfig struct {
	MaxAttempts     int
	ConflictBackoff time.Duration
	RetryBackoff    time.Duration
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultSyncMaxAttempts
	}
	if c.ConflictBackoff < 0 {
		c.ConflictBackoff = 0
	} else if c.ConflictBackoff == 0 {
		c.ConflictBackoff = DefaultSyncConflictBackoff
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultSyncRetryBackoff
	}
	return c
}

// ServiceConfig describes the dependencies required for identity sync.
type ServiceConfig struct {
	Repository Repository
	Locker     locks.Locker
	Allocator  *UsernameAllocator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *Metrics
	Sync       SyncConfig
}

// Service maps external subjects onto local profiles, creating each profile
// exactly once.
type Service struct {
	repository Repository
	locker     locks.Locker
	allocator  *UsernameAllocator
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *Metrics
	sync       SyncConfig
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
	}
	if cfg.Locker == nil {
		return nil, newServiceError(opServiceNew, "missing_locker", errMissingLocker)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	allocator := cfg.Allocator
	if allocator == nil {
		allocator = NewUsernameAllocator(cfg.Repository, DefaultUsernameMaxAttempts)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		repository: cfg.Repository,
		locker:     cfg.Locker,
		allocator:  allocator,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		sync:       cfg.Sync.withDefaults(),
	}, nil
}

// SyncProfile returns the profile for the subject in claims, creating it on
// first sight. Concurrent calls for one subject observe the same profile.
// Store failures other than uniqueness conflicts wrap ErrPersistence; a create
// loop that runs out of attempts wraps ErrSyncExhausted.
func (s *Service) SyncProfile(ctx context.Context, claims auth.ExternalClaims, role auth.Role) (Profile, error) {
	subject := normalize(claims.Subject())
	if subject == "" {
		return Profile{}, newServiceError(opSyncProfile, "missing_subject", ErrInvalidIdentity)
	}
	if !role.Valid() {
		role = auth.RoleLearner
	}
	started := s.clock()

	release, err := s.locker.Lock(ctx, subject)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.metrics.recordSync(outcomeFailed, 0, s.clock().Sub(started))
			return Profile{}, newServiceError(opSyncProfile, "cancelled", ctxErr)
		}
		// The unique indexes and the conflict re-read still hold without the lock.
		s.logger.Warn("identity sync lock unavailable, continuing unlocked",
			zap.String("operation", opSyncProfile),
			zap.String("subject", subject),
			zap.Error(err))
		release = func() {}
	}
	defer release()

	email := normalizeEmail(claims.Email())
	displayName := auth.ExtractDisplayName(claims)

	var lastErr error
	for attempt := 1; attempt <= s.sync.MaxAttempts; attempt++ {
		existing, err := s.repository.FindBySubject(ctx, subject)
		if err == nil {
			existing = s.refreshDetails(ctx, existing, email, displayName)
			s.metrics.recordSync(outcomeFound, attempt, s.clock().Sub(started))
			return existing, nil
		}
		if !errors.Is(err, ErrProfileNotFound) {
			return Profile{}, s.lookupFailure(ctx, "lookup_failed", err, subject, attempt, started)
		}

		created, createErr := s.createProfile(ctx, subject, email, displayName, role)
		if createErr == nil {
			s.metrics.recordSync(outcomeCreated, attempt, s.clock().Sub(started))
			s.logger.Info("identity profile created",
				zap.String("subject", subject),
				zap.String("profile_id", created.ID),
				zap.String("username", created.Username),
				zap.String("role", created.Role.String()))
			return created, nil
		}

		backoff := s.sync.RetryBackoff
		if errors.Is(createErr, ErrDuplicateProfile) {
			recovered, findErr := s.repository.FindBySubject(ctx, subject)
			if findErr == nil {
				s.metrics.recordSync(outcomeRecovered, attempt, s.clock().Sub(started))
				s.logger.Info("identity sync conflict resolved by re-read",
					zap.String("subject", subject),
					zap.Int("attempt", attempt))
				return recovered, nil
			}
			if !errors.Is(findErr, ErrProfileNotFound) {
				return Profile{}, s.lookupFailure(ctx, "conflict_lookup_failed", findErr, subject, attempt, started)
			}
			// Likely a username taken between allocation and insert.
			createErr = fmt.Errorf("%w: %w", ErrSyncConflict, createErr)
			backoff = s.sync.ConflictBackoff
		}
		lastErr = createErr

		s.logger.Warn("identity sync attempt failed",
			zap.String("operation", opSyncProfile),
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Error(createErr))

		if attempt == s.sync.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, backoff*time.Duration(attempt)); err != nil {
			s.metrics.recordSync(outcomeFailed, attempt, s.clock().Sub(started))
			return Profile{}, newServiceError(opSyncProfile, "cancelled", err)
		}
	}

	s.logError(opSyncProfile, "exhausted", lastErr,
		zap.String("subject", subject),
		zap.Int("attempts", s.sync.MaxAttempts))
	s.metrics.recordSync(outcomeExhausted, s.sync.MaxAttempts, s.clock().Sub(started))
	return Profile{}, newServiceError(opSyncProfile, "exhausted", fmt.Errorf("%w: %w", ErrSyncExhausted, lastErr))
}

// FindByUsername returns the profile owning username.
func (s *Service) FindByUsername(ctx context.Context, username string) (Profile, error) {
	username = normalize(username)
	if username == "" {
		return Profile{}, newServiceError(opFindByUsername, "not_found", ErrProfileNotFound)
	}
	profile, err := s.repository.FindByUsername(ctx, username)
	if errors.Is(err, ErrProfileNotFound) {
		return Profile{}, newServiceError(opFindByUsername, "not_found", err)
	}
	if err != nil {
		s.logError(opFindByUsername, "lookup_failed", err, zap.String("username", username))
		return Profile{}, newServiceError(opFindByUsername, "lookup_failed", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	return profile, nil
}

// ValidateUsernames reports which of usernames belong to existing profiles.
func (s *Service) ValidateUsernames(ctx context.Context, usernames []string) (map[string]bool, error) {
	result := make(map[string]bool, len(usernames))
	for _, raw := range usernames {
		username := normalize(raw)
		if username == "" {
			continue
		}
		if _, seen := result[username]; seen {
			continue
		}
		exists, err := s.repository.UsernameExists(ctx, username)
		if err != nil {
			s.logError(opValidateUsernames, "lookup_failed", err, zap.String("username", username))
			return nil, newServiceError(opValidateUsernames, "lookup_failed", fmt.Errorf("%w: %w", ErrPersistence, err))
		}
		result[username] = exists
	}
	return result, nil
}

func (s *Service) createProfile(ctx context.Context, subject, email, displayName string, role auth.Role) (Profile, error) {
	username, err := s.allocator.Allocate(ctx, email, subject)
	if err != nil {
		return Profile{}, fmt.Errorf("allocate username: %w", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Profile{}, fmt.Errorf("generate profile id: %w", err)
	}
	profile := Profile{
		ID:              id,
		ExternalSubject: subject,
		Username:        username,
		DisplayName:     displayName,
		Role:            role,
		Email:           email,
		LastSeenAt:      s.clock().UTC(),
	}
	if err := s.repository.Create(ctx, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// refreshDetails updates denormalized fields when the token carries newer
// values. Failures are logged and the stored profile is returned unchanged.
func (s *Service) refreshDetails(ctx context.Context, profile Profile, email, displayName string) Profile {
	details := ProfileDetails{LastSeenAt: s.clock().UTC()}
	if email != "" && email != profile.Email {
		details.Email = email
	}
	if displayName != "" && displayName != auth.UnknownDisplayName && displayName != profile.DisplayName {
		details.DisplayName = displayName
	}
	if err := s.repository.RefreshDetails(ctx, profile.ExternalSubject, details); err != nil {
		s.logger.Warn("identity profile refresh failed",
			zap.String("operation", opSyncProfile),
			zap.String("subject", profile.ExternalSubject),
			zap.Error(err))
		return profile
	}
	if details.Email != "" {
		profile.Email = details.Email
	}
	if details.DisplayName != "" {
		profile.DisplayName = details.DisplayName
	}
	profile.LastSeenAt = details.LastSeenAt
	return profile
}

func (s *Service) lookupFailure(ctx context.Context, reason string, err error, subject string, attempt int, started time.Time) error {
	s.metrics.recordSync(outcomeFailed, attempt, s.clock().Sub(started))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newServiceError(opSyncProfile, "cancelled", ctxErr)
	}
	s.logError(opSyncProfile, reason, err,
		zap.String("subject", subject),
		zap.Int("attempt", attempt))
	return newServiceError(opSyncProfile, reason, fmt.Errorf("%w: %w", ErrPersistence, err))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("users service error", attrs...)
}
