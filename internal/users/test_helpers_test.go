package users

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
	"github.com/MarcoPoloResearchLab/syllabus/internal/locks"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testClockNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryRepository is a Repository whose failure modes tests can script.
type memoryRepository struct {
	mu         sync.Mutex
	bySubject  map[string]Profile
	byUsername map[string]string

	// beforeCreate runs ahead of every insert; a non-nil error aborts it.
	beforeCreate func(repo *memoryRepository, profile *Profile) error
	findErr      error
	refreshErr   error

	creates atomic.Int32
	finds   atomic.Int32
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		bySubject:  map[string]Profile{},
		byUsername: map[string]string{},
	}
}

func (r *memoryRepository) FindBySubject(_ context.Context, subject string) (Profile, error) {
	r.finds.Add(1)
	if r.findErr != nil {
		return Profile{}, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.bySubject[subject]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return profile, nil
}

func (r *memoryRepository) FindByUsername(_ context.Context, username string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subject, ok := r.byUsername[username]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return r.bySubject[subject], nil
}

func (r *memoryRepository) UsernameExists(_ context.Context, username string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUsername[username]
	return ok, nil
}

func (r *memoryRepository) Create(_ context.Context, profile *Profile) error {
	r.creates.Add(1)
	if r.beforeCreate != nil {
		if err := r.beforeCreate(r, profile); err != nil {
			return err
		}
	}
	return r.insert(*profile)
}

func (r *memoryRepository) RefreshDetails(_ context.Context, subject string, details ProfileDetails) error {
	if r.refreshErr != nil {
		return r.refreshErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.bySubject[subject]
	if !ok {
		return ErrProfileNotFound
	}
	if details.Email != "" {
		profile.Email = details.Email
	}
	if details.DisplayName != "" {
		profile.DisplayName = details.DisplayName
	}
	profile.LastSeenAt = details.LastSeenAt
	r.bySubject[subject] = profile
	return nil
}

func (r *memoryRepository) insert(profile Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.bySubject[profile.ExternalSubject]; taken {
		return fmt.Errorf("%w: subject %s", ErrDuplicateProfile, profile.ExternalSubject)
	}
	if _, taken := r.byUsername[profile.Username]; taken {
		return fmt.Errorf("%w: username %s", ErrDuplicateProfile, profile.Username)
	}
	r.bySubject[profile.ExternalSubject] = profile
	r.byUsername[profile.Username] = profile.ExternalSubject
	return nil
}

func (r *memoryRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySubject)
}

type sequenceIDProvider struct {
	next atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("profile-%03d", p.next.Add(1)), nil
}

type testServiceOptions struct {
	repository Repository
	locker     locks.Locker
	logger     *zap.Logger
	metrics    *Metrics
	sync       SyncConfig
}

func newTestService(t *testing.T, options testServiceOptions) *Service {
	t.Helper()
	locker := options.locker
	if locker == nil {
		locker = locks.NewTable()
	}
	syncConfig := options.sync
	if syncConfig == (SyncConfig{}) {
		syncConfig = SyncConfig{ConflictBackoff: -1, RetryBackoff: -1}
	}
	service, err := NewService(ServiceConfig{
		Repository: options.repository,
		Locker:     locker,
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			return testClockNow
		},
		Logger:  options.logger,
		Metrics: options.metrics,
		Sync:    syncConfig,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func userClaims(subject, email string, extra jwt.MapClaims) auth.ExternalClaims {
	values := jwt.MapClaims{"sub": subject}
	if email != "" {
		values["email"] = email
	}
	for key, value := range extra {
		values[key] = value
	}
	return auth.NewExternalClaims(values, auth.TokenClassUser)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	return db
}
