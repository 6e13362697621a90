package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrProfileNotFound indicates no profile matched the lookup.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrDuplicateProfile indicates a uniqueness constraint on subject or username rejected a create.
	ErrDuplicateProfile = errors.New("users: duplicate profile")
)

// Repository is the narrow store interface the sync coordinator depends on.
type Repository interface {
	FindBySubject(ctx context.Context, subject string) (Profile, error)
	FindByUsername(ctx context.Context, username string) (Profile, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, profile *Profile) error
	RefreshDetails(ctx context.Context, subject string, details ProfileDetails) error
}

// GormRepository stores profiles through gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps db.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) FindBySubject(ctx context.Context, subject string) (Profile, error) {
	var profile Profile
	err := r.db.WithContext(ctx).
		Where("external_subject = ?", subject).
		First(&profile).
		Error
	if err != nil {
		return Profile{}, convertNotFound(err)
	}
	return profile, nil
}

func (r *GormRepository) FindByUsername(ctx context.Context, username string) (Profile, error) {
	var profile Profile
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		First(&profile).
		Error
	if err != nil {
		return Profile{}, convertNotFound(err)
	}
	return profile, nil
}

func (r *GormRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Profile{}).
		Where("username = ?", username).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormRepository) Create(ctx context.Context, profile *Profile) error {
	err := r.db.WithContext(ctx).Create(profile).Error
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateProfile, err)
	}
	return err
}

func (r *GormRepository) RefreshDetails(ctx context.Context, subject string, details ProfileDetails) error {
	updates := map[string]interface{}{
		"last_seen_at": details.LastSeenAt,
	}
	if details.Email != "" {
		updates["email"] = details.Email
	}
	if details.DisplayName != "" {
		updates["display_name"] = details.DisplayName
	}
	return r.db.WithContext(ctx).
		Model(&Profile{}).
		Where("external_subject = ?", subject).
		Updates(updates).
		Error
}

// isUniqueConstraintError recognises translated gorm errors as well as raw
// SQLite and PostgreSQL driver messages.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func convertNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrProfileNotFound
	}
	return err
}
