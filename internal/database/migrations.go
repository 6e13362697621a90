package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeProfileEmails = "2026-10-01_normalize_profile_emails"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationNormalizeProfileEmails, apply: normalizeProfileEmails},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeProfileEmails lowercases and trims emails stored before sync
// started normalizing them.
func normalizeProfileEmails(db *gorm.DB) error {
	return db.Model(&users.Profile{}).
		Where("email <> LOWER(TRIM(email))").
		Update("email", gorm.Expr("LOWER(TRIM(email))")).Error
}
