package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
)

// Profile is the local user record owned by an external subject.
type Profile struct {
	ID              string    `gorm:"column:id;primaryKey;size:64"`
	ExternalSubject string    `gorm:"column:external_subject;size:190;not null;uniqueIndex:idx_user_profiles_external_subject"`
	Username        string    `gorm:"column:username;size:190;not null;uniqueIndex:idx_user_profiles_username"`
	DisplayName     string    `gorm:"column:display_name;size:320"`
	Role            auth.Role `gorm:"column:role;size:32;not null"`
	Email           string    `gorm:"column:email;size:320"`
	LastSeenAt      time.Time `gorm:"column:last_seen_at"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Snapshot projects the profile into the shape principals are built from.
func (p Profile) Snapshot() *auth.ProfileSnapshot {
	return &auth.ProfileSnapshot{
		ID:          p.ID,
		Subject:     p.ExternalSubject,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
	}
}

// ProfileDetails carries the denormalized fields refreshed on later logins.
type ProfileDetails struct {
	Email       string
	DisplayName string
	LastSeenAt  time.Time
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
