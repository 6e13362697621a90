package users

import (
	"context"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
)

const (
	DefaultUsernameMaxAttempts = 50

	subjectUsernamePrefix = "user"
	subjectFragmentLength = 8
	minUsernameLength     = 3
)

// UsernameChecker reports whether a username is already taken.
type UsernameChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// UsernameAllocator derives a free username from an email and subject.
// The result reflects repository state at the time of the call only.
type UsernameAllocator struct {
	checker     UsernameChecker
	maxAttempts int
}

// NewUsernameAllocator returns an allocator probing checker up to maxAttempts
// suffixed candidates before falling back to a subject-derived suffix.
func NewUsernameAllocator(checker UsernameChecker, maxAttempts int) *UsernameAllocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultUsernameMaxAttempts
	}
	return &UsernameAllocator{checker: checker, maxAttempts: maxAttempts}
}

// Allocate returns the first free candidate.
func (a *UsernameAllocator) Allocate(ctx context.Context, email, subject string) (string, error) {
	base := baseUsername(email, subject)

	taken, err := a.checker.UsernameExists(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken {
		return base, nil
	}

	for suffix := 1; suffix <= a.maxAttempts; suffix++ {
		candidate := base + strconv.Itoa(suffix)
		taken, err := a.checker.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return base + "_" + subjectFragment(subject), nil
}

func baseUsername(email, subject string) string {
	candidate := ""
	if strings.Contains(email, "@") {
		candidate = sanitizeUsername(auth.EmailLocalPart(email))
	}
	if len(candidate) < minUsernameLength {
		candidate = sanitizeUsername(subjectUsernamePrefix + subjectFragment(subject))
	}
	return candidate
}

func subjectFragment(subject string) string {
	runes := []rune(strings.TrimSpace(subject))
	if len(runes) > subjectFragmentLength {
		runes = runes[:subjectFragmentLength]
	}
	return string(runes)
}

func sanitizeUsername(value string) string {
	var builder strings.Builder
	builder.Grow(len(value))
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
