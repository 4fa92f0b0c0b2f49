package repository

import (
	"context"
	"errors"
	"time"

	"github.com/notely/notely/internal/models"
)

// ErrNotFound is returned when no challenge matches a lookup.
var ErrNotFound = errors.New("challenge not found")

// ChallengeRepository persists OTP challenges. Implementations must remove
// records no later than their expiry instant even without an explicit
// Delete, either through storage-native TTL or an equivalent reaper.
type ChallengeRepository interface {
	// Insert stores a new challenge. It never checks for duplicates; the
	// caller is responsible for sweeping stale records first.
	Insert(ctx context.Context, challenge *models.Challenge) error

	// FindActive returns the challenge matching email and code exactly that
	// is unverified and unexpired, or ErrNotFound.
	FindActive(ctx context.Context, email, code string) (*models.Challenge, error)

	// FindLatest returns the most recently created unverified, unexpired
	// challenge for the email, or ErrNotFound.
	FindLatest(ctx context.Context, email string) (*models.Challenge, error)

	// IncrementAttempts adds one to the challenge's failed-attempt counter.
	IncrementAttempts(ctx context.Context, challenge *models.Challenge) error

	// Consume atomically marks the challenge verified and deletes it. It
	// returns false when a concurrent verify already consumed the record.
	Consume(ctx context.Context, email, id string) (bool, error)

	// Delete removes a single challenge by id.
	Delete(ctx context.Context, email, id string) error

	// DeleteStale removes every challenge for the email that is expired or
	// already verified, returning how many were removed.
	DeleteStale(ctx context.Context, email string) (int, error)

	// CountRecent returns how many challenges for the email were created at
	// or after the given instant.
	CountRecent(ctx context.Context, email string, since time.Time) (int, error)
}
