// Package store persists onboarding sequences and exposes the version-guarded
// update the scheduler relies on to advance each user at most once per step.
package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"onboardmail/models"
)

var (
	ErrNotFound        = errors.New("onboarding sequence not found")
	ErrVersionConflict = errors.New("onboarding sequence version conflict")
)

// Store is the persistence contract for onboarding sequences.
type Store interface {
	// Get returns the sequence for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (models.OnboardingSequence, error)

	// CreateIfAbsent inserts a new sequence started at now. When a row already
	// exists it is returned untouched and created is false.
	CreateIfAbsent(ctx context.Context, userID, email string, now time.Time) (seq models.OnboardingSequence, created bool, err error)

	// ListPending yields every sequence started at or before now that is not
	// completed. Each call re-queries; nothing is cached between calls.
	ListPending(ctx context.Context, now time.Time) iter.Seq2[models.OnboardingSequence, error]

	// ConditionalUpdate writes next only if the stored version equals
	// expectedVersion, bumping the version by one. Returns ErrVersionConflict
	// when another writer got there first.
	ConditionalUpdate(ctx context.Context, expectedVersion int64, next models.OnboardingSequence) error

	// RecordFailure stores the last failed attempt without a version check.
	RecordFailure(ctx context.Context, userID string, attemptAt time.Time, message string) error

	// RecordDelivery appends a delivery audit row. Duplicate (user, step) pairs are ignored.
	RecordDelivery(ctx context.Context, delivery models.OnboardingDelivery) error

	// Deliveries lists the audit rows for userID ordered by send time.
	Deliveries(ctx context.Context, userID string) ([]models.OnboardingDelivery, error)
}
