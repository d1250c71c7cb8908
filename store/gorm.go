package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"onboardmail/models"
)

const (
	defaultBatchSize    = 200
	defaultQueryTimeout = 5 * time.Second
)

// GormStore keeps onboarding sequences in a SQL database through gorm.
type GormStore struct {
	db           *gorm.DB
	batchSize    int
	queryTimeout time.Duration
}

// GormOption tunes a GormStore.
type GormOption func(*GormStore)

// WithBatchSize sets how many rows ListPending fetches per query.
func WithBatchSize(n int) GormOption {
	return func(s *GormStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithQueryTimeout bounds every individual query issued by ListPending.
func WithQueryTimeout(d time.Duration) GormOption {
	return func(s *GormStore) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

func NewGormStore(db *gorm.DB, opts ...GormOption) *GormStore {
	s := &GormStore{
		db:           db,
		batchSize:    defaultBatchSize,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates or updates the onboarding tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.OnboardingSequence{},
		&models.OnboardingDelivery{},
	)
}

func (s *GormStore) Get(ctx context.Context, userID string) (models.OnboardingSequence, error) {
	var seq models.OnboardingSequence
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&seq).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.OnboardingSequence{}, ErrNotFound
		}
		return models.OnboardingSequence{}, fmt.Errorf("get sequence %s: %w", userID, err)
	}
	return seq, nil
}

func (s *GormStore) CreateIfAbsent(ctx context.Context, userID, email string, now time.Time) (models.OnboardingSequence, bool, error) {
	seq := models.OnboardingSequence{
		UserID:      userID,
		Email:       email,
		CurrentStep: models.StepNotStarted,
		StartedAt:   now,
		Version:     1,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seq)
	if res.Error != nil {
		return models.OnboardingSequence{}, false, fmt.Errorf("create sequence %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 1 {
		return seq, true, nil
	}

	existing, err := s.Get(ctx, userID)
	if err != nil {
		return models.OnboardingSequence{}, false, err
	}
	return existing, false, nil
}

// ListPending pages through pending rows in user_id order so a long scan never
// holds a cursor open and a restarted scan starts from scratch.
func (s *GormStore) ListPending(ctx context.Context, now time.Time) iter.Seq2[models.OnboardingSequence, error] {
	return func(yield func(models.OnboardingSequence, error) bool) {
		after := ""
		for {
			batch, err := s.pendingBatch(ctx, now, after)
			if err != nil {
				yield(models.OnboardingSequence{}, err)
				return
			}
			for _, seq := range batch {
				if !yield(seq, nil) {
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
			after = batch[len(batch)-1].UserID
		}
	}
}

func (s *GormStore) pendingBatch(ctx context.Context, now time.Time, after string) ([]models.OnboardingSequence, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var batch []models.OnboardingSequence
	err := s.db.WithContext(qctx).
		Where("current_step <> ? AND started_at <= ? AND user_id > ?", models.StepCompleted, now, after).
		Order("user_id").
		Limit(s.batchSize).
		Find(&batch).Error
	if err != nil {
		return nil, fmt.Errorf("list pending sequences: %w", err)
	}
	return batch, nil
}

func (s *GormStore) ConditionalUpdate(ctx context.Context, expectedVersion int64, next models.OnboardingSequence) error {
	res := s.db.WithContext(ctx).
		Model(&models.OnboardingSequence{}).
		Where("user_id = ? AND version = ?", next.UserID, expectedVersion).
		Updates(map[string]interface{}{
			"current_step": next.CurrentStep,
			"last_sent_at": next.LastSentAt,
			"last_error":   next.LastError,
			"version":      expectedVersion + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update sequence %s: %w", next.UserID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, next.UserID); err != nil {
		return err
	}
	return ErrVersionConflict
}

func (s *GormStore) RecordFailure(ctx context.Context, userID string, attemptAt time.Time, message string) error {
	res := s.db.WithContext(ctx).
		Model(&models.OnboardingSequence{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"last_attempt_at": attemptAt,
			"last_error":      message,
		})
	if res.Error != nil {
		return fmt.Errorf("record failure for %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordDelivery(ctx context.Context, delivery models.OnboardingDelivery) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "step_id"}},
			DoNothing: true,
		}).
		Create(&delivery).Error
	if err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", delivery.UserID, delivery.StepID, err)
	}
	return nil
}

func (s *GormStore) Deliveries(ctx context.Context, userID string) ([]models.OnboardingDelivery, error) {
	var out []models.OnboardingDelivery
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("sent_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", userID, err)
	}
	return out, nil
}
