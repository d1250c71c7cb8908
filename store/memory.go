package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"onboardmail/models"
)

// MemoryStore is a process-local Store used in tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.Mutex
	sequences  map[string]models.OnboardingSequence
	deliveries map[string][]models.OnboardingDelivery
	nextID     uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sequences:  make(map[string]models.OnboardingSequence),
		deliveries: make(map[string][]models.OnboardingDelivery),
	}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (models.OnboardingSequence, error) {
	if err := ctx.Err(); err != nil {
		return models.OnboardingSequence{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[userID]
	if !ok {
		return models.OnboardingSequence{}, ErrNotFound
	}
	return seq, nil
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, userID, email string, now time.Time) (models.OnboardingSequence, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.OnboardingSequence{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.sequences[userID]; ok {
		return seq, false, nil
	}
	seq := models.OnboardingSequence{
		UserID:      userID,
		Email:       email,
		CurrentStep: models.StepNotStarted,
		StartedAt:   now,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sequences[userID] = seq
	return seq, true, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, now time.Time) iter.Seq2[models.OnboardingSequence, error] {
	return func(yield func(models.OnboardingSequence, error) bool) {
		m.mu.Lock()
		ids := make([]string, 0, len(m.sequences))
		for id := range m.sequences {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		sort.Strings(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(models.OnboardingSequence{}, err)
				return
			}
			m.mu.Lock()
			seq, ok := m.sequences[id]
			m.mu.Unlock()
			if !ok || seq.IsCompleted() || seq.StartedAt.After(now) {
				continue
			}
			if !yield(seq, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, expectedVersion int64, next models.OnboardingSequence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sequences[next.UserID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	cur.CurrentStep = next.CurrentStep
	cur.LastSentAt = next.LastSentAt
	cur.LastError = next.LastError
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = time.Now()
	m.sequences[next.UserID] = cur
	return nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, userID string, attemptAt time.Time, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sequences[userID]
	if !ok {
		return ErrNotFound
	}
	at := attemptAt
	cur.LastAttemptAt = &at
	cur.LastError = message
	m.sequences[userID] = cur
	return nil
}

func (m *MemoryStore) RecordDelivery(ctx context.Context, delivery models.OnboardingDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries[delivery.UserID] {
		if d.StepID == delivery.StepID {
			return nil
		}
	}
	m.nextID++
	delivery.ID = m.nextID
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = delivery.SentAt
	}
	m.deliveries[delivery.UserID] = append(m.deliveries[delivery.UserID], delivery)
	return nil
}

func (m *MemoryStore) Deliveries(ctx context.Context, userID string) ([]models.OnboardingDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.OnboardingDelivery(nil), m.deliveries[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}
