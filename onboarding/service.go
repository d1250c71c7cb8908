package onboarding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"onboardmail/models"
	"onboardmail/store"
)

const maxUserIDLength = 191

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrInvalidEmail  = errors.New("invalid email address")
	ErrNotFound      = errors.New("onboarding sequence not found")
)

// Status is a sequence together with what the engine expects to happen next.
type Status struct {
	Sequence   models.OnboardingSequence   `json:"sequence"`
	NextStep   *models.StepID              `json:"next_step,omitempty"`
	NextDueAt  *time.Time                  `json:"next_due_at,omitempty"`
	Deliveries []models.OnboardingDelivery `json:"deliveries"`
}

// Service exposes startSequence and getSequenceStatus on top of a Store.
type Service struct {
	store        store.Store
	steps        []StepDefinition
	clock        func() time.Time
	storeTimeout time.Duration
	log          logrus.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// NewService validates steps and builds a Service.
func NewService(st store.Store, steps []StepDefinition, opts ...Option) (*Service, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	s := &Service{
		store:        st,
		steps:        append([]StepDefinition(nil), steps...),
		clock:        time.Now,
		storeTimeout: 5 * time.Second,
		log:          discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartSequence creates the user's sequence, or returns the existing one
// untouched when it was started before.
func (s *Service) StartSequence(ctx context.Context, userID, email string) (models.OnboardingSequence, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" || len(userID) > maxUserIDLength {
		return models.OnboardingSequence{}, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	if err := checkmail.ValidateFormat(email); err != nil {
		return models.OnboardingSequence{}, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	seq, created, err := s.store.CreateIfAbsent(ctx, userID, email, s.clock())
	if err != nil {
		return models.OnboardingSequence{}, fmt.Errorf("start sequence: %w", err)
	}

	log := s.log.WithField("user_id", userID)
	if created {
		log.WithField("started_at", seq.StartedAt).Info("Onboarding sequence started")
	} else {
		log.WithField("current_step", seq.CurrentStep).Debug("Onboarding sequence already exists")
	}
	return seq, nil
}

// GetSequenceStatus returns the user's sequence with the next expected step.
func (s *Service) GetSequenceStatus(ctx context.Context, userID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, fmt.Errorf("%w: empty", ErrInvalidUserID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	seq, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, fmt.Errorf("get sequence status: %w", err)
	}

	deliveries, err := s.store.Deliveries(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("get sequence deliveries: %w", err)
	}
	if deliveries == nil {
		deliveries = []models.OnboardingDelivery{}
	}

	status := Status{Sequence: seq, Deliveries: deliveries}
	if step, dueAt, ok := NextDue(seq, s.steps); ok {
		id := step.StepID
		status.NextStep = &id
		status.NextDueAt = &dueAt
	}
	return status, nil
}
