package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"onboardmail/models"
	"onboardmail/onboarding"
	"onboardmail/store"
	"onboardmail/utils"
)

// SchedulerState is the trigger lifecycle of an OnboardingScheduler.
type SchedulerState string

const (
	StateIdle    SchedulerState = "idle"
	StateRunning SchedulerState = "running"
)

// TickError reports why one user's due step was not delivered.
type TickError struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// TickResult aggregates one pass over the pending sequences. Version
// conflicts are counted apart from Sent and Failed.
type TickResult struct {
	Sent      int         `json:"sent"`
	Failed    int         `json:"failed"`
	Conflicts int         `json:"conflicts"`
	Errors    []TickError `json:"errors"`
}

// SchedulerConfig controls when ticks fire and how each tick runs.
type SchedulerConfig struct {
	// Schedule is a standard five-field cron expression, e.g. "0 9 * * *".
	Schedule     string
	Location     *time.Location
	Workers      int
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// SendRate caps sends per second across workers; zero disables the cap.
	SendRate float64
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Schedule == "" {
		c.Schedule = "0 9 * * *"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// OnboardingScheduler runs onboarding ticks on a daily cron trigger and on demand.
type OnboardingScheduler struct {
	store   store.Store
	gateway utils.EmailGateway
	steps   []onboarding.StepDefinition
	cfg     SchedulerConfig
	logger  logrus.FieldLogger
	clock   func() time.Time
	limiter *rate.Limiter

	mu    sync.Mutex
	state SchedulerState
	cron  *cron.Cron
}

// SchedulerOption tunes an OnboardingScheduler.
type SchedulerOption func(*OnboardingScheduler)

func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *OnboardingScheduler) { s.clock = clock }
}

func NewOnboardingScheduler(st store.Store, gateway utils.EmailGateway, steps []onboarding.StepDefinition, cfg SchedulerConfig, logger logrus.FieldLogger, opts ...SchedulerOption) *OnboardingScheduler {
	cfg = cfg.withDefaults()
	s := &OnboardingScheduler{
		store:   st,
		gateway: gateway,
		steps:   append([]onboarding.StepDefinition(nil), steps...),
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		state:   StateIdle,
	}
	if cfg.SendRate > 0 {
		burst := int(cfg.SendRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports whether the daily trigger is armed.
func (s *OnboardingScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the daily trigger. Calling Start while already running is a no-op.
// A gateway without credentials is a fatal configuration error and Start refuses to run.
func (s *OnboardingScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.logger.Info("Onboarding scheduler already running, ignoring start")
		return nil
	}

	if v, ok := s.gateway.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("onboarding scheduler: %w", err)
		}
	}

	c := cron.New(cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("onboarding scheduler: invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()

	s.cron = c
	s.state = StateRunning
	s.logger.WithFields(logrus.Fields{
		"schedule": s.cfg.Schedule,
		"timezone": s.cfg.Location.String(),
		"workers":  s.cfg.Workers,
	}).Info("Onboarding scheduler started")
	return nil
}

// Stop disarms the trigger and waits for an in-flight scheduled tick to
// finish, or for ctx to end. It never cancels a running tick.
func (s *OnboardingScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.state = StateIdle
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.logger.Info("Onboarding scheduler shutting down...")
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *OnboardingScheduler) runScheduled() {
	res, err := s.RunTick(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, utils.ErrProviderNotConfigured) {
		utils.LogError(s.logger, "onboarding_provider_config", err, logrus.Fields{"sent": res.Sent, "failed": res.Failed})
		s.halt()
		return
	}
	utils.LogError(s.logger, "onboarding_tick", err, logrus.Fields{"sent": res.Sent, "failed": res.Failed})
}

// halt disarms the trigger from inside a running job. The cron's own Stop
// would wait for this very job, so its done channel is not awaited here.
func (s *OnboardingScheduler) halt() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.state = StateIdle
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	s.logger.Error("Onboarding scheduler halted on fatal configuration error")
}

// tally collects per-user outcomes from concurrent workers.
type tally struct {
	mu  sync.Mutex
	res TickResult
}

func (t *tally) sent() {
	t.mu.Lock()
	t.res.Sent++
	t.mu.Unlock()
}

func (t *tally) conflict() {
	t.mu.Lock()
	t.res.Conflicts++
	t.mu.Unlock()
}

func (t *tally) failed(userID, message string) {
	t.mu.Lock()
	t.res.Failed++
	t.res.Errors = append(t.res.Errors, TickError{UserID: userID, Message: message})
	t.mu.Unlock()
}

func (t *tally) result() TickResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.res
	res.Errors = append([]TickError{}, t.res.Errors...)
	return res
}

// RunTick delivers at most one due step to every pending user. One user's
// failure never stops the others; only a fatal provider configuration error
// or a failing pending-list query aborts the tick.
func (s *OnboardingScheduler) RunTick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	now := s.clock()
	log := s.logger.WithField("tick_id", uuid.NewString())
	log.WithField("now", now).Info("Onboarding tick started")

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var listErr error
	for seq, err := range s.store.ListPending(gctx, now) {
		if err != nil {
			listErr = err
			break
		}
		g.Go(func() error {
			return s.process(gctx, log, seq, now, &t)
		})
	}
	waitErr := g.Wait()

	res := t.result()
	tickDuration.Observe(time.Since(start).Seconds())

	fields := logrus.Fields{
		"sent":      res.Sent,
		"failed":    res.Failed,
		"conflicts": res.Conflicts,
		"took":      utils.FormatDuration(time.Since(start)),
	}

	switch {
	case waitErr != nil:
		ticksCounter.WithLabelValues("aborted").Inc()
		return res, waitErr
	case listErr != nil:
		ticksCounter.WithLabelValues("aborted").Inc()
		if errors.Is(listErr, context.Canceled) && ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("list pending sequences: %w", listErr)
	}

	ticksCounter.WithLabelValues("completed").Inc()
	utils.LogEvent(log, "onboarding_tick_completed", fields)
	return res, nil
}

// process handles one pending sequence. It returns an error only for
// conditions that must abort the whole tick.
func (s *OnboardingScheduler) process(ctx context.Context, log logrus.FieldLogger, seq models.OnboardingSequence, now time.Time, t *tally) error {
	step, due := onboarding.DecideDueStep(seq, now, s.steps)
	if !due {
		return nil
	}
	log = log.WithFields(logrus.Fields{"user_id": seq.UserID, "step_id": step.StepID})

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			t.failed(seq.UserID, fmt.Sprintf("send throttled: %v", err))
			failedCounter.Inc()
			return nil
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, err := s.gateway.Send(sendCtx, utils.SendRequest{
		To:             seq.Email,
		Template:       step.Template,
		IdempotencyKey: onboarding.DeliveryKey(seq.UserID, step.StepID),
	})
	cancel()

	if err != nil {
		if errors.Is(err, utils.ErrProviderNotConfigured) {
			return err
		}
		t.failed(seq.UserID, err.Error())
		failedCounter.Inc()
		log.WithError(err).Warn("Onboarding email failed, step stays due")
		s.recordFailure(ctx, log, seq.UserID, err)
		return nil
	}

	sentAt := s.clock()
	next := onboarding.NextState(seq, step.StepID, sentAt, s.steps)

	uctx, ucancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err = s.store.ConditionalUpdate(uctx, seq.Version, next)
	ucancel()

	switch {
	case errors.Is(err, store.ErrVersionConflict):
		t.conflict()
		conflictCounter.Inc()
		log.Debug("Sequence already advanced by another tick")
		return nil
	case err != nil:
		// The email went out but the advance was not stored; the step will be
		// sent again next tick.
		t.failed(seq.UserID, fmt.Sprintf("persist advance: %v", err))
		failedCounter.Inc()
		utils.LogError(log, "onboarding_persist", err, logrus.Fields{"message_id": res.MessageID})
		return nil
	}

	t.sent()
	sentCounter.Inc()
	log.WithFields(logrus.Fields{
		"message_id":   res.MessageID,
		"current_step": next.CurrentStep,
	}).Info("Onboarding email sent")

	dctx, dcancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer dcancel()
	if err := s.store.RecordDelivery(dctx, models.OnboardingDelivery{
		UserID:    seq.UserID,
		StepID:    step.StepID,
		MessageID: res.MessageID,
		SentAt:    sentAt,
	}); err != nil {
		log.WithError(err).Warn("Failed to record onboarding delivery")
	}
	return nil
}

func (s *OnboardingScheduler) recordFailure(ctx context.Context, log logrus.FieldLogger, userID string, sendErr error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.RecordFailure(fctx, userID, s.clock(), sendErr.Error()); err != nil {
		log.WithError(err).Warn("Failed to record onboarding failure")
	}
}
