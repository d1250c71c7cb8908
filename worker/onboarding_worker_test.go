package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"onboardmail/models"
	"onboardmail/onboarding"
	"onboardmail/store"
	"onboardmail/utils"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type sentEmail struct {
	To       string
	Template string
	Key      string
}

// fakeGateway records sends and fails for the configured recipients.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentEmail
	failFor  map[string]error
	validate error
	block    func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failFor: map[string]error{}}
}

func (g *fakeGateway) Validate() error { return g.validate }

func (g *fakeGateway) Send(ctx context.Context, req utils.SendRequest) (utils.SendResult, error) {
	if g.block != nil {
		g.block()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.failFor[req.To]; ok {
		return utils.SendResult{}, err
	}
	g.sent = append(g.sent, sentEmail{To: req.To, Template: req.Template, Key: req.IdempotencyKey})
	return utils.SendResult{MessageID: fmt.Sprintf("<%s@test>", req.IdempotencyKey)}, nil
}

func (g *fakeGateway) sends() []sentEmail {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentEmail(nil), g.sent...)
}

func (g *fakeGateway) setFailure(to string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failFor, to)
		return
	}
	g.failFor[to] = err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	store     *store.MemoryStore
	gateway   *fakeGateway
	scheduler *OnboardingScheduler
	now       time.Time
	mu        sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setNow(now time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

func newHarness(t *testing.T, steps []onboarding.StepDefinition) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(), gateway: newFakeGateway(), now: t0}
	h.scheduler = NewOnboardingScheduler(h.store, h.gateway, steps, SchedulerConfig{Workers: 3}, quietLogger(),
		WithSchedulerClock(h.clock))
	return h
}

func (h *harness) start(t *testing.T, userID string, at time.Time) {
	t.Helper()
	_, _, err := h.store.CreateIfAbsent(context.Background(), userID, userID+"@example.com", at)
	require.NoError(t, err)
}

func (h *harness) current(t *testing.T, userID string) models.OnboardingSequence {
	t.Helper()
	seq, err := h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	return seq
}

func twoSteps() []onboarding.StepDefinition {
	return []onboarding.StepDefinition{
		{StepID: models.Step0, Offset: 0, Template: "welcome"},
		{StepID: models.Step1, Offset: 24 * time.Hour, Template: "getting_started"},
	}
}

func TestRunTickConcreteScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, twoSteps())
	h.start(t, "u1", t0)

	res, err := h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.Step0, h.current(t, "u1").CurrentStep)

	h.setNow(t0.Add(12 * time.Hour))
	res, err = h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Failed)

	h.setNow(t0.Add(25 * time.Hour))
	res, err = h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	seq := h.current(t, "u1")
	assert.Equal(t, models.StepCompleted, seq.CurrentStep)
	assert.Equal(t, int64(3), seq.Version)

	h.setNow(t0.Add(48 * time.Hour))
	res, err = h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Errors: []TickError{}}, res)

	sends := h.gateway.sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "welcome", sends[0].Template)
	assert.Equal(t, "getting_started", sends[1].Template)
	assert.Equal(t, onboarding.DeliveryKey("u1", models.Step0), sends[0].Key)

	deliveries, err := h.store.Deliveries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "<"+sends[1].Key+"@test>", deliveries[1].MessageID)
}

func TestRunTickSendsOneStepPerTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)

	// step_0 went out on day zero, then the user was not processed for days
	seq := h.current(t, "u1")
	require.NoError(t, h.store.ConditionalUpdate(ctx, seq.Version, onboarding.NextState(seq, models.Step0, t0, onboarding.DefaultSteps())))

	h.setNow(t0.Add(50 * time.Hour))
	res, err := h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.Step1, h.current(t, "u1").CurrentStep)

	res, err = h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.Step2, h.current(t, "u1").CurrentStep)

	sends := h.gateway.sends()
	require.Len(t, sends, 2)
	assert.Equal(t, "getting_started", sends[0].Template)
	assert.Equal(t, "tips", sends[1].Template)
}

func TestRunTickFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)
	h.gateway.setFailure("u1@example.com", errors.New("smtp: 451 try again later"))

	res, err := h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "u1", res.Errors[0].UserID)
	assert.Contains(t, res.Errors[0].Message, "451")

	seq := h.current(t, "u1")
	assert.Equal(t, models.StepNotStarted, seq.CurrentStep)
	assert.Equal(t, int64(1), seq.Version)
	assert.Contains(t, seq.LastError, "451")
	require.NotNil(t, seq.LastAttemptAt)

	step, due := onboarding.DecideDueStep(seq, h.clock(), onboarding.DefaultSteps())
	require.True(t, due)
	assert.Equal(t, models.Step0, step.StepID)

	h.gateway.setFailure("u1@example.com", nil)
	res, err = h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	seq = h.current(t, "u1")
	assert.Equal(t, models.Step0, seq.CurrentStep)
	assert.Empty(t, seq.LastError)
}

// stallingGateway never answers; it gives up only when the send deadline passes.
type stallingGateway struct{}

func (stallingGateway) Send(ctx context.Context, _ utils.SendRequest) (utils.SendResult, error) {
	<-ctx.Done()
	return utils.SendResult{}, ctx.Err()
}

func TestRunTickTimedOutSendIsFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, _, err := st.CreateIfAbsent(ctx, "u1", "u1@example.com", t0)
	require.NoError(t, err)

	s := NewOnboardingScheduler(st, stallingGateway{}, onboarding.DefaultSteps(),
		SchedulerConfig{SendTimeout: 10 * time.Millisecond}, quietLogger(),
		WithSchedulerClock(func() time.Time { return t0 }))

	res, err := s.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "deadline exceeded")

	seq, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StepNotStarted, seq.CurrentStep)
	assert.Equal(t, int64(1), seq.Version)
	assert.Contains(t, seq.LastError, "deadline exceeded")

	step, due := onboarding.DecideDueStep(seq, t0, onboarding.DefaultSteps())
	require.True(t, due)
	assert.Equal(t, models.Step0, step.StepID)
}

func TestRunTickIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onboarding.DefaultSteps())
	for _, id := range []string{"a", "b", "c"} {
		h.start(t, id, t0)
	}
	h.gateway.setFailure("b@example.com", errors.New("provider unavailable"))

	res, err := h.scheduler.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []TickError{{UserID: "b", Message: "provider unavailable"}}, res.Errors)

	assert.Equal(t, models.Step0, h.current(t, "a").CurrentStep)
	assert.Equal(t, models.StepNotStarted, h.current(t, "b").CurrentStep)
	assert.Equal(t, models.Step0, h.current(t, "c").CurrentStep)
}

// conflictStore loses every conditional update, as if another tick won.
type conflictStore struct {
	*store.MemoryStore
}

func (conflictStore) ConditionalUpdate(context.Context, int64, models.OnboardingSequence) error {
	return store.ErrVersionConflict
}

func TestRunTickVersionConflictIsBenign(t *testing.T) {
	ctx := context.Background()
	st := conflictStore{store.NewMemoryStore()}
	_, _, err := st.CreateIfAbsent(ctx, "u1", "u1@example.com", t0)
	require.NoError(t, err)

	s := NewOnboardingScheduler(st, newFakeGateway(), onboarding.DefaultSteps(), SchedulerConfig{}, quietLogger(),
		WithSchedulerClock(func() time.Time { return t0 }))

	res, err := s.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Conflicts)
	assert.Empty(t, res.Errors)
}

func TestOverlappingTicksAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)

	// hold every send until both ticks have read the same version
	var once sync.Once
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	h.gateway.block = func() {
		arrived <- struct{}{}
		if len(arrived) == 2 {
			once.Do(func() { close(release) })
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}

	var wg sync.WaitGroup
	results := make([]TickResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.scheduler.RunTick(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, results[0].Sent+results[1].Sent)
	assert.Equal(t, 1, results[0].Conflicts+results[1].Conflicts)
	assert.Equal(t, 0, results[0].Failed+results[1].Failed)

	seq := h.current(t, "u1")
	assert.Equal(t, models.Step0, seq.CurrentStep)
	assert.Equal(t, int64(2), seq.Version)
}

func TestRunTickAbortsOnProviderConfigError(t *testing.T) {
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)
	h.gateway.setFailure("u1@example.com", fmt.Errorf("%w: missing SMTP_PASSWORD", utils.ErrProviderNotConfigured))

	_, err := h.scheduler.RunTick(context.Background())
	assert.ErrorIs(t, err, utils.ErrProviderNotConfigured)
	assert.Equal(t, models.StepNotStarted, h.current(t, "u1").CurrentStep)
}

func TestRunTickHonoursCanceledContext(t *testing.T) {
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.scheduler.RunTick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.gateway.sends())
}

func TestSchedulerLifecycle(t *testing.T) {
	h := newHarness(t, onboarding.DefaultSteps())
	s := h.scheduler
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())

	// second start is a no-op
	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, StateIdle, s.State())

	// stopping an idle scheduler is harmless
	s.Stop(ctx)
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerStartRejectsMissingCredentials(t *testing.T) {
	h := newHarness(t, onboarding.DefaultSteps())
	h.gateway.validate = fmt.Errorf("%w: missing SMTP_HOST", utils.ErrProviderNotConfigured)

	err := h.scheduler.Start()
	assert.ErrorIs(t, err, utils.ErrProviderNotConfigured)
	assert.Equal(t, StateIdle, h.scheduler.State())
}

func TestSchedulerStartRejectsBadSchedule(t *testing.T) {
	s := NewOnboardingScheduler(store.NewMemoryStore(), newFakeGateway(), onboarding.DefaultSteps(),
		SchedulerConfig{Schedule: "every day please"}, quietLogger())

	assert.Error(t, s.Start())
	assert.Equal(t, StateIdle, s.State())
}

func TestRunScheduledHaltsOnFatalError(t *testing.T) {
	h := newHarness(t, onboarding.DefaultSteps())
	h.start(t, "u1", t0)
	require.NoError(t, h.scheduler.Start())

	h.gateway.setFailure("u1@example.com", utils.ErrProviderNotConfigured)
	h.scheduler.runScheduled()

	assert.Equal(t, StateIdle, h.scheduler.State())
}
