package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"onboardmail/models"
	"onboardmail/onboarding"
	"onboardmail/store"
	"onboardmail/utils"
	"onboardmail/worker"
)

const secret = "routes-secret"

type recordingGateway struct {
	sent []utils.SendRequest
}

func (g *recordingGateway) Send(_ context.Context, req utils.SendRequest) (utils.SendResult, error) {
	g.sent = append(g.sent, req)
	return utils.SendResult{MessageID: "<" + req.IdempotencyKey + "@test>"}, nil
}

func newTestApp(t *testing.T) (*fiber.App, *recordingGateway, func(time.Time)) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemoryStore()
	svc, err := onboarding.NewService(st, onboarding.DefaultSteps(),
		onboarding.WithClock(clock), onboarding.WithLogger(log))
	require.NoError(t, err)

	gw := &recordingGateway{}
	sched := worker.NewOnboardingScheduler(st, gw, onboarding.DefaultSteps(), worker.SchedulerConfig{Workers: 1}, log,
		worker.WithSchedulerClock(clock))

	app := fiber.New()
	SetupRoutes(app, Dependencies{
		Service:        svc,
		Scheduler:      sched,
		Logger:         log,
		JWTSecret:      secret,
		RateLimitStart: 100,
	})
	return app, gw, func(t time.Time) { now = t }
}

func call(t *testing.T, app *fiber.App, method, path, body string, authed bool) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		token, err := utils.GenerateServiceToken("signup-api", secret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealthAndMetrics(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, body := call(t, app, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","scheduler":"idle"}`, string(body))

	resp, body = call(t, app, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "onboardmail_scheduler_emails_sent_total")
}

func TestUnknownRoute(t *testing.T) {
	app, _, _ := newTestApp(t)
	resp, _ := call(t, app, http.MethodGet, "/nope", "", false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	app, _, _ := newTestApp(t)
	resp, _ := call(t, app, http.MethodGet, "/api/v1/onboarding/u1", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOnboardingFlow(t *testing.T) {
	app, gw, setNow := newTestApp(t)
	start := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	resp, _ := call(t, app, http.MethodPost, "/api/v1/onboarding", `{"user_id":"u1","email":"u1@example.com"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := call(t, app, http.MethodPost, "/api/v1/onboarding/tick", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true,"data":{"sent":1,"failed":0,"conflicts":0,"errors":[]}}`, string(body))

	setNow(start.Add(25 * time.Hour))
	resp, _ = call(t, app, http.MethodPost, "/api/v1/onboarding/tick", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = call(t, app, http.MethodGet, "/api/v1/onboarding/u1", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data onboarding.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, models.Step1, env.Data.Sequence.CurrentStep)
	require.Len(t, env.Data.Deliveries, 2)
	require.NotNil(t, env.Data.NextStep)
	assert.Equal(t, models.Step2, *env.Data.NextStep)
	assert.True(t, env.Data.NextDueAt.Equal(start.Add(48*time.Hour)))

	require.Len(t, gw.sent, 2)
	assert.Equal(t, "welcome", gw.sent[0].Template)
	assert.Equal(t, "getting_started", gw.sent[1].Template)
}
