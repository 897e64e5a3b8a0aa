package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifi/backend/internal/circuitbreaker"
	"github.com/fortifi/backend/internal/controller"
	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/federation"
	"github.com/fortifi/backend/internal/limits"
	"github.com/fortifi/backend/internal/limitsync"
	"github.com/fortifi/backend/internal/middleware"
	"github.com/fortifi/backend/internal/profile"
	"github.com/fortifi/backend/internal/queue"
	"github.com/fortifi/backend/internal/risk"
	"github.com/fortifi/backend/internal/shadow"
	"github.com/fortifi/backend/internal/trap"
)

func newTestServer(t *testing.T, mutate func(*ServerOptions)) *Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(upstream.Close)

	syncer, err := limitsync.NewSyncer(limitsync.Options{
		Endpoints: []string{upstream.URL},
		StatusDir: t.TempDir(),
	})
	require.NoError(t, err)

	traps, err := trap.NewEngine(trap.Options{ArchiveDir: t.TempDir()})
	require.NoError(t, err)

	shadowMgr := shadow.NewManager(shadow.NewGenerator(), traps, shadow.Options{
		ArchiveDir: t.TempDir(),
	})
	limitEngine := limits.NewEngine(limits.Options{})
	breakers := circuitbreaker.NewSet(nil)

	ctrl := controller.New(controller.Options{
		General:   queue.NewPriorityQueue(16),
		Emergency: queue.NewEmergencyQueue(16),
		Profiles: profile.NewFetcher(profile.ServiceURLs{
			Behavior: upstream.URL, Fraud: upstream.URL, Spending: upstream.URL,
		}, profile.Options{}),
		Breakers: breakers.Manager,
		Scorer:   risk.NewScorer(map[string]float64{"amount": 0.1}, nil, nil),
		Levels:   risk.NewThresholdEngine(risk.EngineOptions{}),
		Limits:   limitEngine,
		Syncer:   syncer,
	})

	opts := ServerOptions{
		Controller: ctrl,
		Limits:     limitEngine,
		Syncer:     syncer,
		Breakers:   breakers,
		Shadow:     shadowMgr,
		Traps:      traps,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitTransaction(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/transactions", SubmitRequest{
		Transaction: core.Transaction{
			ID: "tx_1", UserID: "u_1", Amount: 100, MerchantID: "m_1",
			Timestamp: time.Now().UTC(),
		},
		Priority: 5,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "tx_1", resp["transaction_id"])
}

func TestSubmitTransactionValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/transactions", SubmitRequest{
		Transaction: core.Transaction{UserID: "u_1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader([]byte("{broken")))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTransactionQueueFull(t *testing.T) {
	// Saturate the general queue through the API.
	small := newTestServerWithQueue(t, 1)
	first := doJSON(t, small, http.MethodPost, "/api/transactions", SubmitRequest{
		Transaction: core.Transaction{ID: "tx_a", UserID: "u", Amount: 1, MerchantID: "m", Timestamp: time.Now()},
	})
	require.Equal(t, http.StatusAccepted, first.Code)
	second := doJSON(t, small, http.MethodPost, "/api/transactions", SubmitRequest{
		Transaction: core.Transaction{ID: "tx_b", UserID: "u", Amount: 1, MerchantID: "m", Timestamp: time.Now()},
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func newTestServerWithQueue(t *testing.T, capacity int) *Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(upstream.Close)

	limitEngine := limits.NewEngine(limits.Options{})
	ctrl := controller.New(controller.Options{
		General:   queue.NewPriorityQueue(capacity),
		Emergency: queue.NewEmergencyQueue(capacity),
		Profiles: profile.NewFetcher(profile.ServiceURLs{
			Behavior: upstream.URL, Fraud: upstream.URL, Spending: upstream.URL,
		}, profile.Options{}),
		Scorer: risk.NewScorer(nil, nil, nil),
		Levels: risk.NewThresholdEngine(risk.EngineOptions{}),
		Limits: limitEngine,
	})
	return NewServer(ServerOptions{Controller: ctrl, Limits: limitEngine})
}

func TestGetAndResetLimits(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/limits/u_42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserID string        `json:"user_id"`
		Limits core.LimitSet `json:"limits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u_42", resp.UserID)
	assert.Equal(t, 5000.0, resp.Limits.Daily)

	rec = doJSON(t, s, http.MethodPost, "/api/limits/u_42/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncStatusNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/sync/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualResyncRequiresFailedEntry(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/sync/nope/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditSearchWithoutAuditLog(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/audit/search?user_id=u_1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReflectsBreakerState(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.opts.Breakers.Profile.ForceOpen("maintenance")
	rec = doJSON(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestPhantomRoutesUnavailableWithoutEngine(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/phantom/generate", map[string]int{"count": 3})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShadowSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/shadow/sessions", StartShadowRequest{
		Context: shadow.Context{UserID: "u_s", RiskScore: 0.95},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate start conflicts.
	rec = doJSON(t, s, http.MethodPost, "/api/shadow/sessions", StartShadowRequest{
		Context: shadow.Context{UserID: "u_s"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/shadow/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []shadow.SessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "u_s", sessions[0].UserID)

	rec = doJSON(t, s, http.MethodGet, "/api/shadow/sessions/u_s/forensics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/shadow/sessions/u_s", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/shadow/sessions/u_s/forensics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrapRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/traps/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodGet, "/api/traps/triggered", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodGet, "/api/traps/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "controller")
	assert.Contains(t, rec.Body.String(), "sync_queue_depth")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, func(o *ServerOptions) {
		o.AdminToken = "svc-token"
	})

	rec := doJSON(t, s, http.MethodPost, "/api/limits/u_1/reset", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/limits/u_1/reset", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	// Read routes stay open.
	rec = doJSON(t, s, http.MethodGet, "/api/limits/u_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntakeRateLimit(t *testing.T) {
	s := newTestServer(t, func(o *ServerOptions) {
		o.RateLimit = middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: 1, BurstSize: 1,
		})
	})

	body := SubmitRequest{Transaction: core.Transaction{
		ID: "tx_rl", UserID: "u", Amount: 1, MerchantID: "m", Timestamp: time.Now(),
	}}
	rec := doJSON(t, s, http.MethodPost, "/api/transactions", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/transactions", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func federationFixture(t *testing.T) (*federation.Coordinator, *federation.Broadcaster) {
	t.Helper()
	registry, err := federation.NewModelRegistry(t.TempDir())
	require.NoError(t, err)
	enc, err := federation.NewDeltaEncoder(0.7, 1e-5)
	require.NoError(t, err)
	secret := []byte("fed-secret")
	broadcaster, err := federation.NewBroadcaster("node-local", nil, secret)
	require.NoError(t, err)
	coord := federation.NewCoordinator(federation.CoordinatorOptions{
		DeltaEnc:    enc,
		Registry:    registry,
		Broadcaster: broadcaster,
		Secret:      secret,
	})
	return coord, broadcaster
}

func TestFederationPatternEndpoint(t *testing.T) {
	coord, broadcaster := federationFixture(t)
	s := newTestServer(t, func(o *ServerOptions) {
		o.Coordinator = coord
		o.Broadcaster = broadcaster
	})

	rec := doJSON(t, s, http.MethodPost, "/api/federation/pattern", PatternRequest{
		Features: map[string]float64{"amount": 2500, "velocity": 2.1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result federation.PropagationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.PatternHash, 64)
	assert.NotEmpty(t, result.Version)
}

func TestFederationDeltaIntake(t *testing.T) {
	coord, broadcaster := federationFixture(t)
	s := newTestServer(t, func(o *ServerOptions) {
		o.Coordinator = coord
		o.Broadcaster = broadcaster
	})

	// A remote node with the same channel secret broadcasts a delta; we
	// capture the wire body and replay it against our intake route.
	var body []byte
	capture := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer capture.Close()

	remote, err := federation.NewBroadcaster("node-remote", []string{capture.URL}, []byte("fed-secret"))
	require.NoError(t, err)
	enc, err := federation.NewDeltaEncoder(0.7, 1e-5)
	require.NoError(t, err)

	seed := map[string]federation.Tensor{
		"layer1.weight": {Shape: []int{2}, Data: []float32{1, 2}},
	}
	pkg, err := enc.ComputeSecureDelta(seed, seed, []byte("fed-secret"))
	require.NoError(t, err)
	require.Equal(t, 1, remote.Broadcast(context.Background(), pkg))

	req := httptest.NewRequest(http.MethodPost, "/federation/delta", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "node-remote")

	// Garbage envelopes are rejected.
	req = httptest.NewRequest(http.MethodPost, "/federation/delta", bytes.NewReader([]byte("junk")))
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadinessProbe(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	bare := NewServer(ServerOptions{})
	rec = doJSON(t, bare, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
