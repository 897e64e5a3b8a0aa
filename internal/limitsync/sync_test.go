package limitsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifi/backend/internal/core"
)

func newSyncer(t *testing.T, endpoints []string) *Syncer {
	t.Helper()
	s, err := NewSyncer(Options{
		Endpoints:  endpoints,
		MaxRetries: 1,
		Backoff:    0.001,
		StatusDir:  t.TempDir(),
		APIToken:   "testtoken",
	})
	require.NoError(t, err)
	return s
}

func testLimits() core.LimitSet {
	return core.LimitSet{Daily: 2000, Transaction: 500, Weekly: 10000}
}

func TestEndpointURLFormatting(t *testing.T) {
	assert.Equal(t, "http://a/api/limits/u1",
		formatEndpointURL("http://a/api/limits/{user_id}", "u1"))
	assert.Equal(t, "http://a/api/limits/users/u1/limits",
		formatEndpointURL("http://a/api/limits", "u1"))
}

func TestSyncIDDeterministicPerTimestamp(t *testing.T) {
	ts := time.Now()
	a := generateSyncID("u1", testLimits(), ts)
	b := generateSyncID("u1", testLimits(), ts)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, generateSyncID("u2", testLimits(), ts))
	assert.Len(t, a, 64)
}

func TestCompletedWhenAllEndpointsSucceed(t *testing.T) {
	var hits int64
	var gotAuth, gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		gotAuth = r.Header.Get("Authorization")
		gotSystem = r.Header.Get("X-System-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSyncer(t, []string{srv.URL, srv.URL + "/second/{user_id}"})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())

	entry, err := s.GetSyncStatus(syncID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	assert.Equal(t, "Bearer testtoken", gotAuth)
	assert.Equal(t, "SPEND_CTRL", gotSystem)
	assert.Equal(t, 0, s.QueueDepth())
}

func TestFailedWhenAnyEndpointFails(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	s := newSyncer(t, []string{ok.URL, bad.URL})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())

	entry, err := s.GetSyncStatus(syncID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusFailed, entry.Status)

	// The failing endpoint was retried: maxRetries+1 results carry 502.
	errors := 0
	for _, r := range entry.Results {
		if r.Code == http.StatusBadGateway {
			errors++
		}
	}
	assert.Equal(t, 2, errors)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSyncer(t, []string{srv.URL})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())

	entry, err := s.GetSyncStatus(syncID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestManualResyncOnlyFailed(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	s := newSyncer(t, []string{bad.URL})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())
	bad.Close()

	require.NoError(t, s.ManualResync(syncID))
	assert.Equal(t, 1, s.QueueDepth())

	// A second resync of the same (still failed on disk) record works,
	// but resyncing an unknown ID does not.
	assert.Error(t, s.ManualResync("deadbeef"))
}

func TestManualResyncRejectsCompleted(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	s := newSyncer(t, []string{ok.URL})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())

	assert.Error(t, s.ManualResync(syncID))
}

func TestSummaryReport(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	s := newSyncer(t, []string{ok.URL})
	s.Apply("u1", testLimits())
	s.Apply("u2", testLimits())
	s.ProcessQueue(context.Background())

	report, err := s.SummaryReport(7)
	require.NoError(t, err)
	assert.Equal(t, 2, report["total"])
	assert.Equal(t, 2, report["completed"])

	byEndpoint := report["by_endpoint"].(map[string]map[string]int)
	assert.Equal(t, 2, byEndpoint[ok.URL]["success"])
}

func TestListRecentSyncs(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	s := newSyncer(t, []string{ok.URL})
	for i := 0; i < 3; i++ {
		s.Apply("u", testLimits())
	}
	s.ProcessQueue(context.Background())

	entries, err := s.ListRecentSyncs(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNonOKSuccessCodesComplete(t *testing.T) {
	created := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer created.Close()
	noContent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer noContent.Close()

	s := newSyncer(t, []string{created.URL, noContent.URL})
	syncID := s.Apply("user_123", testLimits())
	s.ProcessQueue(context.Background())

	entry, err := s.GetSyncStatus(syncID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusCompleted, entry.Status)
	require.Len(t, entry.Results, 2)
	for _, r := range entry.Results {
		assert.Equal(t, "success", r.Status)
	}
}

func TestCleanupStatusFilesRemovesExpired(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	s := newSyncer(t, []string{ok.URL})
	syncID := s.Apply("u1", testLimits())
	s.ProcessQueue(context.Background())

	// Fresh file survives the sweep.
	assert.Equal(t, 0, s.CleanupStatusFiles())

	path := filepath.Join(s.opts.StatusDir, syncID+".json")
	past := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	assert.Equal(t, 1, s.CleanupStatusFiles())
	assert.NoFileExists(t, path)
}
