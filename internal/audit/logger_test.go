package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifi/backend/internal/core"
)

func newLogger(t *testing.T, dir string) *Logger {
	t.Helper()
	l, err := NewLogger(Options{
		Dir:     dir,
		Secret:  "secure_secret_key",
		Writers: 2,
	})
	require.NoError(t, err)
	l.Start()
	t.Cleanup(l.Close)
	return l
}

func record(userID string, daily float64, ts time.Time) *Record {
	return &Record{
		Timestamp: ts,
		UserID:    userID,
		OldLimits: core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000},
		NewLimits: core.LimitSet{Daily: daily, Transaction: daily / 5, Weekly: daily * 7},
		RiskScore: 0.42,
		Signature: ComputeSignature("secure_secret_key", userID, core.LimitSet{Daily: daily}, ts),
	}
}

func TestLogAndSearchByUser(t *testing.T) {
	l := newLogger(t, t.TempDir())

	ts := time.Now().UTC()
	for i, uid := range []string{"U_1", "U_2", "U_3"} {
		require.NoError(t, l.Log(record(uid, float64(1000*(i+1)), ts)))
	}
	l.Flush()

	results, err := l.Search(Query{UserID: "U_2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "U_2", results[0].UserID)
	assert.Equal(t, 2000.0, results[0].NewLimits.Daily)
	assert.Equal(t, 0.42, results[0].RiskScore)
}

func TestSearchByMinDailyLimit(t *testing.T) {
	l := newLogger(t, t.TempDir())

	ts := time.Now().UTC()
	require.NoError(t, l.Log(record("U_low", 500, ts)))
	require.NoError(t, l.Log(record("U_high", 8000, ts)))
	l.Flush()

	min := 1000.0
	results, err := l.Search(Query{MinDailyLimit: &min})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "U_high", results[0].UserID)
}

func TestSearchByTimeWindow(t *testing.T) {
	l := newLogger(t, t.TempDir())

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, l.Log(record("U_old", 1000, old)))
	require.NoError(t, l.Log(record("U_new", 1000, recent)))
	l.Flush()

	start := time.Now().UTC().Add(-time.Hour)
	results, err := l.Search(Query{StartTime: &start})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "U_new", results[0].UserID)
}

func TestRecordsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(Options{Dir: dir, Secret: "secure_secret_key"})
	require.NoError(t, err)
	l.Start()
	require.NoError(t, l.Log(record("U_persist", 1234, time.Now().UTC())))
	l.Flush()
	l.Close()

	// A fresh logger with the same secret reads the persisted salt and
	// can decrypt earlier records.
	l2, err := NewLogger(Options{Dir: dir, Secret: "secure_secret_key"})
	require.NoError(t, err)
	results, err := l2.Search(Query{UserID: "U_persist"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1234.0, results[0].NewLimits.Daily)
}

func TestWrongSecretCannotDecrypt(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(Options{Dir: dir, Secret: "secure_secret_key"})
	require.NoError(t, err)
	l.Start()
	require.NoError(t, l.Log(record("U_sealed", 1000, time.Now().UTC())))
	l.Flush()
	l.Close()

	l2, err := NewLogger(Options{Dir: dir, Secret: "wrong_secret"})
	require.NoError(t, err)
	results, err := l2.Search(Query{UserID: "U_sealed"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLogFilesAreCiphertext(t *testing.T) {
	dir := t.TempDir()
	l := newLogger(t, dir)
	require.NoError(t, l.Log(record("U_secret_user", 1000, time.Now().UTC())))
	l.Flush()

	matches, err := filepath.Glob(filepath.Join(dir, "*.enc"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), "U_secret_user")
}

func TestRotationOnSize(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Options{Dir: dir, Secret: "s3cret", MaxLogSize: 256, Writers: 1})
	require.NoError(t, err)
	l.Start()
	defer l.Close()

	ts := time.Now().UTC()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Log(record("U_rot", 1000, ts.Add(time.Duration(i)*time.Second))))
	}
	l.Flush()

	matches, _ := filepath.Glob(filepath.Join(dir, "*.enc"))
	assert.Greater(t, len(matches), 1)

	// All records still reachable through the index.
	results, err := l.Search(Query{UserID: "U_rot"})
	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestRetentionKeepsCurrentSegment(t *testing.T) {
	dir := t.TempDir()
	l := newLogger(t, dir)
	require.NoError(t, l.Log(record("U_r", 1000, time.Now().UTC())))
	l.Flush()

	// Nothing old enough yet.
	assert.Equal(t, 0, l.EnforceRetention())

	// Back-date a non-current segment.
	stale := filepath.Join(dir, "limits_20200101_000000.enc")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o640))
	past := time.Now().Add(-91 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))
	assert.Equal(t, 1, l.EnforceRetention())
}

func TestExportPackage(t *testing.T) {
	dir := t.TempDir()
	l := newLogger(t, dir)
	require.NoError(t, l.Log(record("U_e", 1000, time.Now().UTC())))
	l.Flush()

	exportDir, err := l.Export(t.TempDir(), "SPEND_CTRL")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(exportDir, "manifest.json"))
	assert.FileExists(t, filepath.Join(exportDir, "checksum.sha256"))
	matches, _ := filepath.Glob(filepath.Join(exportDir, "*.enc"))
	assert.NotEmpty(t, matches)
}

func TestSignatureDiffersPerUser(t *testing.T) {
	ts := time.Now()
	limits := core.LimitSet{Daily: 1000}
	a := ComputeSignature("secret", "U_1", limits, ts)
	b := ComputeSignature("secret", "U_2", limits, ts)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ComputeSignature("secret", "U_1", limits, ts))
}

func TestReadyDetectsMissingSalt(t *testing.T) {
	dir := t.TempDir()
	l := newLogger(t, dir)
	require.NoError(t, l.Ready())

	require.NoError(t, os.Remove(filepath.Join(dir, "key.salt")))
	assert.ErrorContains(t, l.Ready(), "key salt")
}

func TestReadyDetectsRemovedSegment(t *testing.T) {
	dir := t.TempDir()
	l := newLogger(t, dir)

	matches, _ := filepath.Glob(filepath.Join(dir, "*.enc"))
	require.NotEmpty(t, matches)
	for _, path := range matches {
		require.NoError(t, os.Remove(path))
	}
	assert.ErrorContains(t, l.Ready(), "not writable")
}
