package trap

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/shadow"
)

type containmentLog struct {
	mu         sync.Mutex
	terminated []string
	blocked    []string
	captured   []string
	alerts     []string
	frozen     []string
	blockErr   error
}

func (c *containmentLog) TerminateSession(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, userID)
}

func (c *containmentLog) Block(ctx context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = append(c.blocked, ip)
	return c.blockErr
}

func (c *containmentLog) Capture(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, userID)
	return nil
}

func (c *containmentLog) CriticalAlert(title string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, title)
}

func (c *containmentLog) Freeze(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = append(c.frozen, userID)
	return nil
}

func newEngine(t *testing.T, log *containmentLog) *Engine {
	t.Helper()
	opts := Options{ArchiveDir: t.TempDir()}
	if log != nil {
		opts.Terminator = log
		opts.Blocklist = log
		opts.Snapshots = log
		opts.Alerts = log
		opts.Freezer = log
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

func decoy(marker string, amount float64, ts time.Time) shadow.Decoy {
	return shadow.Decoy{
		Marker:    marker,
		DecoyType: shadow.DecoyAmount,
		UserID:    "user_123",
		Amount:    amount,
		Merchant:  "Decoy Merchant Inc",
		Timestamp: ts,
	}
}

func TestArmPersistsTrap(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(Options{ArchiveDir: dir})
	require.NoError(t, err)

	trapID, err := e.Arm(decoy("amt_11112222", 1500, time.Now()))
	require.NoError(t, err)
	assert.Len(t, trapID, 64)
	assert.FileExists(t, filepath.Join(dir, trapID+".json"))

	// No leftover temp file after the atomic rename.
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, matches)
}

func TestTrapIDsUniquePerArm(t *testing.T) {
	e := newEngine(t, nil)
	d := decoy("amt_11112222", 1500, time.Now())
	a, err := e.Arm(d)
	require.NoError(t, err)
	b, err := e.Arm(d)
	require.NoError(t, err)
	// Same decoy, fresh salt each time.
	assert.NotEqual(t, a, b)
}

func TestRecoverTrapsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(Options{ArchiveDir: dir})
	require.NoError(t, err)
	trapID, err := e.Arm(decoy("amt_11112222", 1500, time.Now()))
	require.NoError(t, err)

	e2, err := NewEngine(Options{ArchiveDir: dir})
	require.NoError(t, err)
	traps := e2.ActiveTraps()
	require.Len(t, traps, 1)
	assert.Equal(t, trapID, traps[0]["trap_id"])
}

func TestMarkerMatchTriggersContainment(t *testing.T) {
	log := &containmentLog{}
	e := newEngine(t, log)

	armed := decoy("amt_11112222", 1500, time.Now().Add(-time.Hour))
	trapID, err := e.Arm(armed)
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 4242, MerchantID: "M_other",
		IPAddress: "203.0.113.9", Timestamp: time.Now(), DecoyMarker: "amt_11112222",
	}
	e.process(context.Background(), tx)

	triggered := e.TriggeredTraps()
	require.Len(t, triggered, 1)
	assert.Equal(t, trapID, triggered[0].TrapID)
	assert.Equal(t, 1, triggered[0].TriggerCount)
	require.Len(t, triggered[0].Evidence, 1)
	assert.Equal(t, "TX_1", triggered[0].Evidence[0].Transaction.ID)
	assert.Equal(t, "203.0.113.9", triggered[0].Evidence[0].Network.SourceIP)

	assert.Equal(t, []string{"user_123"}, log.terminated)
	assert.Equal(t, []string{"203.0.113.9"}, log.blocked)
	assert.Equal(t, []string{"user_123"}, log.captured)
	assert.Equal(t, []string{"Decoy Transaction Triggered"}, log.alerts)
	assert.Equal(t, []string{"user_123"}, log.frozen)
}

func TestBehavioralAmountMatch(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	// 1499.99 is within the 10-unit band of the 1500 decoy.
	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 1499.99,
		MerchantID: "M_other", Timestamp: time.Now(),
	}
	e.process(context.Background(), tx)
	assert.Len(t, e.TriggeredTraps(), 1)
}

func TestBehavioralMerchantSubstring(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Arm(decoy("mch_33334444", 9999, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 50,
		MerchantID: "decoy merchant inc", Timestamp: time.Now(),
	}
	e.process(context.Background(), tx)
	assert.Len(t, e.TriggeredTraps(), 1)
}

func TestBehavioralTemporalMatch(t *testing.T) {
	e := newEngine(t, nil)
	now := time.Now()
	_, err := e.Arm(decoy("tim_55556666", 9999, now))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 50,
		MerchantID: "M_other", Timestamp: now.Add(5 * time.Second),
	}
	e.process(context.Background(), tx)
	assert.Len(t, e.TriggeredTraps(), 1)
}

func TestNoMatchNoTrigger(t *testing.T) {
	log := &containmentLog{}
	e := newEngine(t, log)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 42,
		MerchantID: "M_other", Timestamp: time.Now(),
	}
	e.process(context.Background(), tx)
	assert.Empty(t, e.TriggeredTraps())
	assert.Empty(t, log.terminated)
}

func TestDuplicateTriggerDeduped(t *testing.T) {
	log := &containmentLog{}
	e := newEngine(t, log)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 1500,
		MerchantID: "M_other", Timestamp: time.Now(), DecoyMarker: "amt_11112222",
	}
	e.process(context.Background(), tx)
	tx.ID = "TX_2"
	e.process(context.Background(), tx)

	triggered := e.TriggeredTraps()
	require.Len(t, triggered, 1)
	assert.Equal(t, 1, triggered[0].TriggerCount)
	assert.Len(t, log.terminated, 1)
}

func TestContainmentFailuresAreIndependent(t *testing.T) {
	log := &containmentLog{blockErr: errors.New("firewall unreachable")}
	e := newEngine(t, log)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 1500, IPAddress: "203.0.113.9",
		MerchantID: "M_other", Timestamp: time.Now(), DecoyMarker: "amt_11112222",
	}
	e.process(context.Background(), tx)

	// Block failed but everything downstream still ran.
	assert.Len(t, log.blocked, 1)
	assert.Len(t, log.captured, 1)
	assert.Len(t, log.alerts, 1)
	assert.Len(t, log.frozen, 1)
}

func TestQueueOverloadDrops(t *testing.T) {
	e := newEngine(t, nil)
	tx := core.Transaction{ID: "TX", UserID: "u", MerchantID: "m", Timestamp: time.Now()}
	for i := 0; i < queueLimit; i++ {
		require.NoError(t, e.AnalyzeTransaction(tx))
	}
	assert.ErrorIs(t, e.AnalyzeTransaction(tx), ErrQueueFull)
	assert.Equal(t, int64(1), e.Stats()["dropped"])
}

func TestIntelligenceReports(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	now := time.Now()
	for i, cc := range []string{"RU", "RU", "NG"} {
		tx := core.Transaction{
			ID: "TX_" + cc, UserID: "user_123", Amount: 1500,
			MerchantID: "M_other", Timestamp: now,
			CountryCode: cc, DeviceFingerprint: "dev_" + cc,
			DecoyMarker: "amt_11112222",
		}
		// Dedup blocks repeat containment but the first trigger files
		// evidence; add the rest directly.
		if i == 0 {
			e.process(context.Background(), tx)
		} else {
			e.mu.Lock()
			for _, tr := range e.active {
				tr.Evidence = append(tr.Evidence, Evidence{Timestamp: now.Add(time.Duration(i) * time.Second), Transaction: tx})
			}
			e.mu.Unlock()
		}
	}

	reports := e.AnalyzeTriggerPatterns()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, 3, r.TriggerCount)
	assert.Equal(t, "burst", r.TemporalPattern)
	assert.Equal(t, "RU", r.GeoCluster)
	assert.Equal(t, 2, r.DeviceDiversity)
	assert.Equal(t, "medium", r.RiskLevel)
}

func TestTemporalPatternClasses(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "isolated", temporalPattern([]time.Time{now}))
	assert.Equal(t, "burst", temporalPattern([]time.Time{now, now.Add(10 * time.Second)}))
	assert.Equal(t, "sustained", temporalPattern([]time.Time{now, now.Add(30 * time.Minute)}))
	assert.Equal(t, "sporadic", temporalPattern([]time.Time{now, now.Add(3 * time.Hour)}))
}

func TestRepeatedAnalysisKeepsOneReportPerTrap(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.Arm(decoy("amt_11112222", 1500, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	tx := core.Transaction{
		ID: "TX_1", UserID: "user_123", Amount: 1500,
		MerchantID: "M_other", Timestamp: time.Now(), DecoyMarker: "amt_11112222",
	}
	e.process(context.Background(), tx)

	for i := 0; i < 5; i++ {
		e.AnalyzeTriggerPatterns()
	}

	reports := e.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].TriggerCount)
}
