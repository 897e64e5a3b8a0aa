// Package trap arms injected decoys as fraud traps, detects when a
// transaction touches one, captures forensic evidence and fans out
// containment. The engine is a best-effort adjunct to the authoritative
// pipeline: overload drops work instead of blocking it.
package trap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/shadow"
)

const (
	trapIDInfo     = "trap_id_generation"
	queueLimit     = 1000
	defaultWorkers = 4
	anomalyCutoff  = 0.85
	analyzerTick   = 10 * time.Second
)

// ErrQueueFull reports that the analysis queue rejected a submission.
var ErrQueueFull = errors.New("trap analysis queue full")

// Trap is one armed decoy with its trigger history.
type Trap struct {
	TrapID           string       `json:"trap_id"`
	Decoy            shadow.Decoy `json:"decoy_data"`
	ArmedAt          time.Time    `json:"armed_at"`
	TriggerCount     int          `json:"trigger_count"`
	LastTriggered    *time.Time   `json:"last_triggered,omitempty"`
	Evidence         []Evidence   `json:"forensic_evidence"`
	ContextSignature string       `json:"context_signature"`
}

// Evidence is one captured trigger event.
type Evidence struct {
	Timestamp      time.Time         `json:"timestamp"`
	Transaction    core.Transaction  `json:"transaction"`
	SessionContext *shadow.Forensics `json:"session_context,omitempty"`
	Network        NetworkForensics  `json:"network_metadata"`
}

// NetworkForensics is the network-level capture attached to evidence.
type NetworkForensics struct {
	SourceIP       string    `json:"source_ip"`
	CapturedAt     time.Time `json:"captured_at"`
	DNSSnapshot    string    `json:"dns_snapshot,omitempty"`
	TLSFingerprint string    `json:"tls_fingerprint,omitempty"`
}

// IntelligenceReport is the analyzer's per-trap pattern summary.
type IntelligenceReport struct {
	TrapID          string    `json:"trap_id"`
	TriggerCount    int       `json:"trigger_count"`
	TemporalPattern string    `json:"temporal_pattern"`
	GeoCluster      string    `json:"geo_cluster"`
	DeviceDiversity int       `json:"device_diversity"`
	RiskLevel       string    `json:"risk_assessment"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Containment collaborators. Each may fail independently; a failure in
// one never suppresses the others.
type (
	// SessionTerminator tears down the user's shadow session.
	SessionTerminator interface {
		TerminateSession(userID string)
	}
	// IPBlocklist blocks a hostile source address.
	IPBlocklist interface {
		Block(ctx context.Context, ip string) error
	}
	// SnapshotTaker captures system state for the user at trigger time.
	SnapshotTaker interface {
		Capture(ctx context.Context, userID string) error
	}
	// AlertSink receives critical trap alerts.
	AlertSink interface {
		CriticalAlert(title string, details map[string]interface{})
	}
	// AccountFreezer freezes accounts related to the triggering user.
	AccountFreezer interface {
		Freeze(ctx context.Context, userID string) error
	}
)

// Forensics looks up live session context for evidence capture.
type Forensics interface {
	ForensicAnalysis(userID string) *shadow.Forensics
}

// Options configures the engine.
type Options struct {
	ArchiveDir string
	Workers    int

	Sessions   Forensics
	Terminator SessionTerminator
	Blocklist  IPBlocklist
	Snapshots  SnapshotTaker
	Alerts     AlertSink
	Freezer    AccountFreezer
}

// Engine detects trap triggers and executes containment.
type Engine struct {
	mu        sync.Mutex
	active    map[string]*Trap
	triggered map[string]struct{}
	reports   map[string]IntelligenceReport

	queue   chan core.Transaction
	dropped int64

	opts   Options
	logger *log.Logger
	now    func() time.Time
}

// NewEngine creates a trap engine, recovering previously armed traps
// from the archive directory.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	e := &Engine{
		active:    make(map[string]*Trap),
		triggered: make(map[string]struct{}),
		reports:   make(map[string]IntelligenceReport),
		queue:     make(chan core.Transaction, queueLimit),
		opts:      opts,
		logger:    log.New(log.Writer(), "[FraudTrapEngine] ", log.LstdFlags),
		now:       time.Now,
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0o750); err != nil {
			return nil, fmt.Errorf("trap archive dir: %w", err)
		}
		e.recoverTraps()
	}
	return e, nil
}

// AttachShadow wires the shadow session manager in after construction.
// The trap engine must exist before the manager (it is the manager's
// decoy armer), so this link closes the loop. Call before Run.
func (e *Engine) AttachShadow(sessions Forensics, terminator SessionTerminator) {
	e.opts.Sessions = sessions
	e.opts.Terminator = terminator
}

// recoverTraps reloads persisted traps after a restart.
func (e *Engine) recoverTraps() {
	matches, _ := filepath.Glob(filepath.Join(e.opts.ArchiveDir, "*.json"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Printf("load trap %s: %v", path, err)
			continue
		}
		var t Trap
		if err := json.Unmarshal(data, &t); err != nil {
			e.logger.Printf("decode trap %s: %v", path, err)
			continue
		}
		e.active[t.TrapID] = &t
	}
	if len(e.active) > 0 {
		e.logger.Printf("recovered %d armed traps", len(e.active))
	}
}

// Arm registers a decoy as a live trap and persists it crash-safely.
func (e *Engine) Arm(decoy shadow.Decoy) (string, error) {
	trapID, err := generateTrapID(decoy)
	if err != nil {
		return "", err
	}
	sig, err := contextSignature(decoy)
	if err != nil {
		return "", err
	}
	t := &Trap{
		TrapID:           trapID,
		Decoy:            decoy,
		ArmedAt:          e.now().UTC(),
		ContextSignature: sig,
	}

	e.mu.Lock()
	e.active[trapID] = t
	err = e.persistLocked(t)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	e.logger.Printf("armed trap %s for %s", trapID[:12], decoy.Marker)
	return trapID, nil
}

// AnalyzeTransaction submits a transaction for trap analysis without
// blocking. Overload drops the transaction with a warning.
func (e *Engine) AnalyzeTransaction(tx core.Transaction) error {
	select {
	case e.queue <- tx:
		return nil
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Printf("trap analysis queue overloaded, dropping transaction %s", tx.ID)
		return ErrQueueFull
	}
}

// Run starts the detection workers and the forensic analyzer, returning
// when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tx := <-e.queue:
					e.process(ctx, tx)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(analyzerTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.AnalyzeTriggerPatterns()
			}
		}
	}()

	wg.Wait()
}

// process runs one transaction through detection, dedup, capture and
// containment.
func (e *Engine) process(ctx context.Context, tx core.Transaction) {
	trapID := e.detect(tx)
	if trapID == "" {
		return
	}

	e.mu.Lock()
	if _, dup := e.triggered[trapID]; dup {
		e.mu.Unlock()
		return
	}
	e.triggered[trapID] = struct{}{}
	t := e.active[trapID]
	if t == nil {
		// Anomaly-synthesized ID with no armed trap behind it.
		t = &Trap{TrapID: trapID, ArmedAt: e.now().UTC()}
		e.active[trapID] = t
	}
	now := e.now().UTC()
	t.TriggerCount++
	t.LastTriggered = &now

	var sessionCtx *shadow.Forensics
	if e.opts.Sessions != nil {
		sessionCtx = e.opts.Sessions.ForensicAnalysis(tx.UserID)
	}
	t.Evidence = append(t.Evidence, Evidence{
		Timestamp:      now,
		Transaction:    tx,
		SessionContext: sessionCtx,
		Network: NetworkForensics{
			SourceIP:   tx.IPAddress,
			CapturedAt: now,
		},
	})
	if err := e.persistLocked(t); err != nil {
		e.logger.Printf("persist trap %s: %v", trapID[:12], err)
	}
	e.mu.Unlock()

	e.contain(ctx, tx, t)
	e.logger.Printf("TRAP TRIGGERED: %s by %s", trapID[:12], tx.UserID)
}

// detect runs marker, behavioral and anomaly matching in order.
func (e *Engine) detect(tx core.Transaction) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tx.DecoyMarker != "" {
		for trapID, t := range e.active {
			if t.Decoy.Marker == tx.DecoyMarker {
				return trapID
			}
		}
	}
	for trapID, t := range e.active {
		if behavioralMatch(tx, t.Decoy) {
			return trapID
		}
	}
	if e.anomalyScore(tx) > anomalyCutoff {
		data, _ := json.Marshal(tx)
		sum := sha3.Sum256(data)
		return "ANOMALY_" + hex.EncodeToString(sum[:])
	}
	return ""
}

// behavioralMatch flags near-decoy behavior: amounts within 10,
// merchant substring overlap, or timestamps within 30s.
func behavioralMatch(tx core.Transaction, decoy shadow.Decoy) bool {
	if decoy.Amount > 0 {
		d := tx.Amount - decoy.Amount
		if d < 0 {
			d = -d
		}
		if d < 10 {
			return true
		}
	}
	txMerchant := strings.ToLower(tx.MerchantID)
	decoyMerchant := strings.ToLower(decoy.Merchant)
	if txMerchant != "" && decoyMerchant != "" &&
		(strings.Contains(txMerchant, decoyMerchant) || strings.Contains(decoyMerchant, txMerchant)) {
		return true
	}
	if !decoy.Timestamp.IsZero() && !tx.Timestamp.IsZero() {
		dt := tx.Timestamp.Sub(decoy.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		if dt < 30*time.Second {
			return true
		}
	}
	return false
}

// anomalyScore composes per-user velocity signals from the evidence
// already on file. Callers hold the engine lock.
func (e *Engine) anomalyScore(tx core.Transaction) float64 {
	var amountSum float64
	geos := map[string]struct{}{}
	devices := map[string]struct{}{}
	var samples int
	for _, t := range e.active {
		for _, ev := range t.Evidence {
			if ev.Transaction.UserID != tx.UserID {
				continue
			}
			samples++
			amountSum += ev.Transaction.Amount
			if ev.Transaction.CountryCode != "" {
				geos[ev.Transaction.CountryCode] = struct{}{}
			}
			if ev.Transaction.DeviceFingerprint != "" {
				devices[ev.Transaction.DeviceFingerprint] = struct{}{}
			}
		}
	}
	if samples == 0 {
		return 0
	}
	amountVelocity := amountSum / float64(samples)
	geoVelocity := float64(len(geos))
	deviceEntropy := float64(len(devices)) / float64(samples)

	score := amountVelocity/1000 + geoVelocity/100 + deviceEntropy*10
	if score > 1 {
		score = 1
	}
	return score
}

// contain fans out the five countermeasures. Each failure is logged and
// swallowed so the rest still run.
func (e *Engine) contain(ctx context.Context, tx core.Transaction, t *Trap) {
	if e.opts.Terminator != nil {
		e.opts.Terminator.TerminateSession(tx.UserID)
	}
	if e.opts.Blocklist != nil && tx.IPAddress != "" {
		if err := e.opts.Blocklist.Block(ctx, tx.IPAddress); err != nil {
			e.logger.Printf("block %s: %v", tx.IPAddress, err)
		}
	}
	if e.opts.Snapshots != nil {
		if err := e.opts.Snapshots.Capture(ctx, tx.UserID); err != nil {
			e.logger.Printf("snapshot %s: %v", tx.UserID, err)
		}
	}
	if e.opts.Alerts != nil {
		e.opts.Alerts.CriticalAlert("Decoy Transaction Triggered", map[string]interface{}{
			"trap_id":        t.TrapID,
			"transaction_id": tx.ID,
			"user_id":        tx.UserID,
			"decoy_marker":   t.Decoy.Marker,
			"trigger_count":  t.TriggerCount,
		})
	}
	if e.opts.Freezer != nil {
		if err := e.opts.Freezer.Freeze(ctx, tx.UserID); err != nil {
			e.logger.Printf("freeze %s: %v", tx.UserID, err)
		}
	}
}

// AnalyzeTriggerPatterns rebuilds the intelligence report for every
// triggered trap. One report per trap: a re-run replaces the previous
// analysis instead of accumulating duplicates.
func (e *Engine) AnalyzeTriggerPatterns() []IntelligenceReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	var reports []IntelligenceReport
	for trapID := range e.triggered {
		t, ok := e.active[trapID]
		if !ok {
			continue
		}
		var times []time.Time
		geos := map[string]int{}
		devices := map[string]struct{}{}
		for _, ev := range t.Evidence {
			times = append(times, ev.Timestamp)
			if g := ev.Transaction.CountryCode; g != "" {
				geos[g]++
			}
			if d := ev.Transaction.DeviceFingerprint; d != "" {
				devices[d] = struct{}{}
			}
		}
		report := IntelligenceReport{
			TrapID:          trapID,
			TriggerCount:    len(times),
			TemporalPattern: temporalPattern(times),
			GeoCluster:      dominantGeo(geos),
			DeviceDiversity: len(devices),
			RiskLevel:       trapRiskLevel(t),
			GeneratedAt:     e.now().UTC(),
		}
		e.reports[trapID] = report
		reports = append(reports, report)
	}
	return reports
}

// temporalPattern classifies trigger spacing.
func temporalPattern(times []time.Time) string {
	if len(times) < 2 {
		return "isolated"
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	span := times[len(times)-1].Sub(times[0])
	if span < time.Minute {
		return "burst"
	}
	if span < time.Hour {
		return "sustained"
	}
	return "sporadic"
}

func dominantGeo(geos map[string]int) string {
	best, bestN := "", 0
	for g, n := range geos {
		if n > bestN {
			best, bestN = g, n
		}
	}
	if best == "" {
		return "unknown"
	}
	return best
}

func trapRiskLevel(t *Trap) string {
	switch {
	case t.TriggerCount >= 5:
		return "critical"
	case t.TriggerCount >= 2:
		return "high"
	default:
		return "medium"
	}
}

// persistLocked writes a trap atomically: temp file then rename.
func (e *Engine) persistLocked(t *Trap) error {
	if e.opts.ArchiveDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(e.opts.ArchiveDir, t.TrapID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ActiveTraps lists armed traps for monitoring.
func (e *Engine) ActiveTraps() []map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, map[string]interface{}{
			"trap_id":       t.TrapID,
			"decoy_marker":  t.Decoy.Marker,
			"trigger_count": t.TriggerCount,
		})
	}
	return out
}

// TriggeredTraps returns full records for every triggered trap.
func (e *Engine) TriggeredTraps() []Trap {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trap, 0, len(e.triggered))
	for trapID := range e.triggered {
		if t, ok := e.active[trapID]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Reports returns the latest intelligence report per trap, ordered by
// trap ID for stable output.
func (e *Engine) Reports() []IntelligenceReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]IntelligenceReport, 0, len(e.reports))
	for _, r := range e.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrapID < out[j].TrapID })
	return out
}

// Stats reports engine counters for the health endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"active_traps":    len(e.active),
		"triggered_traps": len(e.triggered),
		"queue_depth":     len(e.queue),
		"dropped":         e.dropped,
		"workers":         e.opts.Workers,
	}
}

// generateTrapID derives a unique identifier from the decoy bytes via
// HKDF-SHA3-256 with a fresh random salt.
func generateTrapID(decoy shadow.Decoy) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	data, err := json.Marshal(decoy)
	if err != nil {
		return "", err
	}
	r := hkdf.New(sha3.New256, data, salt, []byte(trapIDInfo))
	id := make([]byte, 32)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// contextSignature binds the trap record to the decoy context.
func contextSignature(decoy shadow.Decoy) (string, error) {
	data, err := json.Marshal(decoy)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
