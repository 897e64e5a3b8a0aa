// Package controller orchestrates the per-transaction pipeline: intake
// queues, profile resolution, risk scoring, limit recomputation, sync,
// audit, and the containment side channel.
package controller

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fortifi/backend/internal/audit"
	"github.com/fortifi/backend/internal/circuitbreaker"
	"github.com/fortifi/backend/internal/core"
	"github.com/fortifi/backend/internal/limits"
	"github.com/fortifi/backend/internal/limitsync"
	"github.com/fortifi/backend/internal/monitoring"
	"github.com/fortifi/backend/internal/profile"
	"github.com/fortifi/backend/internal/queue"
	"github.com/fortifi/backend/internal/risk"
	"github.com/fortifi/backend/internal/shadow"
	"github.com/fortifi/backend/internal/trap"
	"github.com/fortifi/backend/internal/websocket"
)

// Decisions the pipeline can reach.
const (
	DecisionApproved = "approved"
	DecisionFlagged  = "flagged"
	DecisionDeclined = "declined"
	DecisionFailed   = "failed"
)

const (
	emergencyCategory  = "chargeback_reversal"
	materialityCutoff  = 0.01
	defaultWorkers     = 32
	defaultPollTimeout = time.Second
	laneBuffer         = 64
)

// ErrProfileUnavailable is returned when the profile dependency's
// breaker is open and the pipeline fails fast.
var ErrProfileUnavailable = errors.New("profile service unavailable")

// Result is the pipeline outcome for one transaction.
type Result struct {
	Transaction *core.Transaction    `json:"transaction"`
	Assessment  *core.RiskAssessment `json:"assessment,omitempty"`
	Limits      core.LimitSet        `json:"limits"`
	Decision    string               `json:"decision"`
	SyncID      string               `json:"sync_id,omitempty"`
	Emergency   bool                 `json:"emergency"`
	Err         string               `json:"error,omitempty"`
}

// Options wires the controller's collaborators and tunables.
type Options struct {
	Workers              int
	LargeAmountThreshold float64
	MonitorInterval      time.Duration
	PollTimeout          time.Duration
	AuditSecret          string

	General   *queue.PriorityQueue
	Emergency *queue.EmergencyQueue
	Profiles  *profile.Fetcher
	Breakers  *circuitbreaker.Manager
	Scorer    *risk.Scorer
	Levels    *risk.ThresholdEngine
	Limits    *limits.Engine
	Market    *limits.MarketMonitor
	Syncer    *limitsync.Syncer
	Audit     *audit.Logger
	Monitor   *monitoring.MonitoringSystem
	Streamer  *websocket.EventStreamer
	Shadow    *shadow.Manager
	Traps     *trap.Engine
}

// Controller is the spend control pipeline head.
type Controller struct {
	opts   Options
	logger *log.Logger
	lanes  []chan *core.Transaction
	now    func() time.Time

	mu        sync.Mutex
	processed int64
	rejected  int64
}

// New creates a controller. Queues, profile fetcher, scorer, threshold
// engine and limits engine are required; everything else degrades to a
// no-op when nil.
func New(opts Options) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 10 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	c := &Controller{
		opts:   opts,
		logger: log.New(log.Writer(), "[SpendController] ", log.LstdFlags),
		now:    time.Now,
	}
	c.lanes = make([]chan *core.Transaction, opts.Workers)
	for i := range c.lanes {
		c.lanes[i] = make(chan *core.Transaction, laneBuffer)
	}
	return c
}

// ProcessTransaction validates and enqueues a transaction. Emergencies
// bypass the priority queue. Queue overflow is reported, never silent.
func (c *Controller) ProcessTransaction(tx *core.Transaction, priority int) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	tx.Status = core.StatusPending

	if c.isEmergency(tx) {
		if err := c.opts.Emergency.Enqueue(tx); err != nil {
			c.noteRejection()
			return err
		}
		return nil
	}
	if err := c.opts.General.Enqueue(tx, priority); err != nil {
		c.noteRejection()
		return err
	}
	return nil
}

// isEmergency marks transactions that skip the priority queue: large
// amounts and chargeback reversals.
func (c *Controller) isEmergency(tx *core.Transaction) bool {
	if c.opts.LargeAmountThreshold > 0 && tx.Amount > c.opts.LargeAmountThreshold {
		return true
	}
	return tx.MerchantCategory == emergencyCategory
}

func (c *Controller) noteRejection() {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordError("queue_full", "intake queue rejected transaction", "enqueue", "warning")
	}
}

// Run starts the dispatcher, the worker lanes, the emergency worker and
// the monitor loop, blocking until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup

	// Same user always lands on the same lane, which preserves
	// per-user FIFO within a priority bucket.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for _, lane := range c.lanes {
				close(lane)
			}
		}()
		for {
			item, err := c.opts.General.Dequeue(ctx, c.opts.PollTimeout)
			if err != nil {
				return
			}
			if item == nil {
				continue
			}
			c.lanes[laneFor(item.Tx.UserID, len(c.lanes))] <- item.Tx
		}
	}()

	for _, lane := range c.lanes {
		wg.Add(1)
		go func(lane chan *core.Transaction) {
			defer wg.Done()
			for tx := range lane {
				c.runPipeline(ctx, tx, false)
			}
		}(lane)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			tx, err := c.opts.Emergency.Dequeue(ctx)
			if err != nil {
				return
			}
			c.runPipeline(ctx, tx, true)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.monitorOnce()
			}
		}
	}()

	wg.Wait()
}

func laneFor(userID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(lanes))
}

// runPipeline executes the five-step pipeline for one transaction.
func (c *Controller) runPipeline(ctx context.Context, tx *core.Transaction, emergency bool) *Result {
	start := c.now()
	result := c.execute(ctx, tx, emergency)
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()

	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordTransaction(result.Decision, c.now().Sub(start))
	}
	return result
}

func (c *Controller) execute(ctx context.Context, tx *core.Transaction, emergency bool) *Result {
	result := &Result{Transaction: tx, Emergency: emergency}

	// Decoy hits divert straight into the trap engine; they are not
	// real spend.
	if tx.DecoyMarker != "" && c.opts.Traps != nil {
		c.opts.Traps.AnalyzeTransaction(*tx)
		tx.Status = core.StatusInvalidated
		result.Decision = DecisionDeclined
		return result
	}

	// 1. Profile, fail-fast when the breaker is open.
	profileBreaker := c.breaker("profile_service")
	if profileBreaker != nil {
		if err := profileBreaker.Allow(); err != nil {
			tx.Status = core.StatusInvalidated
			result.Decision = DecisionFailed
			result.Err = ErrProfileUnavailable.Error()
			c.recordError("profile_unavailable", tx.ID)
			return result
		}
	}
	userProfile := c.opts.Profiles.GetFullProfile(ctx, tx.UserID)

	// 2. Risk. An open risk breaker degrades to rule-only scoring.
	assessment, err := c.assess(tx, userProfile)
	if err != nil {
		tx.Status = core.StatusInvalidated
		result.Decision = DecisionFailed
		result.Err = err.Error()
		c.recordError("risk_assessment", tx.ID)
		return result
	}
	result.Assessment = assessment
	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordRiskLevel(string(assessment.Level))
	}
	if c.opts.Streamer != nil {
		c.opts.Streamer.StreamRiskAssessed(tx.ID, tx.UserID, assessment.AdjustedScore, string(assessment.Level))
	}

	// 3. Limits. A computation failure skips sync, never the pipeline.
	current := c.opts.Limits.CurrentLimits(tx.UserID)
	newLimits, limitsErr := c.computeLimits(current, assessment, tx)
	if limitsErr != nil {
		c.logger.Printf("limit computation failed for %s: %v", tx.UserID, limitsErr)
		newLimits = current
	}
	result.Limits = newLimits

	// 4. Material changes propagate and leave an audit trail.
	if limitsErr == nil && newLimits.MaxRelativeDelta(current) >= materialityCutoff {
		result.SyncID = c.propagate(tx.UserID, current, newLimits, assessment)
	}

	// 5. Decision and containment.
	result.Decision = decisionFor(assessment.Level)
	switch result.Decision {
	case DecisionDeclined:
		tx.Status = core.StatusLocked
	default:
		tx.Status = core.StatusSafe
	}

	if emergency || assessment.Level == core.LevelCritical {
		c.contain(tx, assessment)
	}
	c.mirror(tx)
	if c.opts.Traps != nil {
		c.opts.Traps.AnalyzeTransaction(*tx)
	}
	return result
}

// assess scores the transaction, honoring the risk breaker.
func (c *Controller) assess(tx *core.Transaction, userProfile *core.UserProfile) (*core.RiskAssessment, error) {
	riskBreaker := c.breaker("risk_service")
	var (
		assessment *core.RiskAssessment
		err        error
	)
	if riskBreaker != nil && riskBreaker.Allow() != nil {
		assessment, err = c.opts.Scorer.RuleOnlyScore(tx, userProfile)
	} else {
		assessment, err = c.opts.Scorer.Score(tx, userProfile)
		if riskBreaker != nil {
			if err != nil {
				riskBreaker.RecordFailure()
			} else {
				riskBreaker.RecordSuccess()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return c.opts.Levels.Evaluate(assessment, tx)
}

// computeLimits recomputes the user's limits, converting panics from
// pathological inputs into errors.
func (c *Controller) computeLimits(current core.LimitSet, assessment *core.RiskAssessment, tx *core.Transaction) (out core.LimitSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("limit engine panic: %v", r)
		}
	}()
	market := core.MarketConditions{}
	if c.opts.Market != nil {
		market = c.opts.Market.Current()
	}
	out = c.opts.Limits.CalculateLimits(current, assessment, market, tx.CountryCode)
	return out, nil
}

// propagate syncs a material limit change and writes the audit entry.
func (c *Controller) propagate(userID string, old, new core.LimitSet, assessment *core.RiskAssessment) string {
	var syncID string
	if c.opts.Syncer != nil {
		syncID = c.opts.Syncer.Apply(userID, new)
	}
	if c.opts.Audit != nil {
		ts := c.now().UTC()
		rec := &audit.Record{
			Timestamp: ts,
			UserID:    userID,
			OldLimits: old,
			NewLimits: new,
			RiskScore: assessment.AdjustedScore,
			Signature: audit.ComputeSignature(c.opts.AuditSecret, userID, new, ts),
		}
		if err := c.opts.Audit.Log(rec); err != nil {
			c.logger.Printf("audit log for %s: %v", userID, err)
		}
	}
	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordLimitAdjustment(new.Daily > old.Daily)
	}
	if c.opts.Streamer != nil {
		c.opts.Streamer.StreamLimitAdjusted(userID, new.Daily, new.Transaction, new.Weekly)
	}
	return syncID
}

// contain opens a shadow session for the user and emits the alert
// stream. Already-shadowed users are left alone.
func (c *Controller) contain(tx *core.Transaction, assessment *core.RiskAssessment) {
	if c.opts.Shadow != nil {
		err := c.opts.Shadow.StartShadowing(tx.UserID, shadow.Context{
			UserID:            tx.UserID,
			DeviceFingerprint: tx.DeviceFingerprint,
			IPAddress:         tx.IPAddress,
			RiskScore:         assessment.AdjustedScore,
			TransactionSum:    tx.Amount,
		})
		if err == nil && c.opts.Streamer != nil {
			c.opts.Streamer.StreamShadowOpened(uuid.NewString(), tx.UserID, string(assessment.Level))
		}
	}
	if c.opts.Streamer != nil {
		c.opts.Streamer.StreamAlert(uuid.NewString(), "critical",
			fmt.Sprintf("high-risk transaction %s for %s", tx.ID, tx.UserID))
	}
}

// mirror records the transaction into an active shadow session, if any.
func (c *Controller) mirror(tx *core.Transaction) {
	if c.opts.Shadow == nil {
		return
	}
	key, ok := c.opts.Shadow.MACKey(tx.UserID)
	if !ok {
		return
	}
	nonce := uuid.NewString()
	tag := shadow.SignTransaction(key, *tx, nonce)
	if err := c.opts.Shadow.RecordTransaction(tx.UserID, *tx, nonce, tag); err != nil {
		c.logger.Printf("mirror %s: %v", tx.ID, err)
	}
}

// monitorOnce advances breaker reset scans and publishes queue gauges.
func (c *Controller) monitorOnce() {
	now := c.now()
	if c.opts.Breakers != nil {
		c.opts.Breakers.ResetScan(now)
	}
	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordQueueDepth("general", c.opts.General.Len())
		c.opts.Monitor.RecordQueueDepth("emergency", c.opts.Emergency.Len())
		if c.opts.Shadow != nil {
			c.opts.Monitor.RecordShadowCount(len(c.opts.Shadow.ActiveSessions()))
		}
	}
	// Saturation above 90% of capacity is worth an operator alert well
	// before enqueue starts rejecting.
	if capacity := c.opts.General.Capacity(); capacity > 0 {
		if depth := c.opts.General.Len(); float64(depth)/float64(capacity) > 0.9 {
			c.logger.Printf("general queue at %d/%d", depth, capacity)
			if c.opts.Monitor != nil {
				c.opts.Monitor.RecordError("queue_saturation",
					fmt.Sprintf("general queue at %d/%d", depth, capacity), "monitor", "warning")
			}
		}
	}
}

func (c *Controller) breaker(name string) *circuitbreaker.CircuitBreaker {
	if c.opts.Breakers == nil {
		return nil
	}
	return c.opts.Breakers.Get(name)
}

func (c *Controller) recordError(errorType, txID string) {
	if c.opts.Monitor != nil {
		c.opts.Monitor.RecordError(errorType, "pipeline failure for "+txID, "pipeline", "error")
	}
}

func decisionFor(level core.RiskLevel) string {
	switch level {
	case core.LevelCritical:
		return DecisionDeclined
	case core.LevelHigh:
		return DecisionFlagged
	default:
		return DecisionApproved
	}
}

// Stats reports controller counters for the health endpoint.
func (c *Controller) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"workers":   len(c.lanes),
		"processed": c.processed,
		"rejected":  c.rejected,
		"general":   c.opts.General.Stats(),
		"emergency": c.opts.Emergency.Stats(),
	}
}
