package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// REAL-TIME PIPELINE MONITORING
// ============================================================================

// MonitoringSystem tracks live pipeline metrics, error records and alerts.
// Counters are mirrored into prometheus collectors so the /metrics
// endpoint and the JSON stats endpoint stay consistent.
type MonitoringSystem struct {
	mu sync.RWMutex

	// Live metrics
	metrics *LiveMetrics

	// Performance tracking
	latencyHistogram map[string]*LatencyBucket

	// Error tracking
	errors map[string]*ErrorRecord

	// Historical data
	historicalMetrics []*MetricsSnapshot

	// Alerts
	alerts     []*Alert
	alertRules []*AlertRule

	// Prometheus collectors
	txProcessed   *prometheus.CounterVec
	riskLevels    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	limitAdjusted prometheus.Counter
	trapsSprung   prometheus.Counter
	processingDur prometheus.Histogram
}

// LiveMetrics contains real-time pipeline metrics
type LiveMetrics struct {
	// Transaction pipeline
	TotalTransactions     int64
	ApprovedTransactions  int64
	BlockedTransactions   int64
	RejectedTransactions  int64
	AverageProcessingTime float64 // milliseconds

	// Risk distribution
	LowRiskCount      int64
	MediumRiskCount   int64
	HighRiskCount     int64
	CriticalRiskCount int64

	// Containment
	PhantomsGenerated int64
	ActiveShadows     int64
	TrapsDeployed     int64
	TrapsSprung       int64

	// Limits
	LimitAdjustments int64
	LimitIncreases   int64
	LimitDecreases   int64
	SyncFailures     int64

	// System
	ErrorRate float64

	LastUpdated time.Time
}

// LatencyBucket tracks latency distribution for one operation
type LatencyBucket struct {
	Operation string
	Min       float64
	Max       float64
	Count     int64
	Sum       float64
}

// Mean returns the average latency in milliseconds.
func (b *LatencyBucket) Mean() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

// ErrorRecord tracks an error occurrence
type ErrorRecord struct {
	ErrorID   string
	ErrorType string
	Message   string
	Operation string
	Timestamp time.Time
	Count     int64
	LastSeen  time.Time
	Severity  string // "low", "medium", "high", "critical"
	Resolved  bool
}

// MetricsSnapshot captures metrics at a point in time
type MetricsSnapshot struct {
	Timestamp time.Time
	Metrics   LiveMetrics
}

// Alert represents a triggered alert
type Alert struct {
	AlertID     string
	RuleID      string
	Severity    string
	Title       string
	Message     string
	TriggeredAt time.Time
	Resolved    bool
	ResolvedAt  *time.Time
	Metadata    map[string]interface{}
}

// AlertRule defines a threshold condition evaluated against live metrics.
type AlertRule struct {
	RuleID        string
	Name          string
	Severity      string
	Enabled       bool
	Cooldown      time.Duration
	LastTriggered *time.Time

	// Condition returns true when the rule should fire.
	Condition func(m *LiveMetrics) bool
}

// NewMonitoringSystem creates a monitoring system and registers its
// collectors with reg. A nil reg skips prometheus registration, which
// the tests use to avoid duplicate-collector panics.
func NewMonitoringSystem(reg prometheus.Registerer) *MonitoringSystem {
	ms := &MonitoringSystem{
		metrics:           &LiveMetrics{LastUpdated: time.Now()},
		latencyHistogram:  make(map[string]*LatencyBucket),
		errors:            make(map[string]*ErrorRecord),
		historicalMetrics: make([]*MetricsSnapshot, 0),
		alerts:            make([]*Alert, 0),
		alertRules:        make([]*AlertRule, 0),

		txProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fortifi",
			Name:      "transactions_total",
			Help:      "Transactions processed by final decision.",
		}, []string{"decision"}),
		riskLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fortifi",
			Name:      "risk_assessments_total",
			Help:      "Risk assessments by resulting level.",
		}, []string{"level"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fortifi",
			Name:      "queue_depth",
			Help:      "Current depth of the intake queues.",
		}, []string{"queue"}),
		limitAdjusted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fortifi",
			Name:      "limit_adjustments_total",
			Help:      "Material limit adjustments applied.",
		}),
		trapsSprung: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fortifi",
			Name:      "traps_sprung_total",
			Help:      "Decoy traps triggered by an attacker.",
		}),
		processingDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fortifi",
			Name:      "transaction_processing_seconds",
			Help:      "End-to-end transaction processing duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(ms.txProcessed, ms.riskLevels, ms.queueDepth,
			ms.limitAdjusted, ms.trapsSprung, ms.processingDur)
	}

	ms.installDefaultRules()
	return ms
}

func (ms *MonitoringSystem) installDefaultRules() {
	ms.alertRules = append(ms.alertRules,
		&AlertRule{
			RuleID:   "error_rate",
			Name:     "Pipeline error rate above 5%",
			Severity: "high",
			Enabled:  true,
			Cooldown: 5 * time.Minute,
			Condition: func(m *LiveMetrics) bool {
				return m.ErrorRate > 0.05
			},
		},
		&AlertRule{
			RuleID:   "critical_risk_burst",
			Name:     "Critical risk assessments exceed 10% of traffic",
			Severity: "critical",
			Enabled:  true,
			Cooldown: 5 * time.Minute,
			Condition: func(m *LiveMetrics) bool {
				if m.TotalTransactions < 100 {
					return false
				}
				return float64(m.CriticalRiskCount)/float64(m.TotalTransactions) > 0.10
			},
		},
		&AlertRule{
			RuleID:   "sync_failures",
			Name:     "Limit sync failures accumulating",
			Severity: "medium",
			Enabled:  true,
			Cooldown: 10 * time.Minute,
			Condition: func(m *LiveMetrics) bool {
				return m.SyncFailures > 10
			},
		},
	)
}

// ============================================================================
// METRICS RECORDING
// ============================================================================

// RecordTransaction records one processed transaction with its final
// decision ("approved", "blocked", "rejected") and processing duration.
func (ms *MonitoringSystem) RecordTransaction(decision string, duration time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.metrics.TotalTransactions++
	switch decision {
	case "approved":
		ms.metrics.ApprovedTransactions++
	case "blocked":
		ms.metrics.BlockedTransactions++
	case "rejected":
		ms.metrics.RejectedTransactions++
	}

	alpha := 0.1
	ms.metrics.AverageProcessingTime = alpha*float64(duration.Milliseconds()) +
		(1-alpha)*ms.metrics.AverageProcessingTime

	ms.recordLatencyUnsafe("transaction", float64(duration.Milliseconds()))
	ms.txProcessed.WithLabelValues(decision).Inc()
	ms.processingDur.Observe(duration.Seconds())

	ms.checkAlertRulesUnsafe()
	ms.metrics.LastUpdated = time.Now()
}

// RecordRiskLevel records one risk assessment outcome.
func (ms *MonitoringSystem) RecordRiskLevel(level string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch level {
	case "low":
		ms.metrics.LowRiskCount++
	case "medium":
		ms.metrics.MediumRiskCount++
	case "high":
		ms.metrics.HighRiskCount++
	case "critical":
		ms.metrics.CriticalRiskCount++
	}
	ms.riskLevels.WithLabelValues(level).Inc()
	ms.checkAlertRulesUnsafe()
	ms.metrics.LastUpdated = time.Now()
}

// RecordQueueDepth reports the current depth of a named queue.
func (ms *MonitoringSystem) RecordQueueDepth(queue string, depth int) {
	ms.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordLimitAdjustment records a material limit change; increased
// reports whether the daily limit went up.
func (ms *MonitoringSystem) RecordLimitAdjustment(increased bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.metrics.LimitAdjustments++
	if increased {
		ms.metrics.LimitIncreases++
	} else {
		ms.metrics.LimitDecreases++
	}
	ms.limitAdjusted.Inc()
	ms.metrics.LastUpdated = time.Now()
}

// RecordSyncFailure records a failed limit sync run.
func (ms *MonitoringSystem) RecordSyncFailure() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics.SyncFailures++
	ms.checkAlertRulesUnsafe()
}

// RecordPhantomGenerated records one generated phantom transaction.
func (ms *MonitoringSystem) RecordPhantomGenerated() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics.PhantomsGenerated++
}

// RecordShadowCount reports the number of active shadow sessions.
func (ms *MonitoringSystem) RecordShadowCount(n int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics.ActiveShadows = int64(n)
}

// RecordTrapDeployed records one deployed decoy trap.
func (ms *MonitoringSystem) RecordTrapDeployed() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics.TrapsDeployed++
}

// RecordTrapSprung records one triggered trap.
func (ms *MonitoringSystem) RecordTrapSprung() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.metrics.TrapsSprung++
	ms.trapsSprung.Inc()
}

// RecordError records an error occurrence and re-evaluates alert rules.
func (ms *MonitoringSystem) RecordError(errorType, message, operation, severity string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	errorKey := errorType + ":" + message
	if existing, ok := ms.errors[errorKey]; ok {
		existing.Count++
		existing.LastSeen = time.Now()
	} else {
		ms.errors[errorKey] = &ErrorRecord{
			ErrorID:   "err_" + uuid.NewString()[:8],
			ErrorType: errorType,
			Message:   message,
			Operation: operation,
			Timestamp: time.Now(),
			Count:     1,
			LastSeen:  time.Now(),
			Severity:  severity,
		}
	}

	ms.updateErrorRateUnsafe()
	ms.checkAlertRulesUnsafe()
	ms.metrics.LastUpdated = time.Now()
}

// ============================================================================
// METRICS RETRIEVAL
// ============================================================================

// GetLiveMetrics returns a copy of the current live metrics
func (ms *MonitoringSystem) GetLiveMetrics() *LiveMetrics {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	metrics := *ms.metrics
	return &metrics
}

// GetLatencyMetrics returns latency metrics for an operation
func (ms *MonitoringSystem) GetLatencyMetrics(operation string) *LatencyBucket {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	bucket, ok := ms.latencyHistogram[operation]
	if !ok {
		return nil
	}
	bucketCopy := *bucket
	return &bucketCopy
}

// GetRecentErrors returns unresolved errors, most recent first.
func (ms *MonitoringSystem) GetRecentErrors(limit int) []*ErrorRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	errs := make([]*ErrorRecord, 0, len(ms.errors))
	for _, e := range ms.errors {
		if !e.Resolved {
			errs = append(errs, e)
		}
	}
	for i := 0; i < len(errs)-1; i++ {
		for j := 0; j < len(errs)-i-1; j++ {
			if errs[j].LastSeen.Before(errs[j+1].LastSeen) {
				errs[j], errs[j+1] = errs[j+1], errs[j]
			}
		}
	}
	if limit > 0 && limit < len(errs) {
		errs = errs[:limit]
	}
	return errs
}

// GetActiveAlerts returns alerts that have not been resolved.
func (ms *MonitoringSystem) GetActiveAlerts() []*Alert {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	active := make([]*Alert, 0)
	for _, alert := range ms.alerts {
		if !alert.Resolved {
			active = append(active, alert)
		}
	}
	return active
}

// GetHistoricalMetrics returns snapshots within [start, end].
func (ms *MonitoringSystem) GetHistoricalMetrics(start, end time.Time) []*MetricsSnapshot {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	snapshots := make([]*MetricsSnapshot, 0)
	for _, snapshot := range ms.historicalMetrics {
		if snapshot.Timestamp.After(start) && snapshot.Timestamp.Before(end) {
			snapshots = append(snapshots, snapshot)
		}
	}
	return snapshots
}

// ============================================================================
// ALERT MANAGEMENT
// ============================================================================

// AddAlertRule adds a new alert rule
func (ms *MonitoringSystem) AddAlertRule(rule *AlertRule) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.alertRules = append(ms.alertRules, rule)
}

// ResolveAlert marks an alert resolved by ID.
func (ms *MonitoringSystem) ResolveAlert(alertID string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, alert := range ms.alerts {
		if alert.AlertID == alertID && !alert.Resolved {
			now := time.Now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			return true
		}
	}
	return false
}

// checkAlertRulesUnsafe evaluates all rules. Callers hold ms.mu.
func (ms *MonitoringSystem) checkAlertRulesUnsafe() {
	for _, rule := range ms.alertRules {
		if !rule.Enabled || rule.Condition == nil {
			continue
		}
		if rule.LastTriggered != nil && time.Since(*rule.LastTriggered) < rule.Cooldown {
			continue
		}
		if rule.Condition(ms.metrics) {
			ms.triggerAlertUnsafe(rule)
		}
	}
}

// triggerAlertUnsafe records a fired rule. Callers hold ms.mu.
func (ms *MonitoringSystem) triggerAlertUnsafe(rule *AlertRule) {
	alert := &Alert{
		AlertID:     "alert_" + uuid.NewString()[:8],
		RuleID:      rule.RuleID,
		Severity:    rule.Severity,
		Title:       rule.Name,
		Message:     "Alert condition met: " + rule.Name,
		TriggeredAt: time.Now(),
		Metadata:    make(map[string]interface{}),
	}
	ms.alerts = append(ms.alerts, alert)

	now := time.Now()
	rule.LastTriggered = &now
}

// ============================================================================
// HELPERS
// ============================================================================

func (ms *MonitoringSystem) updateErrorRateUnsafe() {
	if ms.metrics.TotalTransactions == 0 {
		return
	}
	var totalErrors int64
	for _, e := range ms.errors {
		totalErrors += e.Count
	}
	ms.metrics.ErrorRate = float64(totalErrors) / float64(ms.metrics.TotalTransactions)
}

func (ms *MonitoringSystem) recordLatencyUnsafe(operation string, latencyMs float64) {
	bucket, ok := ms.latencyHistogram[operation]
	if !ok {
		bucket = &LatencyBucket{
			Operation: operation,
			Min:       latencyMs,
			Max:       latencyMs,
		}
		ms.latencyHistogram[operation] = bucket
	}

	bucket.Count++
	bucket.Sum += latencyMs
	if latencyMs < bucket.Min {
		bucket.Min = latencyMs
	}
	if latencyMs > bucket.Max {
		bucket.Max = latencyMs
	}
}

// SnapshotMetrics appends a point-in-time copy of the live metrics,
// keeping the last 24 hours.
func (ms *MonitoringSystem) SnapshotMetrics() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.historicalMetrics = append(ms.historicalMetrics, &MetricsSnapshot{
		Timestamp: time.Now(),
		Metrics:   *ms.metrics,
	})

	cutoff := time.Now().Add(-24 * time.Hour)
	filtered := make([]*MetricsSnapshot, 0, len(ms.historicalMetrics))
	for _, s := range ms.historicalMetrics {
		if s.Timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	ms.historicalMetrics = filtered
}
