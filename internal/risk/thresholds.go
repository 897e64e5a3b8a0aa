package risk

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// ErrInvalidScore is returned when the input score is outside [0,1].
var ErrInvalidScore = errors.New("score must lie in [0,1]")

// VelocityChecker reports whether a user is in a high-velocity burst.
type VelocityChecker interface {
	HighVelocity(userID string) bool
}

// HolidayCalendar reports whether the current period is a holiday.
type HolidayCalendar interface {
	IsHolidayPeriod(t time.Time) bool
}

// Thresholds holds the three level cut points.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// AdaptiveParams are the level-scaling coefficients: each factor is
// base + fraudRate*slope, clipped to [0.5, 1.5].
type AdaptiveParams struct {
	CriticalBase, CriticalSlope float64
	HighBase, HighSlope         float64
	MediumBase, MediumSlope     float64
	FraudCutoff                 float64
	WindowSize                  int
	Interval                    time.Duration
}

// DefaultAdaptiveParams returns the production coefficients.
func DefaultAdaptiveParams() AdaptiveParams {
	return AdaptiveParams{
		CriticalBase: 0.95, CriticalSlope: 0.5,
		HighBase: 0.90, HighSlope: 0.4,
		MediumBase: 0.85, MediumSlope: 0.3,
		FraudCutoff: 0.7,
		WindowSize:  100,
		Interval:    5 * time.Minute,
	}
}

// ThresholdEngine classifies adjusted scores into risk levels with
// hysteresis bands and adapts its thresholds to the observed fraud rate.
type ThresholdEngine struct {
	base                 Thresholds
	hysteresis           Thresholds
	adaptive             AdaptiveParams
	geoRisk              map[string]float64
	merchantBlacklist    map[string]bool
	largeAmountThreshold float64
	velocity             VelocityChecker
	holidays             HolidayCalendar
	logger               *log.Logger
	now                  func() time.Time

	mu               sync.Mutex
	historicalScores []float64
	factors          map[core.RiskLevel]float64
	lastAdjustment   time.Time
}

// EngineOptions configures a ThresholdEngine. Zero values take the
// production defaults.
type EngineOptions struct {
	Base                 Thresholds
	Hysteresis           Thresholds
	Adaptive             AdaptiveParams
	LargeAmountThreshold float64
	Velocity             VelocityChecker
	Holidays             HolidayCalendar
}

// NewThresholdEngine creates a threshold engine.
func NewThresholdEngine(opts EngineOptions) *ThresholdEngine {
	if opts.Base == (Thresholds{}) {
		opts.Base = Thresholds{Critical: 0.95, High: 0.85, Medium: 0.65}
	}
	if opts.Hysteresis == (Thresholds{}) {
		opts.Hysteresis = Thresholds{Critical: 0.02, High: 0.03, Medium: 0.05}
	}
	if opts.Adaptive == (AdaptiveParams{}) {
		opts.Adaptive = DefaultAdaptiveParams()
	}
	if opts.LargeAmountThreshold <= 0 {
		opts.LargeAmountThreshold = 10000
	}
	return &ThresholdEngine{
		base:       opts.Base,
		hysteresis: opts.Hysteresis,
		adaptive:   opts.Adaptive,
		geoRisk: map[string]float64{
			"US": 0.4, "IN": 0.3, "CN": 0.6,
			"RU": 0.8, "NG": 0.7, "BR": 0.5,
		},
		merchantBlacklist:    map[string]bool{"MERC_BLACK_123": true, "MERC_HIGH_RISK_456": true},
		largeAmountThreshold: opts.LargeAmountThreshold,
		velocity:             opts.Velocity,
		holidays:             opts.Holidays,
		logger:               log.New(log.Writer(), "[RiskThresholds] ", log.LstdFlags),
		now:                  time.Now,
		factors: map[core.RiskLevel]float64{
			core.LevelCritical: 1.0,
			core.LevelHigh:     1.0,
			core.LevelMedium:   1.0,
		},
	}
}

// Evaluate applies contextual adjustment to the raw score, classifies
// the result and attaches the action plan. The assessment passed in is
// enriched in place and returned.
func (e *ThresholdEngine) Evaluate(a *core.RiskAssessment, tx *core.Transaction) (*core.RiskAssessment, error) {
	if a.RawScore < 0 || a.RawScore > 1 {
		return nil, ErrInvalidScore
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	adjusted, factors := e.contextualAdjustment(a.RawScore, tx)
	level := e.determineLevel(adjusted)
	actions := e.determineActions(level, tx)

	e.recordScore(adjusted)

	a.AdjustedScore = adjusted
	a.Level = level
	a.Actions = actions
	a.Factors = factors
	return a, nil
}

// contextualAdjustment multiplies the score by the live context
// premiums and the adaptive level factor.
func (e *ThresholdEngine) contextualAdjustment(score float64, tx *core.Transaction) (float64, map[string]float64) {
	adjustment := 1.0
	factors := make(map[string]float64)

	timeAdj := 1.0
	if h := e.now().Hour(); h >= 0 && h < 6 {
		timeAdj = 1.15
	}
	adjustment *= timeAdj
	factors["time_adjustment"] = timeAdj

	geoAdj := e.geoAdjustment(tx.CountryCode)
	adjustment *= geoAdj
	factors["geo_adjustment"] = geoAdj

	merchantAdj := 1.0
	if e.merchantBlacklist[tx.MerchantID] {
		merchantAdj = 1.25
	}
	adjustment *= merchantAdj
	factors["merchant_adjustment"] = merchantAdj

	if e.velocity != nil && e.velocity.HighVelocity(tx.UserID) {
		adjustment *= 1.3
		factors["velocity_adjustment"] = 1.3
	}
	if e.holidays != nil && e.holidays.IsHolidayPeriod(e.now()) {
		adjustment *= 1.1
		factors["holiday_adjustment"] = 1.1
	}

	e.maybeAdjustFactors()
	e.mu.Lock()
	levelAdj, ok := e.factors[e.determineLevelLocked(score)]
	e.mu.Unlock()
	if !ok {
		levelAdj = 1.0
	}
	factors["level_adjustment"] = levelAdj

	adjusted := score * adjustment * levelAdj
	if adjusted > 1 {
		adjusted = 1
	}
	return adjusted, factors
}

func (e *ThresholdEngine) geoAdjustment(countryCode string) float64 {
	if v, ok := e.geoRisk[countryCode]; ok {
		return v
	}
	return 1.0
}

// determineLevel classifies with hysteresis: each level admits entry
// slightly below its threshold, but the strictly-greater tie-break
// keeps a score sitting exactly on a threshold in the band below.
func (e *ThresholdEngine) determineLevel(score float64) core.RiskLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.determineLevelLocked(score)
}

func (e *ThresholdEngine) determineLevelLocked(score float64) core.RiskLevel {
	t := e.currentThresholdsLocked()

	if score >= t.Critical-e.hysteresis.Critical {
		return core.LevelCritical
	}
	if score >= t.High-e.hysteresis.High {
		if score > t.High {
			return core.LevelHigh
		}
		return core.LevelMedium
	}
	if score >= t.Medium-e.hysteresis.Medium {
		if score > t.Medium {
			return core.LevelMedium
		}
		return core.LevelLow
	}
	return core.LevelLow
}

// determineActions maps the level to its action plan plus the
// transaction-specific escalations, deduplicated and sorted.
func (e *ThresholdEngine) determineActions(level core.RiskLevel, tx *core.Transaction) []string {
	var actions []string
	switch level {
	case core.LevelCritical:
		actions = []string{"block", "freeze_account", "alert_soc"}
	case core.LevelHigh:
		actions = []string{"review", "require_2fa", "flag_account"}
	case core.LevelMedium:
		actions = []string{"verify", "delay_settlement"}
	case core.LevelLow:
		actions = []string{"approve"}
	default:
		actions = []string{"review"}
	}

	if len(tx.MerchantID) >= 10 && tx.MerchantID[:10] == "HIGH_RISK_" {
		actions = append(actions, "merchant_investigation")
	}
	if tx.CrossBorder {
		actions = append(actions, "enhanced_kyc_check")
	}
	if tx.Amount > e.largeAmountThreshold {
		actions = append(actions, "manager_approval")
	}

	seen := make(map[string]bool, len(actions))
	out := actions[:0]
	for _, a := range actions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// ADAPTIVE STATE
// ============================================================================

func (e *ThresholdEngine) recordScore(score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.historicalScores = append(e.historicalScores, score)
	if len(e.historicalScores) > 1000 {
		e.historicalScores = e.historicalScores[len(e.historicalScores)-1000:]
	}
}

func (e *ThresholdEngine) maybeAdjustFactors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.now().Sub(e.lastAdjustment) <= e.adaptive.Interval {
		return
	}
	e.adjustFactorsLocked()
	e.lastAdjustment = e.now()
}

// adjustFactorsLocked recomputes the level factors from the fraud rate
// over the recent score window. Needs at least 50 samples.
func (e *ThresholdEngine) adjustFactorsLocked() {
	recent := e.historicalScores
	if len(recent) > e.adaptive.WindowSize {
		recent = recent[len(recent)-e.adaptive.WindowSize:]
	}
	if len(recent) < 50 {
		return
	}

	high := 0
	for _, s := range recent {
		if s > e.adaptive.FraudCutoff {
			high++
		}
	}
	fraudRate := float64(high) / float64(len(recent))

	clip := func(v float64) float64 {
		if v < 0.5 {
			return 0.5
		}
		if v > 1.5 {
			return 1.5
		}
		return v
	}
	e.factors[core.LevelCritical] = clip(e.adaptive.CriticalBase + fraudRate*e.adaptive.CriticalSlope)
	e.factors[core.LevelHigh] = clip(e.adaptive.HighBase + fraudRate*e.adaptive.HighSlope)
	e.factors[core.LevelMedium] = clip(e.adaptive.MediumBase + fraudRate*e.adaptive.MediumSlope)
}

func (e *ThresholdEngine) currentThresholdsLocked() Thresholds {
	return Thresholds{
		Critical: e.base.Critical * e.factors[core.LevelCritical],
		High:     e.base.High * e.factors[core.LevelHigh],
		Medium:   e.base.Medium * e.factors[core.LevelMedium],
	}
}

// CurrentThresholds returns the adaptive thresholds in effect.
func (e *ThresholdEngine) CurrentThresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentThresholdsLocked()
}

// Stats returns engine state for the monitoring endpoint.
func (e *ThresholdEngine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"historical_score_count": len(e.historicalScores),
		"last_adjustment":        e.lastAdjustment,
		"factor_critical":        e.factors[core.LevelCritical],
		"factor_high":            e.factors[core.LevelHigh],
		"factor_medium":          e.factors[core.LevelMedium],
	}
}
