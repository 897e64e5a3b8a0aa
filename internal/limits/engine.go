// Package limits implements adaptive per-user spending limit
// computation: risk pulls limits toward a target, behavior sets the
// adjustment rate, market conditions scale the target, and sustained
// usage decays the result.
package limits

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// PolicyConstraints supplies the regulatory caps for a location.
// A cap of 0 means no cap configured.
type PolicyConstraints interface {
	LocationCaps(location string) (maxDaily, maxTransaction, maxWeekly float64)
}

// UsageFunc reports a user's recent limit usage as a fraction in [0,1].
type UsageFunc func(userID string) float64

// HistoryEntry is one adjustment record in a user's state history.
type HistoryEntry struct {
	Timestamp time.Time             `json:"timestamp"`
	RiskScore float64               `json:"risk_score"`
	Market    core.MarketConditions `json:"market_conditions"`
	Usage     float64               `json:"usage"`
}

// UserState tracks the per-user adjustment state.
type UserState struct {
	CurrentLimits        core.LimitSet  `json:"current_limits"`
	History              []HistoryEntry `json:"history"`
	ConsecutiveApprovals int            `json:"consecutive_approvals"`
	RecentDeclines       int            `json:"recent_declines"`
	LastUpdated          time.Time      `json:"last_updated"`
}

// Options configures the engine.
type Options struct {
	BaseLimits    core.LimitSet
	DecayRate     float64
	HistoryWindow int
	InactiveAfter time.Duration
	Policy        PolicyConstraints
	Usage         UsageFunc
}

// Engine computes adaptive limits and owns the per-user state table.
type Engine struct {
	base          core.LimitSet
	decayRate     float64
	historyWindow int
	inactiveAfter time.Duration
	policy        PolicyConstraints
	usage         UsageFunc
	logger        *log.Logger
	now           func() time.Time

	mu     sync.Mutex
	states map[string]*UserState
}

// NewEngine creates a limit engine.
func NewEngine(opts Options) *Engine {
	if opts.BaseLimits == (core.LimitSet{}) {
		opts.BaseLimits = core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}
	}
	if opts.BaseLimits.Weekly == 0 {
		opts.BaseLimits.Weekly = opts.BaseLimits.Daily * 7
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 30
	}
	if opts.InactiveAfter <= 0 {
		opts.InactiveAfter = 30 * 24 * time.Hour
	}
	if opts.Usage == nil {
		opts.Usage = func(string) float64 { return 0 }
	}
	return &Engine{
		base:          opts.BaseLimits,
		decayRate:     opts.DecayRate,
		historyWindow: opts.HistoryWindow,
		inactiveAfter: opts.InactiveAfter,
		policy:        opts.Policy,
		usage:         opts.Usage,
		logger:        log.New(log.Writer(), "[LimitEngine] ", log.LstdFlags),
		now:           time.Now,
		states:        make(map[string]*UserState),
	}
}

// CalculateLimits computes the new limit set for the assessed user and
// records the adjustment in their state history.
func (e *Engine) CalculateLimits(current core.LimitSet, assessment *core.RiskAssessment, market core.MarketConditions, location string) core.LimitSet {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.stateLocked(assessment.UserID)

	risk := assessment.AdjustedScore
	behavior := behaviorFactor(state)
	marketF := marketFactor(market)
	decay := e.decayFactor(state.History)

	weeklyCurrent := current.Weekly
	if weeklyCurrent == 0 {
		weeklyCurrent = e.base.Weekly
	}
	proposed := core.LimitSet{
		Daily:       adjustLimit(current.Daily, e.base.Daily, risk, behavior, marketF, decay),
		Transaction: adjustLimit(current.Transaction, e.base.Transaction, risk, behavior, marketF, decay),
		Weekly:      adjustLimit(weeklyCurrent, e.base.Weekly, risk, behavior, marketF, decay),
	}

	newLimits := e.applyPolicyLocked(proposed, location)
	e.updateStateLocked(assessment.UserID, state, newLimits, risk, market)
	return newLimits
}

// adjustLimit is the core formula: risk pulls the target down from
// base, the behavior factor sets how fast limits move toward it, and
// decay erodes the result.
func adjustLimit(current, base, risk, behavior, market, decay float64) float64 {
	target := base * (1 - risk) * market
	adjusted := current + (target-current)*behavior
	return math.Max(0, adjusted*(1-decay))
}

// behaviorFactor accelerates positive or negative movement based on
// the user's recent adjustment streak.
func behaviorFactor(state *UserState) float64 {
	if state.ConsecutiveApprovals > 5 {
		return 0.2
	}
	if state.RecentDeclines > 3 {
		return -0.3
	}
	return 0.1
}

// marketFactor is the geometric mean of the three market components.
func marketFactor(market core.MarketConditions) float64 {
	econ := market.EconomicIndex
	if econ == 0 {
		econ = 1.0
	}
	product := (1.0 - market.FraudIndex) * econ * (1.0 - market.Volatility)
	return math.Cbrt(product)
}

// decayFactor erodes limits under sustained usage; it needs at least
// three history entries to act.
func (e *Engine) decayFactor(history []HistoryEntry) float64 {
	if len(history) < 3 {
		return 0.0
	}
	recent := history[len(history)-3:]
	var sum float64
	for _, h := range recent {
		sum += h.Usage
	}
	return math.Min(1.0, (sum/3)*e.decayRate)
}

func (e *Engine) applyPolicyLocked(limits core.LimitSet, location string) core.LimitSet {
	if e.policy == nil {
		return limits
	}
	maxDaily, maxTxn, maxWeekly := e.policy.LocationCaps(location)
	if maxDaily > 0 && limits.Daily > maxDaily {
		limits.Daily = maxDaily
	}
	if maxTxn > 0 && limits.Transaction > maxTxn {
		limits.Transaction = maxTxn
	}
	if maxWeekly > 0 && limits.Weekly > maxWeekly {
		limits.Weekly = maxWeekly
	}
	return limits
}

// updateStateLocked appends the history entry and advances the
// behavior counters by the sign of the daily delta.
func (e *Engine) updateStateLocked(userID string, state *UserState, newLimits core.LimitSet, risk float64, market core.MarketConditions) {
	previousDaily := state.CurrentLimits.Daily

	state.History = append(state.History, HistoryEntry{
		Timestamp: e.now().UTC(),
		RiskScore: risk,
		Market:    market,
		Usage:     e.usage(userID),
	})
	if len(state.History) > e.historyWindow {
		state.History = state.History[len(state.History)-e.historyWindow:]
	}

	if newLimits.Daily > previousDaily {
		state.ConsecutiveApprovals++
		state.RecentDeclines = 0
	} else {
		state.ConsecutiveApprovals = 0
		state.RecentDeclines++
	}

	state.CurrentLimits = newLimits
	state.LastUpdated = e.now()
}

func (e *Engine) stateLocked(userID string) *UserState {
	state, ok := e.states[userID]
	if !ok {
		state = &UserState{
			CurrentLimits: e.base,
			LastUpdated:   e.now(),
		}
		e.states[userID] = state
	}
	return state
}

// GetUserState returns a copy of the user's state, or nil if absent.
func (e *Engine) GetUserState(userID string) *UserState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[userID]
	if !ok {
		return nil
	}
	cp := *state
	cp.History = append([]HistoryEntry(nil), state.History...)
	return &cp
}

// CurrentLimits returns the user's current limits, defaulting to base.
func (e *Engine) CurrentLimits(userID string) core.LimitSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[userID]; ok {
		return state.CurrentLimits
	}
	return e.base
}

// ResetUserLimits restores base limits and clears history. Admin path.
func (e *Engine) ResetUserLimits(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[userID]; ok {
		state.CurrentLimits = e.base
		state.History = nil
		state.ConsecutiveApprovals = 0
		state.RecentDeclines = 0
	}
}

// CleanInactiveStates drops states idle past the inactivity window and
// returns how many were removed.
func (e *Engine) CleanInactiveStates() int {
	cutoff := e.now().Add(-e.inactiveAfter)
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for uid, state := range e.states {
		if state.LastUpdated.Before(cutoff) {
			delete(e.states, uid)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps inactive states every interval until ctx ends.
func (e *Engine) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.CleanInactiveStates(); n > 0 {
					e.logger.Printf("dropped %d inactive user states", n)
				}
			}
		}
	}()
}

// Stats returns engine counters for the monitoring endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"tracked_users":  len(e.states),
		"base_daily":     e.base.Daily,
		"decay_rate":     e.decayRate,
		"history_window": e.historyWindow,
	}
}
