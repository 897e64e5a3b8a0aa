package limits

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifi/backend/internal/core"
)

func assessment(userID string, score float64) *core.RiskAssessment {
	return &core.RiskAssessment{UserID: userID, AdjustedScore: score}
}

func neutralMarket() core.MarketConditions {
	// Geometric mean of (1, 1, 1) is 1.
	return core.MarketConditions{FraudIndex: 0, EconomicIndex: 1, Volatility: 0}
}

func TestAdjustLimitFormula(t *testing.T) {
	// target = 5000*(1-0.65)*1 = 1750; adjusted = 5000 + (1750-5000)*0.1 = 4675
	got := adjustLimit(5000, 5000, 0.65, 0.1, 1.0, 0)
	assert.InDelta(t, 4675, got, 1e-9)

	// Decay erodes the adjusted value.
	got = adjustLimit(5000, 5000, 0.65, 0.1, 1.0, 0.2)
	assert.InDelta(t, 4675*0.8, got, 1e-9)

	// Never negative.
	assert.GreaterOrEqual(t, adjustLimit(0, 100, 1.0, -0.3, 1.0, 0), 0.0)
}

func TestMarketFactorGeometricMean(t *testing.T) {
	mc := core.MarketConditions{FraudIndex: 0.15, EconomicIndex: 0.92, Volatility: 0.3}
	want := math.Cbrt((1 - 0.15) * 0.92 * (1 - 0.3))
	assert.InDelta(t, want, marketFactor(mc), 1e-12)

	// Empty conditions behave as neutral.
	assert.InDelta(t, 1.0, marketFactor(core.MarketConditions{EconomicIndex: 1}), 1e-12)
}

func TestBehaviorFactor(t *testing.T) {
	assert.Equal(t, 0.1, behaviorFactor(&UserState{}))
	assert.Equal(t, 0.2, behaviorFactor(&UserState{ConsecutiveApprovals: 6}))
	assert.Equal(t, -0.3, behaviorFactor(&UserState{RecentDeclines: 4}))
}

func TestDecayNeedsThreeEntries(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1})
	assert.Equal(t, 0.0, e.decayFactor([]HistoryEntry{{Usage: 1}, {Usage: 1}}))

	history := []HistoryEntry{{Usage: 0.5}, {Usage: 0.5}, {Usage: 0.5}}
	assert.InDelta(t, 0.05, e.decayFactor(history), 1e-12)
}

func TestDecayCapped(t *testing.T) {
	e := NewEngine(Options{DecayRate: 10})
	history := []HistoryEntry{{Usage: 1}, {Usage: 1}, {Usage: 1}}
	assert.Equal(t, 1.0, e.decayFactor(history))
}

func TestHighRiskShrinksLimits(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1})
	current := core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}

	got := e.CalculateLimits(current, assessment("U_risky", 0.9), neutralMarket(), "global")
	assert.Less(t, got.Daily, current.Daily)
	assert.Less(t, got.Transaction, current.Transaction)
	assert.Less(t, got.Weekly, current.Weekly)
}

func TestLowRiskGrowsDepressedLimits(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1})
	current := core.LimitSet{Daily: 1000, Transaction: 200, Weekly: 7000}

	got := e.CalculateLimits(current, assessment("U_good", 0.1), neutralMarket(), "global")
	assert.Greater(t, got.Daily, current.Daily)
}

type fixedCaps struct {
	daily, txn, weekly float64
}

func (c fixedCaps) LocationCaps(string) (float64, float64, float64) {
	return c.daily, c.txn, c.weekly
}

func TestPolicyCapsApplied(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1, Policy: fixedCaps{daily: 100, txn: 50, weekly: 500}})
	current := core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}

	got := e.CalculateLimits(current, assessment("U_capped", 0.1), neutralMarket(), "NG")
	assert.LessOrEqual(t, got.Daily, 100.0)
	assert.LessOrEqual(t, got.Transaction, 50.0)
	assert.LessOrEqual(t, got.Weekly, 500.0)
}

func TestBehaviorCountersFollowDailyDelta(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1})

	// High risk shrinks: decline streak builds.
	cur := core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}
	for i := 0; i < 3; i++ {
		cur = e.CalculateLimits(cur, assessment("U_c", 0.9), neutralMarket(), "global")
	}
	st := e.GetUserState("U_c")
	require.NotNil(t, st)
	assert.Equal(t, 3, st.RecentDeclines)
	assert.Equal(t, 0, st.ConsecutiveApprovals)

	// A growth step resets the decline streak.
	e.CalculateLimits(core.LimitSet{Daily: 10, Transaction: 5, Weekly: 70}, assessment("U_c", 0.0), neutralMarket(), "global")
	st = e.GetUserState("U_c")
	assert.Equal(t, 0, st.RecentDeclines)
	assert.Equal(t, 1, st.ConsecutiveApprovals)
}

func TestHistoryWindowCap(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0, HistoryWindow: 5})
	cur := core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}
	for i := 0; i < 10; i++ {
		cur = e.CalculateLimits(cur, assessment("U_h", 0.5), neutralMarket(), "global")
	}
	st := e.GetUserState("U_h")
	assert.Len(t, st.History, 5)
}

func TestResetUserLimits(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1})
	e.CalculateLimits(core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000},
		assessment("U_r", 0.9), neutralMarket(), "global")

	e.ResetUserLimits("U_r")
	st := e.GetUserState("U_r")
	require.NotNil(t, st)
	assert.Equal(t, e.base, st.CurrentLimits)
	assert.Empty(t, st.History)
}

func TestJanitorDropsInactiveStates(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1, InactiveAfter: 30 * 24 * time.Hour})
	e.CalculateLimits(core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000},
		assessment("U_old", 0.5), neutralMarket(), "global")

	// Nothing stale yet.
	assert.Equal(t, 0, e.CleanInactiveStates())

	// Age the state past the cutoff.
	e.mu.Lock()
	e.states["U_old"].LastUpdated = time.Now().Add(-31 * 24 * time.Hour)
	e.mu.Unlock()
	assert.Equal(t, 1, e.CleanInactiveStates())
	assert.Nil(t, e.GetUserState("U_old"))
}

func TestMarketMonitorRefreshAndFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(core.MarketConditions{FraudIndex: 0.4, EconomicIndex: 0.8, Volatility: 0.2})
	}))
	defer srv.Close()

	m := NewMarketMonitor(&HTTPMarketSource{URL: srv.URL}, time.Hour)
	assert.Equal(t, 0.15, m.Current().FraudIndex) // defaults before refresh

	m.refresh(context.Background())
	assert.Equal(t, 0.4, m.Current().FraudIndex)

	// A failing source keeps the previous snapshot.
	m.source = &HTTPMarketSource{URL: "http://127.0.0.1:1"}
	m.refresh(context.Background())
	assert.Equal(t, 0.4, m.Current().FraudIndex)
}

func TestStartJanitorSweepsPeriodically(t *testing.T) {
	e := NewEngine(Options{DecayRate: 0.1, InactiveAfter: 30 * 24 * time.Hour})
	e.CalculateLimits(core.LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000},
		assessment("U_bg", 0.5), neutralMarket(), "global")
	e.mu.Lock()
	e.states["U_bg"].LastUpdated = time.Now().Add(-31 * 24 * time.Hour)
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartJanitor(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return e.GetUserState("U_bg") == nil
	}, 2*time.Second, 10*time.Millisecond)
}
