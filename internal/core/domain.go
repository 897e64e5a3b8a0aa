// Package core holds the closed domain records shared across the
// fraud-containment pipeline. Everything that crosses a component
// boundary is one of these types.
package core

import (
	"errors"
	"time"
)

// TxStatus is the lifecycle status of a transaction. Only the spend
// controller and the shadow layer mutate it.
type TxStatus string

const (
	StatusPending     TxStatus = "pending"
	StatusSafe        TxStatus = "safe"
	StatusLocked      TxStatus = "locked"
	StatusInvalidated TxStatus = "invalidated"
)

// Transaction is a single consumer payment request. Immutable once
// enqueued, except for Status.
type Transaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency"`
	MerchantID        string    `json:"merchant_id"`
	MerchantCategory  string    `json:"merchant_category"`
	Timestamp         time.Time `json:"timestamp"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	CountryCode       string    `json:"country_code,omitempty"`
	CardBIN           string    `json:"card_bin,omitempty"`
	LocationHistory   []string  `json:"location_history,omitempty"`
	CrossBorder       bool      `json:"is_cross_border,omitempty"`
	DecoyMarker       string    `json:"decoy_marker,omitempty"`

	Status    TxStatus   `json:"status,omitempty"`
	LockUntil *time.Time `json:"lock_until,omitempty"`
}

// Validation errors for transaction intake.
var (
	ErrMissingFields  = errors.New("transaction missing required fields")
	ErrNegativeAmount = errors.New("transaction amount is negative")
)

// Validate performs the permanent-rejection checks: a transaction that
// fails here never enters a queue.
func (t *Transaction) Validate() error {
	if t.ID == "" || t.UserID == "" || t.MerchantID == "" || t.Timestamp.IsZero() {
		return ErrMissingFields
	}
	if t.Amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// ProfileSource identifies which remote sub-profile populated a field set.
type ProfileSource string

const (
	SourceBehavior ProfileSource = "behavior"
	SourceFraud    ProfileSource = "fraud"
	SourceSpending ProfileSource = "spending"
)

// BehaviorProfile is the live behavioral sub-profile.
type BehaviorProfile struct {
	AnomalyScore float64 `json:"anomaly_score"`
	SessionRisk  float64 `json:"session_risk"`
	DeviceTrust  float64 `json:"device_trust"`
	SwipeSpeed   float64 `json:"swipe_speed,omitempty"`
	PhoneAngle   float64 `json:"phone_angle,omitempty"`
}

// FraudProfile is the historical fraud sub-profile.
type FraudProfile struct {
	CurrentScore float64    `json:"current_score"`
	Average30d   float64    `json:"30d_average"`
	LastIncident *time.Time `json:"last_incident,omitempty"`
}

// SpendingTransaction is one historical spend sample used for velocity.
type SpendingTransaction struct {
	Amount    float64   `json:"amount"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// SpendingProfile is the spending-pattern sub-profile.
type SpendingProfile struct {
	Transactions     []SpendingTransaction `json:"transactions,omitempty"`
	CommonCategories []string              `json:"common_categories,omitempty"`
	DailyAverage     float64               `json:"daily_average"`
	WeeklyMax        float64               `json:"weekly_max"`
}

// UserProfile is the composite profile the pipeline scores against.
// SourcesUsed records which sub-profiles came from a live service;
// an empty set means every field is a degraded default.
type UserProfile struct {
	UserID      string                 `json:"user_id"`
	Behavior    BehaviorProfile        `json:"behavior"`
	Fraud       FraudProfile           `json:"fraud"`
	Spending    SpendingProfile        `json:"spending"`
	SourcesUsed map[ProfileSource]bool `json:"sources_used"`
	FetchedAt   time.Time              `json:"fetched_at"`

	// Derived on assembly.
	CompositeRisk    float64 `json:"composite_risk"`
	SpendingVelocity float64 `json:"spending_velocity"`
}

// Degraded reports whether the profile was assembled without any live
// sub-profile. Callers must treat a degraded profile conservatively.
func (p *UserProfile) Degraded() bool {
	return len(p.SourcesUsed) == 0
}

// LimitSet holds the three spending limits for a user.
type LimitSet struct {
	Daily       float64 `json:"daily"`
	Transaction float64 `json:"transaction"`
	Weekly      float64 `json:"weekly"`
}

// Clamp enforces transaction <= daily <= weekly/7 * slack and
// non-negativity. slack <= 0 means the weekly coupling is skipped.
func (l LimitSet) Clamp(slack float64) LimitSet {
	if l.Daily < 0 {
		l.Daily = 0
	}
	if l.Transaction < 0 {
		l.Transaction = 0
	}
	if l.Weekly < 0 {
		l.Weekly = 0
	}
	if slack > 0 {
		if cap := l.Weekly / 7 * slack; l.Daily > cap {
			l.Daily = cap
		}
	}
	if l.Transaction > l.Daily {
		l.Transaction = l.Daily
	}
	return l
}

// MaxRelativeDelta returns max over components of |new-cur|/max(1,cur).
// Used for the materiality test on limit changes.
func (l LimitSet) MaxRelativeDelta(cur LimitSet) float64 {
	rel := func(n, c float64) float64 {
		d := n - c
		if d < 0 {
			d = -d
		}
		base := c
		if base < 1 {
			base = 1
		}
		return d / base
	}
	max := rel(l.Daily, cur.Daily)
	if v := rel(l.Transaction, cur.Transaction); v > max {
		max = v
	}
	if v := rel(l.Weekly, cur.Weekly); v > max {
		max = v
	}
	return max
}

// MarketConditions is the periodically refreshed market snapshot fed
// into limit computation.
type MarketConditions struct {
	FraudIndex    float64   `json:"fraud_index"`
	EconomicIndex float64   `json:"economic_index"`
	Volatility    float64   `json:"volatility"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// RiskLevel is the hysteresis-stable classification of a score.
type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// RiskAssessment is the scorer's output for one transaction, with the
// contributing factors kept for explainability.
type RiskAssessment struct {
	TransactionID string             `json:"transaction_id"`
	UserID        string             `json:"user_id"`
	RawScore      float64            `json:"raw_score"`
	AdjustedScore float64            `json:"adjusted_score"`
	RuleScore     float64            `json:"rule_score"`
	MLScore       float64            `json:"ml_score"`
	Level         RiskLevel          `json:"risk_level"`
	Actions       []string           `json:"actions"`
	Features      map[string]float64 `json:"features,omitempty"`
	Factors       map[string]float64 `json:"factors,omitempty"`
	Fallback      bool               `json:"fallback,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}
