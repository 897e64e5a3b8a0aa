// Package risk implements two-stage fraud scoring: a weighted rule
// ensemble blended with a model score, followed by contextual threshold
// evaluation with hysteresis bands and adaptive scaling.
package risk

import (
	"hash/fnv"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// Model produces a fraud probability from the extracted feature vector.
type Model interface {
	Predict(features map[string]float64) (float64, error)
}

// MerchantRiskProvider supplies a merchant risk score in [0,1].
// The policy engine satisfies this.
type MerchantRiskProvider interface {
	MerchantRisk(merchantID string) float64
}

// meanModel is the bundled fallback: the clipped feature mean. It keeps
// scoring alive when no trained model is registered.
type meanModel struct{}

func (meanModel) Predict(features map[string]float64) (float64, error) {
	if len(features) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range features {
		sum += v
	}
	mean := sum / float64(len(features))
	if mean < 0 {
		mean = 0
	}
	if mean > 1 {
		mean = 1
	}
	return mean, nil
}

// Ensemble strategies for combining rule and model scores.
const (
	EnsembleWeightedAverage = "weighted_average"
	EnsembleMax             = "max"
	EnsembleMin             = "min"
	EnsembleMean            = "mean"
)

var riskyBINs = map[string]bool{"4111": true, "5110": true, "3714": true}

// ============================================================================
// SCORER
// ============================================================================

// Scorer computes the raw fraud score for a transaction.
type Scorer struct {
	weights      map[string]float64
	model        Model
	fallback     Model
	merchantRisk MerchantRiskProvider
	strategy     string
	logger       *log.Logger
	now          func() time.Time

	mu            sync.Mutex
	lastScoreTime time.Time
}

// NewScorer creates a scorer. model may be nil, in which case the
// bundled fallback serves as primary. merchantRisk may be nil.
func NewScorer(weights map[string]float64, model Model, merchantRisk MerchantRiskProvider) *Scorer {
	if model == nil {
		model = meanModel{}
	}
	return &Scorer{
		weights:      weights,
		model:        model,
		fallback:     meanModel{},
		merchantRisk: merchantRisk,
		strategy:     EnsembleWeightedAverage,
		logger:       log.New(log.Writer(), "[FraudScorer] ", log.LstdFlags),
		now:          time.Now,
	}
}

// SetStrategy changes the ensemble strategy.
func (s *Scorer) SetStrategy(strategy string) { s.strategy = strategy }

// Score computes rule, model and combined scores for tx, using profile
// for the behavioral feature. Validation errors surface as-is; scoring
// itself never fails, falling back to the bundled model if the primary
// errors.
func (s *Scorer) Score(tx *core.Transaction, profile *core.UserProfile) (*core.RiskAssessment, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	features := s.ExtractFeatures(tx, profile)
	ruleScore := s.ruleScore(features)

	mlScore, err := s.model.Predict(features)
	fallback := false
	if err != nil {
		s.logger.Printf("model scoring failed for %s: %v", tx.ID, err)
		mlScore, _ = s.fallback.Predict(features)
		fallback = true
	}

	combined := s.combine(ruleScore, mlScore)

	s.mu.Lock()
	s.lastScoreTime = s.now()
	s.mu.Unlock()

	return &core.RiskAssessment{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		RawScore:      combined,
		RuleScore:     ruleScore,
		MLScore:       mlScore,
		Features:      features,
		Fallback:      fallback,
		Timestamp:     s.now(),
	}, nil
}

// RuleOnlyScore produces a degraded assessment from the weighted rule
// ensemble alone, for use when the scoring dependency is unavailable.
func (s *Scorer) RuleOnlyScore(tx *core.Transaction, profile *core.UserProfile) (*core.RiskAssessment, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	features := s.ExtractFeatures(tx, profile)
	ruleScore := s.ruleScore(features)
	return &core.RiskAssessment{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		RawScore:      ruleScore,
		RuleScore:     ruleScore,
		Features:      features,
		Fallback:      true,
		Timestamp:     s.now(),
	}, nil
}

// ExtractFeatures maps a transaction to the nine normalized features.
func (s *Scorer) ExtractFeatures(tx *core.Transaction, profile *core.UserProfile) map[string]float64 {
	behaviorAnomaly := 0.5
	if profile != nil {
		behaviorAnomaly = profile.Behavior.AnomalyScore
	}
	merchantRisk := 0.5
	if s.merchantRisk != nil {
		merchantRisk = s.merchantRisk.MerchantRisk(tx.MerchantID)
	}
	return map[string]float64{
		"amount":           normalizeAmount(tx.Amount),
		"merchant_risk":    merchantRisk,
		"geo_velocity":     geoVelocity(tx.LocationHistory),
		"device_trust":     deviceTrustScore(tx.DeviceFingerprint),
		"behavior_anomaly": behaviorAnomaly,
		"user_history":     userHistoryScore(tx.UserID),
		"time_of_day":      timeOfDayScore(tx.Timestamp),
		"network_analysis": networkScore(tx.IPAddress),
		"bin_analysis":     binScore(tx.CardBIN),
	}
}

func (s *Scorer) ruleScore(features map[string]float64) float64 {
	var sum float64
	for k, v := range features {
		sum += v * s.weights[k]
	}
	return sum
}

// combine blends rule and model scores. The weighted average boosts the
// rule contribution by a recency term: idle periods make a fresh score
// lean harder on the rules until the model view re-warms.
func (s *Scorer) combine(ruleScore, mlScore float64) float64 {
	var combined float64
	switch s.strategy {
	case EnsembleMax:
		combined = math.Max(ruleScore, mlScore)
	case EnsembleMin:
		combined = math.Min(ruleScore, mlScore)
	case EnsembleWeightedAverage:
		s.mu.Lock()
		last := s.lastScoreTime
		s.mu.Unlock()
		recency := 1.0
		if !last.IsZero() {
			recency = math.Tanh(s.now().Sub(last).Seconds() / 3600)
		}
		combined = 0.7*mlScore + 0.3*ruleScore*(1+recency)
	default:
		combined = (mlScore + ruleScore) / 2
	}
	if combined < 0 {
		combined = 0
	}
	if combined > 1 {
		combined = 1
	}
	return combined
}

// ============================================================================
// FEATURE FUNCTIONS
// ============================================================================

func normalizeAmount(amount float64) float64 {
	return math.Min(math.Log10(amount+1)/6, 1.0)
}

func geoVelocity(history []string) float64 {
	if len(history) < 2 {
		return 0.0
	}
	if history[len(history)-1] != history[len(history)-2] {
		return 1.0
	}
	return 0.2
}

func deviceTrustScore(deviceHash string) float64 {
	if deviceHash == "" {
		return 0.2
	}
	h := fnv.New32a()
	h.Write([]byte(deviceHash))
	if h.Sum32()%100 > 10 {
		return 0.8
	}
	return 0.2
}

func userHistoryScore(userID string) float64 {
	if strings.HasPrefix(userID, "USER") {
		return 0.6
	}
	return 0.3
}

func timeOfDayScore(ts time.Time) float64 {
	if ts.IsZero() {
		return 0.5
	}
	return math.Abs(float64(ts.Hour())-12) / 12
}

func networkScore(ip string) float64 {
	if ip == "" {
		return 0.5
	}
	octet := ip
	if idx := strings.IndexByte(ip, '.'); idx >= 0 {
		octet = ip[:idx]
	}
	if octet == "192" || octet == "10" {
		return 0.9
	}
	return 0.3
}

func binScore(bin string) float64 {
	if riskyBINs[bin] {
		return 0.7
	}
	return 0.2
}
