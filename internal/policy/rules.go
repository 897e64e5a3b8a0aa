// Package policy loads the institution's spending policy rules from a
// JSON file and serves lookups with location, merchant and category
// overrides. The file is hot-reloaded on modification; a broken edit
// keeps the last valid snapshot in service.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Required keys in the global section.
var requiredGlobalKeys = []string{"max_daily", "max_transaction", "high_risk_categories"}

// ErrMissingGlobalKey is returned when the rules file omits a required
// global key.
var ErrMissingGlobalKey = errors.New("policy rules missing required global key")

// Rules is one validated snapshot of the policy file.
type Rules struct {
	Global     map[string]interface{}            `json:"global"`
	Locations  map[string]map[string]interface{} `json:"locations"`
	Merchants  map[string]map[string]interface{} `json:"merchants"`
	Categories map[string]map[string]interface{} `json:"categories"`
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine serves policy lookups from an in-memory snapshot and keeps it
// fresh with a modification-time poll.
type Engine struct {
	path   string
	logger *log.Logger

	mu        sync.RWMutex
	rules     *Rules
	loadedAt  time.Time
	lastMtime time.Time
	reloads   uint64
	failures  uint64

	// merchant risk memoization, bounded
	riskMu    sync.Mutex
	riskCache map[string]float64
	riskOrder []string
	riskCap   int
}

// NewEngine loads the rules file and returns an engine. The initial
// load must succeed; later reload failures are logged and ignored.
func NewEngine(path string) (*Engine, error) {
	e := &Engine{
		path:      path,
		logger:    log.New(log.Writer(), "[Policy] ", log.LstdFlags),
		riskCache: make(map[string]float64),
		riskCap:   1000,
	}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Watch polls the rules file for modification every interval until ctx
// is cancelled.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(e.path)
			if err != nil {
				continue
			}
			e.mu.RLock()
			changed := info.ModTime().After(e.lastMtime)
			e.mu.RUnlock()
			if !changed {
				continue
			}
			if err := e.reload(); err != nil {
				e.mu.Lock()
				e.failures++
				e.mu.Unlock()
				e.logger.Printf("reload failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

func (e *Engine) reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	var rules Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	if err := validate(&rules); err != nil {
		return err
	}

	info, _ := os.Stat(e.path)

	e.mu.Lock()
	e.rules = &rules
	e.loadedAt = time.Now()
	if info != nil {
		e.lastMtime = info.ModTime()
	}
	e.reloads++
	e.mu.Unlock()

	// Overrides may have changed, memoized risks are stale.
	e.riskMu.Lock()
	e.riskCache = make(map[string]float64)
	e.riskOrder = e.riskOrder[:0]
	e.riskMu.Unlock()

	e.logger.Printf("rules loaded from %s", e.path)
	return nil
}

func validate(r *Rules) error {
	if r.Global == nil {
		return fmt.Errorf("%w: global section absent", ErrMissingGlobalKey)
	}
	for _, key := range requiredGlobalKeys {
		if _, ok := r.Global[key]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingGlobalKey, key)
		}
	}
	return nil
}

// ============================================================================
// LOOKUPS
// ============================================================================

// EffectiveRules returns the global rules merged with the location,
// merchant and category overrides, in that order. Later layers win;
// nested maps merge key-wise.
func (e *Engine) EffectiveRules(location, merchantID, category string) map[string]interface{} {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	merged := deepCopy(rules.Global)
	if location != "" {
		if o, ok := rules.Locations[location]; ok {
			deepMerge(merged, o)
		}
	}
	if merchantID != "" {
		if o, ok := rules.Merchants[merchantID]; ok {
			deepMerge(merged, o)
		}
	}
	if category != "" {
		if o, ok := rules.Categories[category]; ok {
			deepMerge(merged, o)
		}
	}
	return merged
}

// MaxLimits extracts the numeric max_daily and max_transaction from an
// effective rule set, falling back to +Inf semantics with 0 meaning
// "no cap configured".
func (e *Engine) MaxLimits(location, merchantID, category string) (maxDaily, maxTransaction float64) {
	eff := e.EffectiveRules(location, merchantID, category)
	maxDaily = asFloat(eff["max_daily"])
	maxTransaction = asFloat(eff["max_transaction"])
	return
}

// LocationCaps returns the regulatory caps for a location, merged over
// the global rules. A zero cap means not configured.
func (e *Engine) LocationCaps(location string) (maxDaily, maxTransaction, maxWeekly float64) {
	eff := e.EffectiveRules(location, "", "")
	return asFloat(eff["max_daily"]), asFloat(eff["max_transaction"]), asFloat(eff["max_weekly"])
}

// IsHighRiskCategory reports whether category appears in the effective
// high_risk_categories list.
func (e *Engine) IsHighRiskCategory(category string) bool {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	raw, ok := rules.Global["high_risk_categories"]
	if !ok {
		return false
	}
	list, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, v := range list {
		if s, ok := v.(string); ok && s == category {
			return true
		}
	}
	return false
}

// MerchantRisk returns the merchant's configured risk_score, memoized
// in a bounded cache. Unknown merchants default to 0.5.
func (e *Engine) MerchantRisk(merchantID string) float64 {
	e.riskMu.Lock()
	if v, ok := e.riskCache[merchantID]; ok {
		e.riskMu.Unlock()
		return v
	}
	e.riskMu.Unlock()

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	risk := 0.5
	if o, ok := rules.Merchants[merchantID]; ok {
		if v, ok := o["risk_score"]; ok {
			risk = asFloat(v)
		}
	}

	e.riskMu.Lock()
	if len(e.riskCache) >= e.riskCap {
		oldest := e.riskOrder[0]
		e.riskOrder = e.riskOrder[1:]
		delete(e.riskCache, oldest)
	}
	e.riskCache[merchantID] = risk
	e.riskOrder = append(e.riskOrder, merchantID)
	e.riskMu.Unlock()
	return risk
}

// LocationRisk returns the location's configured risk_score, defaulting
// to 0.5 when unconfigured.
func (e *Engine) LocationRisk(location string) float64 {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	if o, ok := rules.Locations[location]; ok {
		if v, ok := o["risk_score"]; ok {
			return asFloat(v)
		}
	}
	return 0.5
}

// Stats returns engine counters for the monitoring endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"loaded_at":       e.loadedAt,
		"reloads":         e.reloads,
		"reload_failures": e.failures,
		"locations":       len(e.rules.Locations),
		"merchants":       len(e.rules.Merchants),
		"categories":      len(e.rules.Categories),
	}
}

// ============================================================================
// MERGE HELPERS
// ============================================================================

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// deepMerge merges src into dst in place. Nested maps merge key-wise,
// scalars and lists in src replace dst wholesale.
func deepMerge(dst, src map[string]interface{}) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
