// Package profile assembles composite user profiles from the behavior,
// fraud and spending services, with an LRU+TTL cache in front and
// per-source degradation to defaults when a service is down.
package profile

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/circuitbreaker"
	"github.com/fortifi/backend/internal/core"
)

// ServiceURLs holds the base URLs for the three profile sub-services.
type ServiceURLs struct {
	Behavior string
	Fraud    string
	Spending string
}

// Options tunes the fetcher.
type Options struct {
	CacheSize    int
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	Retries      int
	Backoff      float64
	ServiceToken string
	WarmupUsers  []string

	// HighRiskCategories feeds the spending risk component.
	HighRiskCategories []string

	// Weights for the composite risk blend.
	Weights map[string]float64

	// Breaker, when set, gates calls to the sub-services.
	Breaker *circuitbreaker.CircuitBreaker
}

func (o *Options) withDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 1000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 300 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 2 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 1.5
	}
	if len(o.HighRiskCategories) == 0 {
		o.HighRiskCategories = []string{"gambling", "crypto"}
	}
	if o.Weights == nil {
		o.Weights = map[string]float64{"behavior": 0.4, "fraud": 0.5, "spending": 0.1}
	}
}

// ============================================================================
// FETCHER
// ============================================================================

type cacheEntry struct {
	userID  string
	profile *core.UserProfile
	expires time.Time
}

// Fetcher fetches and caches composite user profiles.
type Fetcher struct {
	services ServiceURLs
	opts     Options
	client   *http.Client
	logger   *log.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	hits   uint64
	misses uint64
}

// NewFetcher creates a fetcher. Call Warmup and StartJanitor after
// construction; they are separate so tests can skip the goroutines.
func NewFetcher(services ServiceURLs, opts Options) *Fetcher {
	opts.withDefaults()
	return &Fetcher{
		services: services,
		opts:     opts,
		client:   &http.Client{Timeout: opts.FetchTimeout},
		logger:   log.New(log.Writer(), "[ProfileFetcher] ", log.LstdFlags),
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// GetFullProfile returns the composite profile for userID, serving from
// cache when fresh. Sub-service failures degrade to defaults; the
// returned profile is never nil.
func (f *Fetcher) GetFullProfile(ctx context.Context, userID string) *core.UserProfile {
	if p := f.cached(userID); p != nil {
		return p
	}

	type result struct {
		source core.ProfileSource
		data   []byte
	}
	results := make(chan result, 3)
	fetch := func(source core.ProfileSource, base, endpoint string) {
		data := f.fetchWithRetry(ctx, string(source), fmt.Sprintf("%s/%s/%s", base, userID, endpoint))
		results <- result{source: source, data: data}
	}
	go fetch(core.SourceBehavior, f.services.Behavior, "current")
	go fetch(core.SourceFraud, f.services.Fraud, "latest")
	go fetch(core.SourceSpending, f.services.Spending, "patterns")

	profile := &core.UserProfile{
		UserID:      userID,
		Behavior:    defaultBehavior(),
		Fraud:       defaultFraud(),
		Spending:    defaultSpending(),
		SourcesUsed: make(map[core.ProfileSource]bool),
		FetchedAt:   time.Now().UTC(),
	}
	for i := 0; i < 3; i++ {
		r := <-results
		if r.data == nil {
			continue
		}
		var err error
		switch r.source {
		case core.SourceBehavior:
			err = json.Unmarshal(r.data, &profile.Behavior)
		case core.SourceFraud:
			err = json.Unmarshal(r.data, &profile.Fraud)
		case core.SourceSpending:
			err = json.Unmarshal(r.data, &profile.Spending)
		}
		if err != nil {
			f.logger.Printf("malformed %s payload for %s: %v", r.source, userID, err)
			continue
		}
		profile.SourcesUsed[r.source] = true
	}

	profile.CompositeRisk = f.compositeRisk(profile)
	profile.SpendingVelocity = spendingVelocity(profile.Spending, time.Now().UTC())

	f.store(userID, profile)
	return profile
}

// Invalidate drops the cached profile for userID, forcing a refetch.
func (f *Fetcher) Invalidate(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.entries[userID]; ok {
		f.lru.Remove(el)
		delete(f.entries, userID)
	}
}

// Warmup pre-caches the configured high priority users.
func (f *Fetcher) Warmup(ctx context.Context) {
	for _, userID := range f.opts.WarmupUsers {
		go f.GetFullProfile(ctx, userID)
	}
}

// StartJanitor sweeps expired entries every interval until ctx ends.
func (f *Fetcher) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.sweep(time.Now())
			}
		}
	}()
}

// Stats returns cache counters for the monitoring endpoint.
func (f *Fetcher) Stats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{
		"size":   len(f.entries),
		"cap":    f.opts.CacheSize,
		"hits":   f.hits,
		"misses": f.misses,
	}
}

// ============================================================================
// FETCHING
// ============================================================================

// fetchWithRetry returns the response body or nil after exhausting
// retries. The breaker, when present, short-circuits during outages.
func (f *Fetcher) fetchWithRetry(ctx context.Context, service, url string) []byte {
	if cb := f.opts.Breaker; cb != nil {
		if err := cb.Allow(); err != nil {
			f.logger.Printf("%s fetch skipped: %v", service, err)
			return nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(time.Second) * pow(f.opts.Backoff, attempt-1))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			if cb := f.opts.Breaker; cb != nil {
				cb.RecordSuccess()
			}
			return body
		}
		lastErr = err
		f.logger.Printf("attempt %d failed for %s service: %v", attempt+1, service, err)
	}

	if cb := f.opts.Breaker; cb != nil {
		cb.RecordFailure()
	}
	f.logger.Printf("final failure fetching %s data: %v", service, lastErr)
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.opts.ServiceToken)
	req.Header.Set("X-Request-Source", "spend-control")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// ============================================================================
// DERIVED METRICS
// ============================================================================

func (f *Fetcher) compositeRisk(p *core.UserProfile) float64 {
	w := f.opts.Weights
	risk := p.Behavior.AnomalyScore*w["behavior"] +
		p.Fraud.CurrentScore*w["fraud"] +
		f.spendingRisk(p.Spending)*w["spending"]
	if risk > 1 {
		risk = 1
	}
	return risk
}

// spendingRisk counts recent transactions in high risk categories; ten
// or more saturates the component.
func (f *Fetcher) spendingRisk(s core.SpendingProfile) float64 {
	if len(s.Transactions) == 0 {
		return 0.5
	}
	risky := 0
	for _, tx := range s.Transactions {
		for _, cat := range f.opts.HighRiskCategories {
			if tx.Category == cat {
				risky++
				break
			}
		}
	}
	risk := float64(risky) / 10
	if risk > 1 {
		risk = 1
	}
	return risk
}

// spendingVelocity is dollars per hour over the trailing hour.
func spendingVelocity(s core.SpendingProfile, now time.Time) float64 {
	cutoff := now.Add(-time.Hour)
	var sum float64
	for _, tx := range s.Transactions {
		if tx.Timestamp.After(cutoff) {
			sum += tx.Amount
		}
	}
	return sum / 3600
}

// ============================================================================
// CACHE
// ============================================================================

func (f *Fetcher) cached(userID string) *core.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()

	el, ok := f.entries[userID]
	if !ok {
		f.misses++
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		f.lru.Remove(el)
		delete(f.entries, userID)
		f.misses++
		return nil
	}
	f.lru.MoveToBack(el)
	f.hits++
	return entry.profile
}

func (f *Fetcher) store(userID string, profile *core.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.entries[userID]; ok {
		el.Value.(*cacheEntry).profile = profile
		el.Value.(*cacheEntry).expires = time.Now().Add(f.opts.CacheTTL)
		f.lru.MoveToBack(el)
		return
	}
	el := f.lru.PushBack(&cacheEntry{
		userID:  userID,
		profile: profile,
		expires: time.Now().Add(f.opts.CacheTTL),
	})
	f.entries[userID] = el

	for len(f.entries) > f.opts.CacheSize {
		oldest := f.lru.Front()
		f.lru.Remove(oldest)
		delete(f.entries, oldest.Value.(*cacheEntry).userID)
	}
}

func (f *Fetcher) sweep(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for el := f.lru.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*cacheEntry).expires) {
			delete(f.entries, el.Value.(*cacheEntry).userID)
			f.lru.Remove(el)
		}
		el = next
	}
}

// ============================================================================
// DEFAULTS
// ============================================================================

func defaultBehavior() core.BehaviorProfile {
	return core.BehaviorProfile{AnomalyScore: 0.5, SessionRisk: 0.3, DeviceTrust: 0.7}
}

func defaultFraud() core.FraudProfile {
	return core.FraudProfile{CurrentScore: 0.5, Average30d: 0.4}
}

func defaultSpending() core.SpendingProfile {
	return core.SpendingProfile{
		DailyAverage:     150.0,
		WeeklyMax:        1000.0,
		CommonCategories: []string{"retail"},
	}
}
