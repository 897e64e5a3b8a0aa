// Package phantom generates and monitors decoy transactions planted in
// user activity streams. A phantom is never visible to its user; any
// access to one is, by construction, hostile.
package phantom

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phantom statuses.
const (
	StatusActive    = "active"
	StatusTriggered = "triggered"
	StatusExpired   = "expired"
)

var (
	merchantPool = []string{
		"Amazon", "Flipkart", "Uber", "Swiggy", "Zomato", "IRCTC", "Paytm", "Myntra", "BigBasket",
	}
	locationPool = []string{
		"Mumbai", "Delhi", "Bangalore", "Hyderabad", "Chennai", "Kolkata", "Pune", "Ahmedabad",
	}
	dispersedLocations = []string{
		"Singapore", "London", "Dubai", "Frankfurt", "San Francisco",
	}
	decoyTypes = []string{"purchase", "transfer", "billpay"}
)

// Transaction is one phantom decoy transaction.
type Transaction struct {
	PhantomID          string    `json:"phantom_id"`
	UserID             string    `json:"user_id"`
	Amount             float64   `json:"amount"`
	Merchant           string    `json:"merchant"`
	Location           string    `json:"location"`
	Timestamp          time.Time `json:"timestamp"`
	ProfileSimilarity  float64   `json:"profile_similarity"`
	RiskBaitLevel      int       `json:"risk_bait_level"`
	DecoyType          string    `json:"decoy_type"`
	SessionFingerprint string    `json:"session_fingerprint"`
	Status             string    `json:"status"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// AccessLog is one observed access against a phantom.
type AccessLog struct {
	PhantomID         string    `json:"phantom_id"`
	AccessTime        time.Time `json:"access_time"`
	SourceIP          string    `json:"source_ip"`
	Geo               string    `json:"geo"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	ThreatLevel       int       `json:"threat_level"`
	UserID            string    `json:"user_id"`
	Accessed          bool      `json:"accessed"`
}

// Trigger is an access log enriched into a containment event.
type Trigger struct {
	PhantomID         string    `json:"phantom_id"`
	AccessTime        time.Time `json:"access_time"`
	SourceIP          string    `json:"source_ip"`
	Geo               string    `json:"geo"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	ThreatLevel       int       `json:"threat_level"`
	UserID            string    `json:"user_id"`
}

// Store persists phantoms and their access logs.
type Store interface {
	ActiveUsers(ctx context.Context) ([]string, error)
	InsertPhantom(ctx context.Context, tx *Transaction) error
	UpdateStatus(ctx context.Context, phantomID, status string) error
	AccessLogs(ctx context.Context) ([]AccessLog, error)
	LogAccess(ctx context.Context, entry AccessLog) error
	ExpiredPhantoms(ctx context.Context, now time.Time) ([]Transaction, error)
	UserPhantoms(ctx context.Context, userID, status string) ([]Transaction, error)
}

// Cache provides fast phantom lookup for the intake path.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Options configures the engine.
type Options struct {
	PhantomTTL      time.Duration
	CacheTTL        time.Duration
	GeoDispersion   float64
	MonitorInterval time.Duration
	CleanupInterval time.Duration

	// OnTrigger receives each phantom access the monitor detects.
	OnTrigger func(Trigger)
}

// Engine generates, caches and monitors phantom transactions.
type Engine struct {
	store  Store
	cache  Cache
	opts   Options
	logger *log.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine creates a phantom engine.
func NewEngine(store Store, cache Cache, opts Options) *Engine {
	if opts.PhantomTTL <= 0 {
		opts.PhantomTTL = 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.GeoDispersion == 0 {
		opts.GeoDispersion = 0.5
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &Engine{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: log.New(log.Writer(), "[PhantomEngine] ", log.LstdFlags),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives the access-log monitor and the expiry sweep until ctx
// ends. Generation stays on-demand.
func (e *Engine) Run(ctx context.Context) {
	monitor := time.NewTicker(e.opts.MonitorInterval)
	defer monitor.Stop()
	cleanup := time.NewTicker(e.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			triggered, err := e.MonitorDecoys(ctx)
			if err != nil {
				e.logger.Printf("monitor sweep: %v", err)
				continue
			}
			for _, tr := range triggered {
				e.logger.Printf("phantom %s accessed from %s (threat %d)", tr.PhantomID, tr.SourceIP, tr.ThreatLevel)
				if e.opts.OnTrigger != nil {
					e.opts.OnTrigger(tr)
				}
			}
		case <-cleanup.C:
			n, err := e.CleanupExpiredDecoys(ctx)
			if err != nil {
				e.logger.Printf("expiry sweep: %v", err)
			} else if n > 0 {
				e.logger.Printf("expired %d phantoms", n)
			}
		}
	}
}

// GenerateDecoys creates and persists count phantoms across a random
// selection of active users, caching each for fast lookup.
func (e *Engine) GenerateDecoys(ctx context.Context, count int) ([]*Transaction, error) {
	users, err := e.store.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	decoys := make([]*Transaction, 0, count)
	for i := 0; i < count; i++ {
		userID := users[e.intn(len(users))]
		tx := e.generatePhantom(userID)
		if e.chance(e.opts.GeoDispersion) {
			tx.Location = dispersedLocations[e.intn(len(dispersedLocations))]
		}
		if err := e.store.InsertPhantom(ctx, tx); err != nil {
			return decoys, fmt.Errorf("insert phantom: %w", err)
		}
		if e.cache != nil {
			if err := e.cache.Set(ctx, cacheKey(tx.PhantomID), tx, e.opts.CacheTTL); err != nil {
				e.logger.Printf("cache set failed for %s: %v", tx.PhantomID, err)
			}
		}
		decoys = append(decoys, tx)
	}
	e.logger.Printf("generated %d phantom transactions", len(decoys))
	return decoys, nil
}

// MonitorDecoys scans access logs and returns the phantoms that were
// touched, marking each as triggered.
func (e *Engine) MonitorDecoys(ctx context.Context) ([]Trigger, error) {
	logs, err := e.store.AccessLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("read access logs: %w", err)
	}

	var triggered []Trigger
	for _, entry := range logs {
		if !entry.Accessed {
			continue
		}
		triggered = append(triggered, Trigger{
			PhantomID:         entry.PhantomID,
			AccessTime:        entry.AccessTime,
			SourceIP:          entry.SourceIP,
			Geo:               orUnknown(entry.Geo),
			DeviceFingerprint: orUnknown(entry.DeviceFingerprint),
			ThreatLevel:       entry.ThreatLevel,
			UserID:            entry.UserID,
		})
		if err := e.store.UpdateStatus(ctx, entry.PhantomID, StatusTriggered); err != nil {
			e.logger.Printf("mark triggered %s: %v", entry.PhantomID, err)
		}
	}
	return triggered, nil
}

// SimulatePhantomActivity plants a phantom for userID and fabricates a
// hostile access against it. Demo and integration-test path.
func (e *Engine) SimulatePhantomActivity(ctx context.Context, userID string) (*Transaction, *AccessLog, error) {
	tx := e.generatePhantom(userID)
	if err := e.store.InsertPhantom(ctx, tx); err != nil {
		return nil, nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, cacheKey(tx.PhantomID), tx, 30*time.Minute)
	}

	access := AccessLog{
		PhantomID:         tx.PhantomID,
		AccessTime:        time.Now().UTC(),
		SourceIP:          fmt.Sprintf("203.0.113.%d", 1+e.intn(254)),
		Geo:               []string{"Russia", "Ukraine", "Nigeria", "Brazil", "India"}[e.intn(5)],
		DeviceFingerprint: uuid.NewString(),
		ThreatLevel:       6 + e.intn(4),
		UserID:            userID,
		Accessed:          true,
	}
	if err := e.store.LogAccess(ctx, access); err != nil {
		return nil, nil, err
	}
	return tx, &access, nil
}

// CleanupExpiredDecoys deactivates phantoms past their TTL and evicts
// them from the cache. Returns how many were expired.
func (e *Engine) CleanupExpiredDecoys(ctx context.Context) (int, error) {
	expired, err := e.store.ExpiredPhantoms(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, tx := range expired {
		if err := e.store.UpdateStatus(ctx, tx.PhantomID, StatusExpired); err != nil {
			e.logger.Printf("expire %s: %v", tx.PhantomID, err)
			continue
		}
		if e.cache != nil {
			e.cache.Delete(ctx, cacheKey(tx.PhantomID))
		}
	}
	return len(expired), nil
}

// ActiveDecoys returns a user's active phantoms.
func (e *Engine) ActiveDecoys(ctx context.Context, userID string) ([]Transaction, error) {
	return e.store.UserPhantoms(ctx, userID, StatusActive)
}

// TriggeredDecoys returns a user's triggered phantoms.
func (e *Engine) TriggeredDecoys(ctx context.Context, userID string) ([]Transaction, error) {
	return e.store.UserPhantoms(ctx, userID, StatusTriggered)
}

// IsPhantom checks the cache for a phantom ID. Used on the hot intake
// path to divert phantom hits before normal processing.
func (e *Engine) IsPhantom(ctx context.Context, phantomID string) bool {
	if e.cache == nil {
		return false
	}
	_, ok, err := e.cache.Get(ctx, cacheKey(phantomID))
	if err != nil {
		e.logger.Printf("cache lookup failed for %s: %v", phantomID, err)
		return false
	}
	return ok
}

// generatePhantom fabricates a decoy shaped like ordinary activity.
func (e *Engine) generatePhantom(userID string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		PhantomID:          "phantom_" + uuid.NewString()[:12],
		UserID:             userID,
		Amount:             round2(10 + e.float()*(5000-10)),
		Merchant:           merchantPool[e.intn(len(merchantPool))],
		Location:           locationPool[e.intn(len(locationPool))],
		Timestamp:          now.Add(-time.Duration(e.intn(121)) * time.Minute),
		ProfileSimilarity:  round3(0.7 + e.float()*0.3),
		RiskBaitLevel:      5 + e.intn(5),
		DecoyType:          decoyTypes[e.intn(len(decoyTypes))],
		SessionFingerprint: uuid.NewString(),
		Status:             StatusActive,
		ExpiresAt:          now.Add(e.opts.PhantomTTL),
	}
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) float() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) chance(p float64) bool {
	return e.float() < p
}

func cacheKey(phantomID string) string { return "phantom:" + phantomID }

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }
func round3(v float64) float64 { return float64(int(v*1000+0.5)) / 1000 }
