package phantom

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	users    []string
	phantoms map[string]*Transaction
	logs     []AccessLog
}

func newMemStore(users ...string) *memStore {
	return &memStore{users: users, phantoms: map[string]*Transaction{}}
}

func (m *memStore) ActiveUsers(ctx context.Context) ([]string, error) {
	return m.users, nil
}

func (m *memStore) InsertPhantom(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.phantoms[tx.PhantomID] = &cp
	return nil
}

func (m *memStore) UpdateStatus(ctx context.Context, phantomID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phantoms[phantomID]
	if !ok {
		return fmt.Errorf("phantom %s not found", phantomID)
	}
	p.Status = status
	return nil
}

func (m *memStore) AccessLogs(ctx context.Context) ([]AccessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AccessLog, len(m.logs))
	copy(out, m.logs)
	return out, nil
}

func (m *memStore) LogAccess(ctx context.Context, entry AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) ExpiredPhantoms(ctx context.Context, now time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, p := range m.phantoms {
		if p.Status == StatusActive && p.ExpiresAt.Before(now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) UserPhantoms(ctx context.Context, userID, status string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, p := range m.phantoms {
		if p.UserID == userID && p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = fmt.Sprintf("%v", value)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestGenerateDecoysShape(t *testing.T) {
	store := newMemStore("u1", "u2", "u3")
	cache := newMemCache()
	e := NewEngine(store, cache, Options{})

	decoys, err := e.GenerateDecoys(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, decoys, 20)

	for _, d := range decoys {
		assert.True(t, strings.HasPrefix(d.PhantomID, "phantom_"))
		assert.Len(t, d.PhantomID, len("phantom_")+12)
		assert.GreaterOrEqual(t, d.Amount, 10.0)
		assert.LessOrEqual(t, d.Amount, 5000.0)
		assert.GreaterOrEqual(t, d.ProfileSimilarity, 0.7)
		assert.LessOrEqual(t, d.ProfileSimilarity, 1.0)
		assert.GreaterOrEqual(t, d.RiskBaitLevel, 5)
		assert.LessOrEqual(t, d.RiskBaitLevel, 9)
		assert.Contains(t, []string{"purchase", "transfer", "billpay"}, d.DecoyType)
		assert.Equal(t, StatusActive, d.Status)
		assert.Contains(t, []string{"u1", "u2", "u3"}, d.UserID)

		// Each decoy is cached under its phantom key.
		_, ok, _ := cache.Get(context.Background(), cacheKey(d.PhantomID))
		assert.True(t, ok)
	}
}

func TestGenerateDecoysNoActiveUsers(t *testing.T) {
	e := NewEngine(newMemStore(), newMemCache(), Options{})
	decoys, err := e.GenerateDecoys(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, decoys)
}

func TestGeographicDispersion(t *testing.T) {
	store := newMemStore("u1")
	e := NewEngine(store, nil, Options{GeoDispersion: 1.0})

	decoys, err := e.GenerateDecoys(context.Background(), 10)
	require.NoError(t, err)
	for _, d := range decoys {
		assert.Contains(t, dispersedLocations, d.Location)
	}
}

func TestMonitorDecoysMarksTriggered(t *testing.T) {
	store := newMemStore("u1")
	e := NewEngine(store, newMemCache(), Options{})

	decoys, err := e.GenerateDecoys(context.Background(), 2)
	require.NoError(t, err)

	store.LogAccess(context.Background(), AccessLog{
		PhantomID:   decoys[0].PhantomID,
		AccessTime:  time.Now().UTC(),
		SourceIP:    "198.51.100.7",
		ThreatLevel: 8,
		UserID:      "u1",
		Accessed:    true,
	})
	// An un-accessed log entry must not trigger.
	store.LogAccess(context.Background(), AccessLog{
		PhantomID: decoys[1].PhantomID,
		UserID:    "u1",
		Accessed:  false,
	})

	triggers, err := e.MonitorDecoys(context.Background())
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, decoys[0].PhantomID, triggers[0].PhantomID)
	assert.Equal(t, "198.51.100.7", triggers[0].SourceIP)
	assert.Equal(t, "unknown", triggers[0].Geo)
	assert.Equal(t, 8, triggers[0].ThreatLevel)

	triggered, err := e.TriggeredDecoys(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Equal(t, decoys[0].PhantomID, triggered[0].PhantomID)

	active, err := e.ActiveDecoys(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSimulatePhantomActivity(t *testing.T) {
	store := newMemStore("u1")
	cache := newMemCache()
	e := NewEngine(store, cache, Options{})

	tx, access, err := e.SimulatePhantomActivity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", tx.UserID)
	assert.Equal(t, tx.PhantomID, access.PhantomID)
	assert.True(t, access.Accessed)
	assert.True(t, strings.HasPrefix(access.SourceIP, "203.0.113."))
	assert.GreaterOrEqual(t, access.ThreatLevel, 6)
	assert.LessOrEqual(t, access.ThreatLevel, 9)

	// Simulated phantoms get a shorter cache TTL.
	cache.mu.Lock()
	ttl := cache.ttls[cacheKey(tx.PhantomID)]
	cache.mu.Unlock()
	assert.Equal(t, 30*time.Minute, ttl)

	triggers, err := e.MonitorDecoys(context.Background())
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, tx.PhantomID, triggers[0].PhantomID)
}

func TestCleanupExpiredDecoys(t *testing.T) {
	store := newMemStore("u1")
	cache := newMemCache()
	e := NewEngine(store, cache, Options{PhantomTTL: time.Hour})

	decoys, err := e.GenerateDecoys(context.Background(), 3)
	require.NoError(t, err)

	// Force two of them past their TTL.
	store.mu.Lock()
	store.phantoms[decoys[0].PhantomID].ExpiresAt = time.Now().Add(-time.Minute)
	store.phantoms[decoys[1].PhantomID].ExpiresAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	n, err := e.CleanupExpiredDecoys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, _ := cache.Get(context.Background(), cacheKey(decoys[0].PhantomID))
	assert.False(t, ok)
	_, ok, _ = cache.Get(context.Background(), cacheKey(decoys[2].PhantomID))
	assert.True(t, ok)

	active, err := e.ActiveDecoys(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestIsPhantom(t *testing.T) {
	store := newMemStore("u1")
	cache := newMemCache()
	e := NewEngine(store, cache, Options{})

	decoys, err := e.GenerateDecoys(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, e.IsPhantom(context.Background(), decoys[0].PhantomID))
	assert.False(t, e.IsPhantom(context.Background(), "phantom_nonexistent"))
}

func TestRunMonitorsAndExpires(t *testing.T) {
	store := newMemStore("user_1")
	cache := newMemCache()

	var mu sync.Mutex
	var triggers []Trigger
	e := NewEngine(store, cache, Options{
		PhantomTTL:      time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		OnTrigger: func(tr Trigger) {
			mu.Lock()
			triggers = append(triggers, tr)
			mu.Unlock()
		},
	})

	accessed, _, err := e.SimulatePhantomActivity(context.Background(), "user_1")
	require.NoError(t, err)

	stale := e.generatePhantom("user_1")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.InsertPhantom(context.Background(), stale))
	require.NoError(t, cache.Set(context.Background(), cacheKey(stale.PhantomID), stale, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	// The monitor flips the accessed phantom to triggered and reports it;
	// the sweep expires the stale one and evicts its cache entry.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(triggers) == 0 {
			return false
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.phantoms[accessed.PhantomID].Status == StatusTriggered &&
			store.phantoms[stale.PhantomID].Status == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, accessed.PhantomID, triggers[0].PhantomID)
	mu.Unlock()
	assert.False(t, e.IsPhantom(context.Background(), stale.PhantomID))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}
