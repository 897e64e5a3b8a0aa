package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// MarketSource fetches the current market conditions snapshot.
type MarketSource interface {
	FetchMarketConditions(ctx context.Context) (core.MarketConditions, error)
}

// HTTPMarketSource fetches market conditions from the market data
// service.
type HTTPMarketSource struct {
	URL    string
	Client *http.Client
}

// FetchMarketConditions implements MarketSource.
func (s *HTTPMarketSource) FetchMarketConditions(ctx context.Context) (core.MarketConditions, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return core.MarketConditions{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return core.MarketConditions{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.MarketConditions{}, fmt.Errorf("market service status %d", resp.StatusCode)
	}
	var mc core.MarketConditions
	if err := json.NewDecoder(resp.Body).Decode(&mc); err != nil {
		return core.MarketConditions{}, err
	}
	return mc, nil
}

// defaultMarketConditions is served until the first successful fetch
// and after fetch failures.
func defaultMarketConditions() core.MarketConditions {
	return core.MarketConditions{
		FraudIndex:    0.15,
		EconomicIndex: 0.92,
		Volatility:    0.3,
	}
}

// MarketMonitor keeps a periodically refreshed market snapshot.
type MarketMonitor struct {
	source   MarketSource
	interval time.Duration
	logger   *log.Logger

	mu      sync.RWMutex
	current core.MarketConditions
}

// NewMarketMonitor creates a monitor. A nil source pins the defaults.
func NewMarketMonitor(source MarketSource, interval time.Duration) *MarketMonitor {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &MarketMonitor{
		source:   source,
		interval: interval,
		logger:   log.New(log.Writer(), "[MarketMonitor] ", log.LstdFlags),
		current:  defaultMarketConditions(),
	}
}

// Current returns the latest snapshot.
func (m *MarketMonitor) Current() core.MarketConditions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Run refreshes the snapshot until ctx ends. Fetch failures keep the
// previous snapshot.
func (m *MarketMonitor) Run(ctx context.Context) {
	m.refresh(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *MarketMonitor) refresh(ctx context.Context) {
	if m.source == nil {
		return
	}
	mc, err := m.source.FetchMarketConditions(ctx)
	if err != nil {
		m.logger.Printf("market fetch failed, keeping previous snapshot: %v", err)
		return
	}
	mc.FetchedAt = time.Now()
	m.mu.Lock()
	m.current = mc
	m.mu.Unlock()
}
