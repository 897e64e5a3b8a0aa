// Package limitsync propagates applied limit changes to the downstream
// enforcement endpoints with retry, persistent status records and a
// manual resync path for failed runs.
package limitsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// Sync entry statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// EndpointResult records one endpoint attempt outcome.
type EndpointResult struct {
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"` // "success", "error", "exception"
	Code     int    `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Entry is one sync operation, persisted as {sync_id}.json once it
// reaches a terminal state.
type Entry struct {
	SyncID      string           `json:"sync_id"`
	UserID      string           `json:"user_id"`
	Limits      core.LimitSet    `json:"limits"`
	Status      string           `json:"status"`
	Attempts    int              `json:"attempts"`
	Results     []EndpointResult `json:"results"`
	Timestamp   time.Time        `json:"timestamp"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Options configures the syncer.
type Options struct {
	Endpoints  []string
	MaxRetries int
	Backoff    float64
	StatusDir  string
	APIToken   string
	SystemID   string
	Timeout    time.Duration

	// Retention for persisted status files.
	Retention time.Duration
}

// Syncer pushes limit sets to the configured endpoints.
type Syncer struct {
	opts   Options
	client *http.Client
	logger *log.Logger

	mu    sync.Mutex
	queue []*Entry
}

// NewSyncer creates a syncer and ensures the status directory exists.
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 1.5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SystemID == "" {
		opts.SystemID = "SPEND_CTRL"
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if err := os.MkdirAll(opts.StatusDir, 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	return &Syncer{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: log.New(log.Writer(), "[LimitSync] ", log.LstdFlags),
	}, nil
}

// Apply queues a sync operation and returns its sync ID.
func (s *Syncer) Apply(userID string, limits core.LimitSet) string {
	entry := &Entry{
		SyncID:    generateSyncID(userID, limits, time.Now().UTC()),
		UserID:    userID,
		Limits:    limits,
		Status:    StatusPending,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.mu.Unlock()

	s.logger.Printf("queued limit sync for user %s (%s)", userID, entry.SyncID)
	return entry.SyncID
}

// Run drains the queue every second and sweeps expired status files
// hourly until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	janitor := time.NewTicker(time.Hour)
	defer janitor.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessQueue(ctx)
		case <-janitor.C:
			if n := s.CleanupStatusFiles(); n > 0 {
				s.logger.Printf("removed %d expired status files", n)
			}
		}
	}
}

// ProcessQueue pushes every pending entry to all endpoints and
// persists terminal entries.
func (s *Syncer) ProcessQueue(ctx context.Context) {
	s.mu.Lock()
	pending := make([]*Entry, 0, len(s.queue))
	for _, e := range s.queue {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	s.queue = s.queue[:0]
	s.mu.Unlock()

	for _, entry := range pending {
		s.syncToEndpoints(ctx, entry)
		if err := s.writeStatus(entry); err != nil {
			s.logger.Printf("write status for %s: %v", entry.SyncID, err)
		}
	}
}

// syncToEndpoints pushes the entry to every endpoint with per-endpoint
// retry. The entry completes only when every endpoint succeeded.
func (s *Syncer) syncToEndpoints(ctx context.Context, entry *Entry) {
	var results []EndpointResult
	allOK := true

	for _, endpoint := range s.opts.Endpoints {
		ok := false
		for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
			entry.Attempts++
			result := s.push(ctx, endpoint, entry)
			results = append(results, result)
			if result.Status == "success" {
				ok = true
				break
			}
			if attempt < s.opts.MaxRetries {
				delay := time.Duration(float64(time.Second) * powf(s.opts.Backoff, attempt+1))
				select {
				case <-ctx.Done():
					break
				case <-time.After(delay):
				}
			}
		}
		if !ok {
			allOK = false
			s.logger.Printf("limit sync failed for %s at %s", entry.UserID, endpoint)
		}
	}

	entry.Results = results
	now := time.Now().UTC()
	entry.CompletedAt = &now
	if allOK {
		entry.Status = StatusCompleted
	} else {
		entry.Status = StatusFailed
	}
}

func (s *Syncer) push(ctx context.Context, endpoint string, entry *Entry) EndpointResult {
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id": entry.UserID,
		"limits":  entry.Limits,
	})
	url := formatEndpointURL(endpoint, entry.UserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return EndpointResult{Endpoint: endpoint, Status: "exception", Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-System-Id", s.opts.SystemID)

	resp, err := s.client.Do(req)
	if err != nil {
		return EndpointResult{Endpoint: endpoint, Status: "exception", Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return EndpointResult{Endpoint: endpoint, Status: "success", Code: resp.StatusCode}
	}
	return EndpointResult{Endpoint: endpoint, Status: "error", Code: resp.StatusCode}
}

// formatEndpointURL substitutes {user_id} when the template carries it,
// otherwise appends the conventional path.
func formatEndpointURL(endpoint, userID string) string {
	if strings.Contains(endpoint, "{user_id}") {
		return strings.ReplaceAll(endpoint, "{user_id}", userID)
	}
	return fmt.Sprintf("%s/users/%s/limits", endpoint, userID)
}

func generateSyncID(userID string, limits core.LimitSet, ts time.Time) string {
	payload, _ := json.Marshal(limits)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", userID, payload, ts.Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:])
}

func powf(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// ============================================================================
// STATUS PERSISTENCE
// ============================================================================

func (s *Syncer) writeStatus(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.opts.StatusDir, entry.SyncID+".json")
	return os.WriteFile(path, data, 0o644)
}

// GetSyncStatus loads a persisted entry by ID, nil if absent.
func (s *Syncer) GetSyncStatus(syncID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.opts.StatusDir, syncID+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListRecentSyncs returns up to limit persisted entries, newest first.
func (s *Syncer) ListRecentSyncs(limit int) ([]*Entry, error) {
	files, err := statusFilesByMtime(s.opts.StatusDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(files) {
		files = files[:limit]
	}
	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// ManualResync requeues a failed sync. Entries in any other state are
// left alone.
func (s *Syncer) ManualResync(syncID string) error {
	entry, err := s.GetSyncStatus(syncID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != StatusFailed {
		return fmt.Errorf("no failed sync to resync for %s", syncID)
	}
	entry.Status = StatusPending
	entry.Attempts = 0
	entry.Results = nil
	entry.CompletedAt = nil

	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
	s.logger.Printf("manual resync triggered for %s", syncID)
	return nil
}

// CleanupStatusFiles removes persisted entries older than the
// retention window. Returns how many were removed.
func (s *Syncer) CleanupStatusFiles() int {
	cutoff := time.Now().Add(-s.opts.Retention)
	matches, _ := filepath.Glob(filepath.Join(s.opts.StatusDir, "*.json"))
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed
}

// SummaryReport aggregates persisted entries from the last N days by
// status and per-endpoint outcome.
func (s *Syncer) SummaryReport(days int) (map[string]interface{}, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	matches, err := filepath.Glob(filepath.Join(s.opts.StatusDir, "*.json"))
	if err != nil {
		return nil, err
	}

	summary := map[string]interface{}{
		"total":     0,
		"completed": 0,
		"failed":    0,
		"pending":   0,
	}
	byEndpoint := make(map[string]map[string]int)

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		summary["total"] = summary["total"].(int) + 1
		if n, ok := summary[entry.Status].(int); ok {
			summary[entry.Status] = n + 1
		}
		for _, r := range entry.Results {
			stats, ok := byEndpoint[r.Endpoint]
			if !ok {
				stats = map[string]int{"success": 0, "error": 0, "exception": 0}
				byEndpoint[r.Endpoint] = stats
			}
			stats[r.Status]++
		}
	}
	summary["by_endpoint"] = byEndpoint
	return summary, nil
}

func statusFilesByMtime(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	type fileInfo struct {
		path  string
		mtime time.Time
	}
	infos := make([]fileInfo, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		infos = append(infos, fileInfo{path: m, mtime: st.ModTime()})
	}
	for i := 0; i < len(infos)-1; i++ {
		for j := 0; j < len(infos)-i-1; j++ {
			if infos[j].mtime.Before(infos[j+1].mtime) {
				infos[j], infos[j+1] = infos[j+1], infos[j]
			}
		}
	}
	out := make([]string, len(infos))
	for i, fi := range infos {
		out[i] = fi.path
	}
	return out, nil
}

// QueueDepth returns the number of queued entries.
func (s *Syncer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
