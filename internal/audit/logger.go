// Package audit persists limit-change records as an encrypted,
// append-only log with a plaintext search index. Records are
// compressed, sealed with AES-256-GCM and framed so the read path can
// walk a log file record by record.
package audit

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fortifi/backend/internal/core"
)

const (
	nonceSize  = 12
	tagSize    = 16
	saltFile   = "key.salt"
	indexFile  = "index.csv"
	kdfRounds  = 100000
	queueLimit = 10000
)

// ErrQueueFull is returned when the log intake queue is saturated.
var ErrQueueFull = errors.New("audit log queue full")

// Record is one limit-change audit record. Field order is the
// canonical serialization; the index stores its SHA-256.
type Record struct {
	Timestamp time.Time     `json:"timestamp"`
	UserID    string        `json:"user_id"`
	OldLimits core.LimitSet `json:"old_limits"`
	NewLimits core.LimitSet `json:"new_limits"`
	RiskScore float64       `json:"risk_score"`
	Signature string        `json:"signature"`
}

func (r *Record) canonical() []byte {
	data, _ := json.Marshal(r)
	return data
}

// Hash returns the hex SHA-256 of the canonical serialization.
func (r *Record) Hash() string {
	sum := sha256.Sum256(r.canonical())
	return hex.EncodeToString(sum[:])
}

// ComputeSignature produces the tamper-evidence HMAC for a limit
// change, keyed by the log secret salted with the user ID.
func ComputeSignature(secret, userID string, limits core.LimitSet, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret+":"+userID))
	payload, _ := json.Marshal(limits)
	mac.Write(payload)
	mac.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Options configures the logger.
type Options struct {
	Dir           string
	Secret        string
	MaxLogSize    int64
	RetentionDays int
	Writers       int
}

// Logger is the encrypted audit log.
type Logger struct {
	opts   Options
	aead   cipher.AEAD
	logger *log.Logger

	queue    chan *Record
	inflight int64
	dropped  uint64

	fileMu      sync.Mutex
	currentPath string

	wg sync.WaitGroup
}

// NewLogger creates the log directory, derives the encryption key and
// opens the first log segment. The KDF salt persists beside the logs
// so records survive restarts.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Secret == "" {
		return nil, errors.New("audit secret is required")
	}
	if opts.MaxLogSize <= 0 {
		opts.MaxLogSize = 100 << 20
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	if opts.Writers <= 0 {
		opts.Writers = 4
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(opts.Dir, saltFile))
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(opts.Secret), salt, kdfRounds, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		opts:   opts,
		aead:   aead,
		logger: log.New(log.Writer(), "[LimitLogger] ", log.LstdFlags),
		queue:  make(chan *Record, queueLimit),
	}
	if err := l.rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == 16 {
		return salt, nil
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist key salt: %w", err)
	}
	return salt, nil
}

// Start launches the writer pool. Stop with Close.
func (l *Logger) Start() {
	for i := 0; i < l.opts.Writers; i++ {
		l.wg.Add(1)
		go l.writerLoop()
	}
}

// Close drains the queue and stops the writers.
func (l *Logger) Close() {
	close(l.queue)
	l.wg.Wait()
}

// Log queues a record for encrypted persistence. Returns ErrQueueFull
// when the intake queue is saturated; the record is dropped.
func (l *Logger) Log(r *Record) error {
	atomic.AddInt64(&l.inflight, 1)
	select {
	case l.queue <- r:
		return nil
	default:
		atomic.AddInt64(&l.inflight, -1)
		atomic.AddUint64(&l.dropped, 1)
		l.logger.Printf("log queue full, entry dropped for %s", r.UserID)
		return ErrQueueFull
	}
}

// Flush blocks until every queued record has been written.
func (l *Logger) Flush() {
	for atomic.LoadInt64(&l.inflight) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
}

func (l *Logger) writerLoop() {
	defer l.wg.Done()
	for r := range l.queue {
		if err := l.write(r); err != nil {
			l.logger.Printf("failed to process log entry: %v", err)
		}
		atomic.AddInt64(&l.inflight, -1)
	}
}

// write encrypts and appends one record, then updates the index.
func (l *Logger) write(r *Record) error {
	frame, err := l.seal(r)
	if err != nil {
		return err
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := l.checkRotationLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return l.updateIndexLocked(r)
}

// seal produces the record frame: nonce(12) || tag(16) || len(4,BE) || ct.
func (l *Logger) seal(r *Record) ([]byte, error) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(r.canonical()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := l.aead.Seal(nil, nonce, compressed.Bytes(), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	frame := make([]byte, 0, nonceSize+tagSize+4+len(ct))
	frame = append(frame, nonce...)
	frame = append(frame, tag...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(ct)))
	frame = append(frame, ct...)
	return frame, nil
}

func (l *Logger) updateIndexLocked(r *Record) error {
	f, err := os.OpenFile(filepath.Join(l.opts.Dir, indexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	err = w.Write([]string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.UserID,
		strconv.FormatFloat(r.NewLimits.Daily, 'f', -1, 64),
		strconv.FormatFloat(r.NewLimits.Transaction, 'f', -1, 64),
		filepath.Base(l.currentPath),
		r.Hash(),
	})
	if err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// ============================================================================
// ROTATION AND RETENTION
// ============================================================================

func (l *Logger) checkRotationLocked() error {
	info, err := os.Stat(l.currentPath)
	if err != nil {
		return nil
	}
	if info.Size() > l.opts.MaxLogSize {
		return l.rotateLocked()
	}
	return nil
}

func (l *Logger) rotate() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	stamp := time.Now().UTC().Format("20060102_150405")
	path := filepath.Join(l.opts.Dir, fmt.Sprintf("limits_%s.enc", stamp))
	for seq := 2; path == l.currentPath || exists(path); seq++ {
		path = filepath.Join(l.opts.Dir, fmt.Sprintf("limits_%s_%d.enc", stamp, seq))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	f.Close()
	l.currentPath = path
	l.logger.Printf("rotated to new log file: %s", filepath.Base(path))
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnforceRetention deletes log segments older than the retention
// window and returns how many were removed.
func (l *Logger) EnforceRetention() int {
	cutoff := time.Now().Add(-time.Duration(l.opts.RetentionDays) * 24 * time.Hour)
	matches, _ := filepath.Glob(filepath.Join(l.opts.Dir, "*.enc"))

	removed := 0
	for _, path := range matches {
		l.fileMu.Lock()
		current := path == l.currentPath
		l.fileMu.Unlock()
		if current {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
				l.logger.Printf("deleted old log file: %s", filepath.Base(path))
			}
		}
	}
	return removed
}

// StartRetentionEnforcer runs EnforceRetention every interval.
func (l *Logger) StartRetentionEnforcer(stop <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.EnforceRetention()
			}
		}
	}()
}

// ============================================================================
// SEARCH
// ============================================================================

// Query gates the search by index columns before any decryption.
type Query struct {
	StartTime     *time.Time
	EndTime       *time.Time
	UserID        string
	MinDailyLimit *float64
}

// Search scans the index and decrypts only the records whose index row
// matches the query.
func (l *Logger) Search(q Query) ([]*Record, error) {
	f, err := os.Open(filepath.Join(l.opts.Dir, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var results []*Record
	reader := csv.NewReader(f)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) != 6 || !matchesQuery(row, q) {
			continue
		}
		record, err := l.retrieve(row[4], row[5])
		if err != nil {
			l.logger.Printf("failed to retrieve log entry: %v", err)
			continue
		}
		if record != nil {
			results = append(results, record)
		}
	}
	return results, nil
}

func matchesQuery(row []string, q Query) bool {
	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return false
	}
	if q.StartTime != nil && ts.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && ts.After(*q.EndTime) {
		return false
	}
	if q.UserID != "" && row[1] != q.UserID {
		return false
	}
	if q.MinDailyLimit != nil {
		daily, err := strconv.ParseFloat(row[2], 64)
		if err != nil || daily < *q.MinDailyLimit {
			return false
		}
	}
	return true
}

// retrieve walks a log segment frame by frame until the record with
// the given canonical hash is found.
func (l *Logger) retrieve(fileName, wantHash string) (*Record, error) {
	f, err := os.Open(filepath.Join(l.opts.Dir, filepath.Base(fileName)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, nonceSize+tagSize+4)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, nil
			}
			return nil, err
		}
		nonce := header[:nonceSize]
		tag := header[nonceSize : nonceSize+tagSize]
		ctLen := binary.BigEndian.Uint32(header[nonceSize+tagSize:])

		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(f, ct); err != nil {
			return nil, err
		}

		sealed := append(ct, tag...)
		compressed, err := l.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt record: %w", err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		plain, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, err
		}

		var record Record
		if err := json.Unmarshal(plain, &record); err != nil {
			return nil, err
		}
		if record.Hash() == wantHash {
			return &record, nil
		}
	}
}

// ============================================================================
// EXPORT
// ============================================================================

// Export copies every log segment into a timestamped directory with a
// manifest and a package checksum, for SOC handoff.
func (l *Logger) Export(outputDir, systemID string) (string, error) {
	exportDir := filepath.Join(outputDir, fmt.Sprintf("limit_logs_export_%s", time.Now().UTC().Format("20060102150405")))
	if err := os.MkdirAll(exportDir, 0o750); err != nil {
		return "", err
	}

	matches, err := filepath.Glob(filepath.Join(l.opts.Dir, "*.enc"))
	if err != nil {
		return "", err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(exportDir, filepath.Base(path)), data, 0o640); err != nil {
			return "", err
		}
	}

	manifest, _ := json.Marshal(map[string]interface{}{
		"export_time": time.Now().UTC().Format(time.RFC3339),
		"log_count":   len(matches),
		"system_id":   systemID,
	})
	if err := os.WriteFile(filepath.Join(exportDir, "manifest.json"), manifest, 0o640); err != nil {
		return "", err
	}

	checksum := sha256.New()
	files, _ := filepath.Glob(filepath.Join(exportDir, "*"))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		checksum.Write(data)
	}
	sumPath := filepath.Join(exportDir, "checksum.sha256")
	if err := os.WriteFile(sumPath, []byte(hex.EncodeToString(checksum.Sum(nil))), 0o640); err != nil {
		return "", err
	}
	return exportDir, nil
}

// ============================================================================
// HEALTH
// ============================================================================

// Ready verifies the logger can still seal and persist records: the key
// salt must be present and the current segment writable.
func (l *Logger) Ready() error {
	if _, err := os.Stat(filepath.Join(l.opts.Dir, saltFile)); err != nil {
		return fmt.Errorf("key salt missing: %w", err)
	}
	l.fileMu.Lock()
	path := l.currentPath
	l.fileMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("log segment not writable: %w", err)
	}
	return f.Close()
}

// StartHealthReporter periodically logs queue pressure and verifies the
// log remains writable, so operators see degradation before records drop.
func (l *Logger) StartHealthReporter(stop <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				depth := len(l.queue)
				if depth > queueLimit*8/10 {
					l.logger.Printf("queue pressure: %d/%d entries pending", depth, queueLimit)
				}
				if err := l.Ready(); err != nil {
					l.logger.Printf("health check failed: %v", err)
				}
			}
		}
	}()
}

// Stats returns logger counters for the monitoring endpoint.
func (l *Logger) Stats() map[string]interface{} {
	l.fileMu.Lock()
	current := filepath.Base(l.currentPath)
	l.fileMu.Unlock()
	return map[string]interface{}{
		"current_segment": current,
		"queue_depth":     len(l.queue),
		"dropped":         atomic.LoadUint64(&l.dropped),
	}
}
