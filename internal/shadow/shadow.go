// Package shadow mirrors high-risk user sessions into an isolated
// shadow copy, injects decoy transactions on a per-profile cadence, and
// archives terminated sessions for forensics.
package shadow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/fortifi/backend/internal/core"
)

const (
	sessionKeyInfo = "session_shadow_key"
	macKeySize     = 16
	historyLimit   = 100
	nonceLimit     = 4096
	minDecoyFreq   = 10 * time.Second
)

var (
	ErrSessionExists   = errors.New("shadow session already active")
	ErrNoSession       = errors.New("no active shadow session")
	ErrBadMAC          = errors.New("transaction failed integrity check")
	ErrNonceReplay     = errors.New("transaction nonce already seen")
	ErrMissingMAC      = errors.New("transaction carries no integrity tag")
)

// Context carries the risk signals present when shadowing starts.
type Context struct {
	UserID            string  `json:"user_id"`
	DeviceFingerprint string  `json:"device_fingerprint"`
	IPAddress         string  `json:"ip_address"`
	RiskScore         float64 `json:"risk_score"`
	TransactionSum    float64 `json:"transaction_sum"`
}

// Profile sets the decoy cadence for a session.
type Profile struct {
	Name          string        `json:"name"`
	DecoyFreq     time.Duration `json:"decoy_frequency"`
	Types         []string      `json:"types"`
	RiskThreshold float64       `json:"risk_threshold"`
}

func behaviorProfiles() map[string]Profile {
	return map[string]Profile{
		"default": {
			Name: "default", DecoyFreq: 120 * time.Second,
			Types: []string{DecoyAmount, DecoyMerchant, DecoyTiming}, RiskThreshold: 0.70,
		},
		"high_value": {
			Name: "high_value", DecoyFreq: 60 * time.Second,
			Types: []string{DecoyAmount, DecoyGeolocation}, RiskThreshold: 0.90,
		},
		"suspicious": {
			Name: "suspicious", DecoyFreq: 30 * time.Second,
			Types: []string{DecoyMerchant, DecoyDevice}, RiskThreshold: 0.95,
		},
	}
}

type session struct {
	userID        string
	startTime     time.Time
	lastActivity  time.Time
	history       []core.Transaction
	injected      []Decoy
	triggered     []Decoy
	ctx           Context
	profile       Profile
	sessionKey    []byte
	macKey        []byte
	seenNonces    map[string]struct{}
	lastInjection time.Time
	fraudScore    float64
	riskLevel     string
}

// SessionSnapshot is a copy of session state handed to the decoy
// generator. Never aliases live session slices.
type SessionSnapshot struct {
	UserID  string
	Context Context
	Profile Profile
	History []core.Transaction
}

// SessionSummary is the monitoring view of one active session.
type SessionSummary struct {
	UserID     string    `json:"user_id"`
	StartTime  time.Time `json:"start_time"`
	Profile    string    `json:"behavior_profile"`
	DecoyCount int       `json:"decoy_count"`
	FraudScore float64   `json:"fraud_score"`
	RiskLevel  string    `json:"risk_level"`
}

// Forensics is the full reconstruction of a session for incident
// response.
type Forensics struct {
	UserID       string             `json:"user_id"`
	StartTime    time.Time          `json:"start_time"`
	LastActivity time.Time          `json:"last_activity"`
	Transactions []core.Transaction `json:"transactions"`
	Decoys       []Decoy            `json:"decoys_injected"`
	FraudScore   float64            `json:"fraud_score"`
	RiskLevel    string             `json:"risk_level"`
}

// TrapArmer registers an injected decoy with the trap engine.
type TrapArmer interface {
	Arm(decoy Decoy) (string, error)
}

// Options configures the shadow manager.
type Options struct {
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	DispatchTick    time.Duration
	ArchiveDir      string
}

func (o Options) withDefaults() Options {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 1800 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 300 * time.Second
	}
	if o.DispatchTick <= 0 {
		o.DispatchTick = 100 * time.Millisecond
	}
	return o
}

type controlMsg struct {
	userID string
	action string
	factor float64
}

// Manager owns all active shadow sessions. All session mutation happens
// under the manager lock, which gives the per-session ordering between
// mirrored transactions and decoy injections.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	generator *Generator
	armer     TrapArmer
	opts      Options
	control   chan controlMsg
	logger    *log.Logger
	now       func() time.Time

	archived  int
	decoysCut int
}

// NewManager creates a shadow session manager.
func NewManager(generator *Generator, armer TrapArmer, opts Options) *Manager {
	return &Manager{
		sessions:  make(map[string]*session),
		generator: generator,
		armer:     armer,
		opts:      opts.withDefaults(),
		control:   make(chan controlMsg, 256),
		logger:    log.New(log.Writer(), "[SessionShadow] ", log.LstdFlags),
		now:       time.Now,
	}
}

// StartShadowing opens a shadow session for userID. Returns
// ErrSessionExists when one is already active.
func (m *Manager) StartShadowing(userID string, ctx Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; ok {
		return ErrSessionExists
	}

	sessionKey, err := deriveSessionKey(ctx)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	now := m.now()
	s := &session{
		userID:       userID,
		startTime:    now,
		lastActivity: now,
		ctx:          ctx,
		profile:      determineProfile(ctx),
		sessionKey:   sessionKey,
		macKey:       deriveMACKey(sessionKey),
		seenNonces:   make(map[string]struct{}),
		riskLevel:    "low",
	}
	m.sessions[userID] = s
	m.logger.Printf("started shadow session for %s (profile: %s)", userID, s.profile.Name)
	return nil
}

// MACKey returns the admission key for a session so in-process callers
// can sign mirrored transactions.
func (m *Manager) MACKey(userID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	key := make([]byte, len(s.macKey))
	copy(key, s.macKey)
	return key, true
}

// SignTransaction computes the admission tag for a transaction: an
// HMAC-SHA256 over the canonical transaction bytes and the nonce.
func SignTransaction(macKey []byte, tx core.Transaction, nonce string) string {
	mac := hmac.New(sha256.New, macKey)
	data, _ := json.Marshal(tx)
	mac.Write(data)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// RecordTransaction mirrors a transaction into the session. Admission
// requires a valid MAC and a fresh nonce; replays are rejected.
func (m *Manager) RecordTransaction(userID string, tx core.Transaction, nonce, tag string) error {
	if tag == "" {
		return ErrMissingMAC
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return ErrNoSession
	}

	want := SignTransaction(s.macKey, tx, nonce)
	if !hmac.Equal([]byte(want), []byte(tag)) {
		m.logger.Printf("integrity check failed for %s", userID)
		return ErrBadMAC
	}
	if _, seen := s.seenNonces[nonce]; seen {
		return ErrNonceReplay
	}
	if len(s.seenNonces) >= nonceLimit {
		s.seenNonces = make(map[string]struct{})
	}
	s.seenNonces[nonce] = struct{}{}

	s.history = append(s.history, tx)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.lastActivity = m.now()
	m.updateRiskLocked(s)
	return nil
}

// updateRiskLocked recomputes the running fraud score from the amount
// and time velocity of the last three mirrored transactions.
func (m *Manager) updateRiskLocked(s *session) {
	n := len(s.history)
	if n < 3 {
		return
	}
	last3 := s.history[n-3:]
	amountVel := (last3[0].Amount + last3[1].Amount + last3[2].Amount) / 3
	timeVel := last3[2].Timestamp.Sub(last3[0].Timestamp).Seconds() / 2

	score := 1.0
	if timeVel > 0 {
		score = amountVel/10000 + 1/timeVel
		if score > 1 {
			score = 1
		}
	}
	s.fraudScore = score
	switch {
	case score >= s.profile.RiskThreshold:
		s.riskLevel = "high"
	case score >= 0.5:
		s.riskLevel = "medium"
	default:
		s.riskLevel = "low"
	}

	if score > s.profile.RiskThreshold {
		select {
		case m.control <- controlMsg{userID: s.userID, action: "increase_frequency", factor: 2}:
		default:
			m.logger.Printf("control queue full, dropping elevation for %s", s.userID)
		}
	}
}

// Run drives the control loop, the decoy dispatcher and the cleanup
// scheduler until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	dispatch := time.NewTicker(m.opts.DispatchTick)
	cleanup := time.NewTicker(m.opts.CleanupInterval)
	defer dispatch.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.control:
			m.handleControl(msg)
		case <-dispatch.C:
			m.DispatchDecoys()
		case <-cleanup.C:
			m.CleanupExpired()
		}
	}
}

func (m *Manager) handleControl(msg controlMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.userID]
	if !ok {
		return
	}
	if msg.action == "increase_frequency" && msg.factor > 0 {
		next := time.Duration(float64(s.profile.DecoyFreq) / msg.factor)
		if next < minDecoyFreq {
			next = minDecoyFreq
		}
		s.profile.DecoyFreq = next
		m.logger.Printf("updated %s decoy frequency to %s", msg.userID, next)
	}
}

// DispatchDecoys injects one decoy into every session whose cadence is
// due, arming each with the trap engine.
func (m *Manager) DispatchDecoys() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for userID, s := range m.sessions {
		last := s.lastInjection
		if last.IsZero() {
			last = s.startTime
		}
		if now.Sub(last) < s.profile.DecoyFreq {
			continue
		}
		decoy := m.generator.Generate(snapshotLocked(s))
		s.injected = append(s.injected, decoy)
		s.lastInjection = now
		m.decoysCut++
		if m.armer != nil {
			if _, err := m.armer.Arm(decoy); err != nil {
				m.logger.Printf("arm decoy %s: %v", decoy.Marker, err)
			}
		}
		m.logger.Printf("injected %s for %s", decoy.Marker, userID)
	}
}

// MarkDecoyTriggered records that an injected decoy was touched.
func (m *Manager) MarkDecoyTriggered(userID, marker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	for _, d := range s.injected {
		if d.Marker == marker {
			s.triggered = append(s.triggered, d)
			return
		}
	}
}

// CleanupExpired terminates sessions idle past the timeout.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []string
	for userID, s := range m.sessions {
		if now.Sub(s.lastActivity) > m.opts.SessionTimeout {
			expired = append(expired, userID)
		}
	}
	for _, userID := range expired {
		m.terminateLocked(userID)
	}
	return len(expired)
}

// TerminateSession archives and removes a session. Used by containment
// as well as the cleanup scheduler. Terminating an unknown session is a
// no-op.
func (m *Manager) TerminateSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateLocked(userID)
}

func (m *Manager) terminateLocked(userID string) {
	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	delete(m.sessions, userID)
	m.archived++

	if m.opts.ArchiveDir == "" {
		return
	}
	if err := os.MkdirAll(m.opts.ArchiveDir, 0o750); err != nil {
		m.logger.Printf("archive dir: %v", err)
		return
	}
	now := m.now()
	name := fmt.Sprintf("%s_%s.json", userID, now.UTC().Format("20060102150405"))
	payload := map[string]interface{}{
		"meta": map[string]interface{}{
			"user_id":    userID,
			"start_time": s.startTime.UTC().Format(time.RFC3339),
			"duration":   now.Sub(s.startTime).Seconds(),
		},
		"stats": map[string]interface{}{
			"decoy_count": len(s.injected),
			"fraud_score": s.fraudScore,
			"risk_level":  s.riskLevel,
		},
		"decoys_injected":  len(s.injected),
		"decoys_triggered": len(s.triggered),
	}
	data, _ := json.MarshalIndent(payload, "", "  ")
	if err := os.WriteFile(filepath.Join(m.opts.ArchiveDir, name), data, 0o640); err != nil {
		m.logger.Printf("archive session for %s: %v", userID, err)
		return
	}
	m.logger.Printf("archived session for %s with %d decoys", userID, len(s.injected))
}

// ActiveSessions returns monitoring summaries of every live session.
func (m *Manager) ActiveSessions() []SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionSummary{
			UserID:     s.userID,
			StartTime:  s.startTime,
			Profile:    s.profile.Name,
			DecoyCount: len(s.injected),
			FraudScore: s.fraudScore,
			RiskLevel:  s.riskLevel,
		})
	}
	return out
}

// ForensicAnalysis reconstructs a live session for incident response.
// Returns nil when the user has no active session.
func (m *Manager) ForensicAnalysis(userID string) *Forensics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	f := &Forensics{
		UserID:       userID,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
		Transactions: append([]core.Transaction(nil), s.history...),
		Decoys:       append([]Decoy(nil), s.injected...),
		FraudScore:   s.fraudScore,
		RiskLevel:    s.riskLevel,
	}
	return f
}

// Stats reports manager counters for the health endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"active_sessions":  len(m.sessions),
		"archived":         m.archived,
		"decoys_injected":  m.decoysCut,
		"session_timeout":  m.opts.SessionTimeout.String(),
		"cleanup_interval": m.opts.CleanupInterval.String(),
	}
}

func snapshotLocked(s *session) SessionSnapshot {
	return SessionSnapshot{
		UserID:  s.userID,
		Context: s.ctx,
		Profile: s.profile,
		History: append([]core.Transaction(nil), s.history...),
	}
}

// determineProfile selects the decoy strategy from the opening risk
// signals.
func determineProfile(ctx Context) Profile {
	profiles := behaviorProfiles()
	switch {
	case ctx.RiskScore > 0.9:
		return profiles["suspicious"]
	case ctx.TransactionSum > 10000:
		return profiles["high_value"]
	default:
		return profiles["default"]
	}
}

// deriveSessionKey runs HKDF-SHA256 over the canonical context bytes
// with a fresh random salt.
func deriveSessionKey(ctx Context) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	secret, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(sessionKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// deriveMACKey squeezes the admission key out of SHAKE-128.
func deriveMACKey(sessionKey []byte) []byte {
	h := sha3.NewShake128()
	h.Write(sessionKey)
	key := make([]byte, macKeySize)
	io.ReadFull(h, key)
	return key
}
