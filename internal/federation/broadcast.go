package federation

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	peerTimeout   = 5 * time.Second
	minPeerTrust  = 0.1
	maxPeerTrust  = 1.0
	trustDecay    = 0.02 // per minute
	trustPenalty  = 0.2
	trustReward   = 0.05
)

// Broadcaster pushes encrypted delta packages to federation peers.
// Delivery is best-effort: a dead peer never blocks local progress.
// Peer trust decays over time and is reinforced by successful
// deliveries; peers below the trust floor are skipped.
type Broadcaster struct {
	nodeID string
	peers  []string
	aead   cipher.AEAD
	client *http.Client
	logger *log.Logger
	now    func() time.Time

	mu    sync.Mutex
	trust map[string]peerTrust
}

type peerTrust struct {
	value float64
	asOf  time.Time
}

// NewBroadcaster derives an AES-256-GCM channel key from the
// federation secret.
func NewBroadcaster(nodeID string, peers []string, secret []byte) (*Broadcaster, error) {
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		nodeID: nodeID,
		peers:  peers,
		aead:   aead,
		client: &http.Client{Timeout: peerTimeout},
		logger: log.New(log.Writer(), "[FederatedBroadcaster] ", log.LstdFlags),
		now:    time.Now,
		trust:  make(map[string]peerTrust),
	}, nil
}

// envelope is the wire frame a peer receives.
type envelope struct {
	NodeID  string `json:"node_id"`
	Nonce   []byte `json:"nonce"`
	Payload []byte `json:"payload"`
}

// Broadcast seals the package and posts it to every trusted peer.
// Returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, pkg *DeltaPackage) int {
	plaintext, err := json.Marshal(pkg)
	if err != nil {
		b.logger.Printf("marshal delta: %v", err)
		return 0
	}

	delivered := 0
	for _, peer := range b.peers {
		if peer == b.nodeID {
			continue
		}
		if b.peerTrust(peer) < minPeerTrust+1e-9 {
			b.logger.Printf("skipping low-trust peer %s", peer)
			continue
		}
		if err := b.send(ctx, peer, plaintext); err != nil {
			b.logger.Printf("failed to broadcast to %s: %v", peer, err)
			b.adjustTrust(peer, -trustPenalty)
			continue
		}
		b.adjustTrust(peer, trustReward)
		delivered++
	}
	return delivered
}

func (b *Broadcaster) send(ctx context.Context, peer string, plaintext []byte) error {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	env := envelope{
		NodeID:  b.nodeID,
		Nonce:   nonce,
		Payload: b.aead.Seal(nil, nonce, plaintext, nil),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/federation/delta", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	return nil
}

// Open decrypts an envelope received from a peer.
func (b *Broadcaster) Open(env envelope) (*DeltaPackage, error) {
	plaintext, err := b.aead.Open(nil, env.Nonce, env.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt peer delta: %w", err)
	}
	var pkg DeltaPackage
	if err := json.Unmarshal(plaintext, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// DecodeEnvelope parses and decrypts a raw peer request body.
func (b *Broadcaster) DecodeEnvelope(body []byte) (*DeltaPackage, string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", err
	}
	pkg, err := b.Open(env)
	return pkg, env.NodeID, err
}

// peerTrust returns the current decayed trust for a peer.
func (b *Broadcaster) peerTrust(peer string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	t, ok := b.trust[peer]
	if !ok {
		t = peerTrust{value: maxPeerTrust, asOf: now}
	}
	minutes := now.Sub(t.asOf).Minutes()
	value := t.value * math.Exp(-trustDecay*minutes)
	if value < minPeerTrust {
		value = minPeerTrust
	}
	b.trust[peer] = peerTrust{value: value, asOf: now}
	return value
}

func (b *Broadcaster) adjustTrust(peer string, delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	t, ok := b.trust[peer]
	if !ok {
		t = peerTrust{value: maxPeerTrust, asOf: now}
	}
	value := t.value + delta
	if value > maxPeerTrust {
		value = maxPeerTrust
	}
	if value < minPeerTrust {
		value = minPeerTrust
	}
	b.trust[peer] = peerTrust{value: value, asOf: now}
}

// PeerTrust exposes the trust table for monitoring.
func (b *Broadcaster) PeerTrust() map[string]float64 {
	out := make(map[string]float64, len(b.peers))
	for _, peer := range b.peers {
		out[peer] = b.peerTrust(peer)
	}
	return out
}

// ChainClient records delta propagation on an external ledger. The
// implementation is opaque to the coordinator.
type ChainClient interface {
	LogPropagation(ctx context.Context, deltaHash, patternHash string) (string, error)
	VerifyPropagation(ctx context.Context, deltaHash string) (bool, error)
}

// HTTPChainClient talks to a ledger relay over JSON/HTTP.
type HTTPChainClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPChainClient creates a relay-backed chain client.
func NewHTTPChainClient(baseURL, apiKey string) *HTTPChainClient {
	return &HTTPChainClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: peerTimeout},
	}
}

func (c *HTTPChainClient) LogPropagation(ctx context.Context, deltaHash, patternHash string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"delta_hash":   deltaHash,
		"pattern_hash": patternHash,
		"timestamp":    time.Now().Unix(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/propagations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger relay returned %d", resp.StatusCode)
	}
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *HTTPChainClient) VerifyPropagation(ctx context.Context, deltaHash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/propagations/"+deltaHash, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("ledger relay returned %d", resp.StatusCode)
	}
	return true, nil
}
