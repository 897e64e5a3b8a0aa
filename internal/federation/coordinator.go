// Package federation shares abstracted fraud patterns across peer
// institutions: a confirmed fraud case is embedded, folded into the
// local model, and the differentially private weight delta is
// broadcast with an integrity proof and logged on an external ledger.
package federation

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log"
	"math"

	"golang.org/x/crypto/sha3"
)

const (
	inputDim  = 64
	latentDim = 16
)

// Encoder abstracts a fraud case into a low-dimensional embedding. No
// raw transaction data survives abstraction.
type Encoder interface {
	Abstract(features map[string]float64) ([]float32, error)
}

// Trainer folds an embedding into model weights.
type Trainer interface {
	Retrain(model map[string]Tensor, embedding []float32) map[string]Tensor
}

// hashEncoder is the default embedding: a fixed random-projection of
// the canonical feature vector into the latent space. Deterministic
// per input, so peers can reproduce pattern hashes.
type hashEncoder struct{}

// NewHashEncoder returns the default deterministic encoder.
func NewHashEncoder() Encoder { return hashEncoder{} }

func (hashEncoder) Abstract(features map[string]float64) ([]float32, error) {
	v := make([]float64, inputDim)
	v[0] = features["amount"] / 10000.0
	v[1] = features["velocity"]
	v[2] = features["geo_risk"]
	v[3] = features["device_score"]
	v[4] = features["behavior_score"]
	v[5] = features["high_risk_merchant"]
	v[6] = ipReputation(features)

	embedding := make([]float32, latentDim)
	for j := 0; j < latentDim; j++ {
		var sum float64
		for i, x := range v {
			if x == 0 {
				continue
			}
			sum += x * projectionWeight(i, j)
		}
		embedding[j] = float32(math.Tanh(sum))
	}
	return embedding, nil
}

func ipReputation(features map[string]float64) float64 {
	if r, ok := features["ip_reputation"]; ok {
		return r
	}
	return 0.5
}

// projectionWeight is a fixed pseudo-random weight in [-1, 1) derived
// from the matrix position, identical on every node.
func projectionWeight(i, j int) float64 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(i))
	binary.LittleEndian.PutUint32(b[4:], uint32(j))
	sum := sha3.Sum256(b[:])
	u := binary.LittleEndian.Uint64(sum[:8])
	return float64(u)/float64(math.MaxUint64)*2 - 1
}

// scaleTrainer is the default retrainer: every layer is scaled by
// (1 + mean(embedding) * 0.01).
type scaleTrainer struct{}

// NewScaleTrainer returns the default trainer.
func NewScaleTrainer() Trainer { return scaleTrainer{} }

func (scaleTrainer) Retrain(model map[string]Tensor, embedding []float32) map[string]Tensor {
	factor := 1.0
	if len(embedding) > 0 {
		var sum float64
		for _, v := range embedding {
			sum += float64(v)
		}
		factor = 1.0 + (sum/float64(len(embedding)))*0.01
	}
	updated := make(map[string]Tensor, len(model))
	for name, t := range model {
		data := make([]float32, len(t.Data))
		for i, v := range t.Data {
			data[i] = v * float32(factor)
		}
		updated[name] = Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
	}
	return updated
}

// PropagationResult summarizes one pattern propagation.
type PropagationResult struct {
	PatternHash string `json:"pattern_hash"`
	DeltaHash   string `json:"delta_hash"`
	Version     string `json:"model_version"`
	Delivered   int    `json:"peers_delivered"`
	ChainTx     string `json:"chain_tx,omitempty"`
}

// Coordinator runs the full propagation pipeline.
type Coordinator struct {
	encoder     Encoder
	trainer     Trainer
	deltaEnc    *DeltaEncoder
	registry    *ModelRegistry
	updater     *ModelUpdater
	broadcaster *Broadcaster
	chain       ChainClient
	secret      []byte
	logger      *log.Logger
}

// CoordinatorOptions wires the coordinator's collaborators. Encoder
// and Trainer default to the built-in implementations; Chain may be
// nil to skip ledger logging.
type CoordinatorOptions struct {
	Encoder     Encoder
	Trainer     Trainer
	DeltaEnc    *DeltaEncoder
	Registry    *ModelRegistry
	Broadcaster *Broadcaster
	Chain       ChainClient
	Secret      []byte
}

// NewCoordinator assembles the propagation pipeline.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Encoder == nil {
		opts.Encoder = NewHashEncoder()
	}
	if opts.Trainer == nil {
		opts.Trainer = NewScaleTrainer()
	}
	return &Coordinator{
		encoder:     opts.Encoder,
		trainer:     opts.Trainer,
		deltaEnc:    opts.DeltaEnc,
		registry:    opts.Registry,
		updater:     NewModelUpdater(opts.Registry, opts.Secret),
		broadcaster: opts.Broadcaster,
		chain:       opts.Chain,
		secret:      opts.Secret,
		logger:      log.New(log.Writer(), "[SyncOrchestrator] ", log.LstdFlags),
	}
}

// ProcessPattern propagates one confirmed fraud case: abstract, retrain
// locally, compute the private delta, broadcast it, apply it locally
// and log the propagation on the ledger. Broadcast and ledger failures
// are best-effort; the local apply is authoritative.
func (c *Coordinator) ProcessPattern(ctx context.Context, fraudCase map[string]float64) (*PropagationResult, error) {
	embedding, err := c.encoder.Abstract(fraudCase)
	if err != nil {
		return nil, err
	}
	patternHash := embeddingHash(embedding)

	current, err := c.registry.LoadCurrent()
	if err != nil {
		return nil, err
	}
	updated := c.trainer.Retrain(current, embedding)

	pkg, err := c.deltaEnc.ComputeSecureDelta(current, updated, c.secret)
	if err != nil {
		return nil, err
	}
	pkg.Metadata.PatternHash = patternHash
	pkg.Metadata.DeltaHash = DeltaHash(pkg.Delta)

	result := &PropagationResult{
		PatternHash: patternHash,
		DeltaHash:   pkg.Metadata.DeltaHash,
	}
	if c.broadcaster != nil {
		result.Delivered = c.broadcaster.Broadcast(ctx, pkg)
	}

	version, err := c.updater.ApplyUpdate(pkg)
	if err != nil {
		return nil, err
	}
	result.Version = version

	if c.chain != nil {
		txHash, err := c.chain.LogPropagation(ctx, result.DeltaHash, patternHash)
		if err != nil {
			c.logger.Printf("ledger log failed: %v", err)
		} else {
			result.ChainTx = txHash
			c.logger.Printf("pattern propagated and logged on-chain: tx=%s", txHash)
		}
	}
	return result, nil
}

// ApplyPeerDelta applies a delta received from a peer node.
func (c *Coordinator) ApplyPeerDelta(pkg *DeltaPackage) (string, error) {
	return c.updater.ApplyUpdate(pkg)
}

func embeddingHash(embedding []float32) string {
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
