package federation

import (
	"crypto/hmac"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"
)

// Privacy parameter validation errors.
var (
	ErrBadEpsilon = errors.New("epsilon must be positive")
	ErrBadDelta   = errors.New("delta must be in (0, 1)")
)

// Tensor is one named model layer: a flat float32 buffer plus shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewTensor builds a tensor, checking the shape against the data size.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v wants %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// serialize renders the canonical byte form used for integrity proofs:
// raw little-endian float32 values followed by the shape.
func (t Tensor) serialize() []byte {
	buf := make([]byte, 0, len(t.Data)*4+len(t.Shape)*8)
	for _, v := range t.Data {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf = append(buf, b[:]...)
	}
	return append(buf, []byte(fmt.Sprint(t.Shape))...)
}

// DeltaPackage is a differentially private weight delta plus its
// integrity proof.
type DeltaPackage struct {
	Delta    map[string]Tensor `json:"delta"`
	Proof    string            `json:"proof"`
	Metadata DeltaMetadata     `json:"metadata"`
}

// DeltaMetadata travels with every delta.
type DeltaMetadata struct {
	Epsilon     float64 `json:"epsilon"`
	Delta       float64 `json:"delta"`
	PatternHash string  `json:"pattern_hash,omitempty"`
	DeltaHash   string  `json:"delta_hash,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// DeltaEncoder computes private model deltas under the Gaussian
// mechanism.
type DeltaEncoder struct {
	epsilon float64
	delta   float64
	noise   func(sigma float64) float64
}

// NewDeltaEncoder validates the privacy budget and returns an encoder.
func NewDeltaEncoder(epsilon, delta float64) (*DeltaEncoder, error) {
	if epsilon <= 0 {
		return nil, ErrBadEpsilon
	}
	if delta <= 0 || delta >= 1 {
		return nil, ErrBadDelta
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &DeltaEncoder{
		epsilon: epsilon,
		delta:   delta,
		noise:   func(sigma float64) float64 { return rng.NormFloat64() * sigma },
	}, nil
}

// Sigma is the Gaussian-mechanism noise scale for the configured
// budget.
func (e *DeltaEncoder) Sigma() float64 {
	return math.Sqrt(2*math.Log(1.25/e.delta)) / e.epsilon
}

// ComputeSecureDelta subtracts current from updated per shared layer,
// perturbs the result, and attaches an HMAC-SHA3-256 proof.
func (e *DeltaEncoder) ComputeSecureDelta(current, updated map[string]Tensor, secret []byte) (*DeltaPackage, error) {
	sigma := e.Sigma()
	delta := make(map[string]Tensor, len(current))
	for name, cur := range current {
		upd, ok := updated[name]
		if !ok {
			return nil, fmt.Errorf("updated model missing layer %q", name)
		}
		if len(upd.Data) != len(cur.Data) {
			return nil, fmt.Errorf("layer %q size mismatch: %d vs %d", name, len(cur.Data), len(upd.Data))
		}
		data := make([]float32, len(cur.Data))
		for i := range cur.Data {
			data[i] = upd.Data[i] - cur.Data[i] + float32(e.noise(sigma))
		}
		delta[name] = Tensor{Shape: append([]int(nil), cur.Shape...), Data: data}
	}

	return &DeltaPackage{
		Delta: delta,
		Proof: GenerateProof(delta, secret),
		Metadata: DeltaMetadata{
			Epsilon:   e.epsilon,
			Delta:     e.delta,
			Timestamp: time.Now().Unix(),
		},
	}, nil
}

// GenerateProof HMACs the sorted-key canonical serialization of a
// delta.
func GenerateProof(delta map[string]Tensor, secret []byte) string {
	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)

	mac := hmac.New(sha3.New256, secret)
	for _, name := range names {
		mac.Write(delta[name].serialize())
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof checks a delta's proof in constant time.
func VerifyProof(pkg *DeltaPackage, secret []byte) bool {
	if pkg == nil || pkg.Proof == "" {
		return false
	}
	expected := GenerateProof(pkg.Delta, secret)
	return hmac.Equal([]byte(expected), []byte(pkg.Proof))
}

// DeltaHash is the SHA3-256 digest of the delta tensors in sorted key
// order, used as the on-chain identifier.
func DeltaHash(delta map[string]Tensor) string {
	names := make([]string, 0, len(delta))
	for name := range delta {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha3.New256()
	for _, name := range names {
		h.Write(delta[name].serialize())
	}
	return hex.EncodeToString(h.Sum(nil))
}
