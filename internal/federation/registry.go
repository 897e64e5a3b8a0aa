package federation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	currentModel = "current.pth"
	lockFile     = "registry.lock"
	lockRetry    = 50 * time.Millisecond
	lockTimeout  = 5 * time.Second
)

// ErrDeltaRejected reports a delta whose integrity proof failed.
var ErrDeltaRejected = errors.New("delta integrity check failed, update rejected")

// ModelRegistry stores versioned model weights on disk. Snapshots are
// written as {version}.pth and current.pth is repointed atomically. A
// lock file serializes writers across processes.
type ModelRegistry struct {
	dir    string
	logger *log.Logger
}

// NewModelRegistry opens (creating if needed) a registry directory.
func NewModelRegistry(dir string) (*ModelRegistry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("model registry dir: %w", err)
	}
	return &ModelRegistry{
		dir:    dir,
		logger: log.New(log.Writer(), "[ModelRegistry] ", log.LstdFlags),
	}, nil
}

// LoadCurrent reads the current model. A registry with no model yet
// returns a fresh seed model.
func (r *ModelRegistry) LoadCurrent() (map[string]Tensor, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, currentModel))
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Printf("no current model found, initializing seed model")
		return seedModel(), nil
	}
	if err != nil {
		return nil, err
	}
	var model map[string]Tensor
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decode current model: %w", err)
	}
	return model, nil
}

// Commit writes a versioned snapshot and atomically repoints
// current.pth to it. The version is derived from the metadata.
func (r *ModelRegistry) Commit(weights map[string]Tensor, meta DeltaMetadata) (string, error) {
	unlock, err := r.acquireLock()
	if err != nil {
		return "", err
	}
	defer unlock()

	version, err := versionHash(meta)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(weights)
	if err != nil {
		return "", err
	}

	versionPath := filepath.Join(r.dir, version+".pth")
	if err := os.WriteFile(versionPath, data, 0o640); err != nil {
		return "", err
	}
	tmp := filepath.Join(r.dir, currentModel+".tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(r.dir, currentModel)); err != nil {
		return "", err
	}
	r.logger.Printf("committed model version %s", version)
	return version, nil
}

// Versions lists committed snapshot versions.
func (r *ModelRegistry) Versions() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.pth"))
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, m := range matches {
		name := filepath.Base(m)
		if name == currentModel {
			continue
		}
		versions = append(versions, name[:len(name)-len(".pth")])
	}
	return versions, nil
}

// acquireLock takes the registry lock file, polling until timeout.
func (r *ModelRegistry) acquireLock() (func(), error) {
	path := filepath.Join(r.dir, lockFile)
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("registry lock held too long: %s", path)
		}
		time.Sleep(lockRetry)
	}
}

// versionHash derives the 12-hex version identifier from the delta
// metadata.
func versionHash(meta DeltaMetadata) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])[:12], nil
}

// seedModel is the starting point for a registry with no history.
func seedModel() map[string]Tensor {
	layer := func(n int) Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 0.01 * float32(i%7)
		}
		return Tensor{Shape: []int{n}, Data: data}
	}
	return map[string]Tensor{
		"layer1.weight": layer(64),
		"layer1.bias":   layer(16),
		"layer2.weight": layer(32),
	}
}

// ModelUpdater verifies and applies incoming deltas to the registry.
type ModelUpdater struct {
	registry *ModelRegistry
	secret   []byte
	logger   *log.Logger
}

// NewModelUpdater binds an updater to a registry and federation secret.
func NewModelUpdater(registry *ModelRegistry, secret []byte) *ModelUpdater {
	return &ModelUpdater{
		registry: registry,
		secret:   secret,
		logger:   log.New(log.Writer(), "[ModelUpdater] ", log.LstdFlags),
	}
}

// ApplyUpdate re-verifies the proof, merges the delta into the current
// model per shared layer, and commits the result. Layers absent from
// the delta pass through unchanged.
func (u *ModelUpdater) ApplyUpdate(pkg *DeltaPackage) (string, error) {
	if !VerifyProof(pkg, u.secret) {
		u.logger.Printf("delta integrity check failed, update rejected")
		return "", ErrDeltaRejected
	}

	current, err := u.registry.LoadCurrent()
	if err != nil {
		return "", err
	}
	merged := make(map[string]Tensor, len(current))
	for name, cur := range current {
		d, ok := pkg.Delta[name]
		if !ok || len(d.Data) != len(cur.Data) {
			merged[name] = cur
			continue
		}
		data := make([]float32, len(cur.Data))
		for i := range cur.Data {
			data[i] = cur.Data[i] + d.Data[i]
		}
		merged[name] = Tensor{Shape: append([]int(nil), cur.Shape...), Data: data}
	}

	version, err := u.registry.Commit(merged, pkg.Metadata)
	if err != nil {
		return "", err
	}
	u.logger.Printf("model updated and committed: version %s", version)
	return version, nil
}
