package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRules = `{
  "global": {
    "max_daily": 5000,
    "max_transaction": 1000,
    "high_risk_categories": ["gambling", "crypto"]
  },
  "locations": {
    "NG": {"max_daily": 2000, "risk_score": 0.7}
  },
  "merchants": {
    "MERC_SHADY": {"max_transaction": 100, "risk_score": 0.9}
  },
  "categories": {
    "gambling": {"max_daily": 500}
  }
}`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy_rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndGlobalLookup(t *testing.T) {
	e, err := NewEngine(writeRules(t, validRules))
	require.NoError(t, err)

	daily, txn := e.MaxLimits("", "", "")
	assert.Equal(t, 5000.0, daily)
	assert.Equal(t, 1000.0, txn)
}

func TestOverrideLayering(t *testing.T) {
	e, err := NewEngine(writeRules(t, validRules))
	require.NoError(t, err)

	// Location override applies.
	daily, _ := e.MaxLimits("NG", "", "")
	assert.Equal(t, 2000.0, daily)

	// Merchant beats location for its keys, location keeps the rest.
	daily, txn := e.MaxLimits("NG", "MERC_SHADY", "")
	assert.Equal(t, 2000.0, daily)
	assert.Equal(t, 100.0, txn)

	// Category layer is applied last.
	daily, _ = e.MaxLimits("NG", "MERC_SHADY", "gambling")
	assert.Equal(t, 500.0, daily)
}

func TestMissingRequiredKeyRejected(t *testing.T) {
	path := writeRules(t, `{"global": {"max_daily": 5000}}`)
	_, err := NewEngine(path)
	assert.ErrorIs(t, err, ErrMissingGlobalKey)
}

func TestHighRiskCategory(t *testing.T) {
	e, err := NewEngine(writeRules(t, validRules))
	require.NoError(t, err)

	assert.True(t, e.IsHighRiskCategory("gambling"))
	assert.False(t, e.IsHighRiskCategory("grocery"))
}

func TestRiskDefaults(t *testing.T) {
	e, err := NewEngine(writeRules(t, validRules))
	require.NoError(t, err)

	assert.Equal(t, 0.9, e.MerchantRisk("MERC_SHADY"))
	assert.Equal(t, 0.5, e.MerchantRisk("MERC_UNKNOWN"))
	assert.Equal(t, 0.7, e.LocationRisk("NG"))
	assert.Equal(t, 0.5, e.LocationRisk("SE"))
}

func TestBrokenEditKeepsLastSnapshot(t *testing.T) {
	path := writeRules(t, validRules)
	e, err := NewEngine(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Watch(ctx, 10*time.Millisecond)

	// Corrupt the file; the engine must keep serving the old rules.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	now := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, now, now))

	time.Sleep(100 * time.Millisecond)
	daily, _ := e.MaxLimits("", "", "")
	assert.Equal(t, 5000.0, daily)
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	path := writeRules(t, validRules)
	e, err := NewEngine(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Watch(ctx, 10*time.Millisecond)

	updated := `{"global": {"max_daily": 9000, "max_transaction": 1500, "high_risk_categories": []}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	now := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, now, now))

	require.Eventually(t, func() bool {
		daily, _ := e.MaxLimits("", "", "")
		return daily == 9000.0
	}, time.Second, 10*time.Millisecond)
}
