package shadow

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// Decoy types injectable into a shadow session.
const (
	DecoyAmount      = "amount"
	DecoyMerchant    = "merchant"
	DecoyTiming      = "timing"
	DecoyGeolocation = "geolocation"
	DecoyDevice      = "device"
)

// Decoy is a synthesized transaction-shaped lure injected into a
// shadow session. The marker is what trap detection keys on.
type Decoy struct {
	Marker            string    `json:"decoy_marker"`
	DecoyType         string    `json:"decoy_type"`
	UserID            string    `json:"user_id"`
	Amount            float64   `json:"amount,omitempty"`
	Merchant          string    `json:"merchant,omitempty"`
	MerchantRisk      string    `json:"merchant_risk,omitempty"`
	Location          string    `json:"location,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	GeneratedAt       time.Time `json:"generated_at"`
}

var (
	merchantAdjectives = []string{"Crimson", "Azure", "Golden", "Silver", "Emerald", "Cobalt"}
	merchantNouns      = []string{"Harbor", "Summit", "Vertex", "Orchid", "Cascade", "Meridian"}
	merchantSuffixes   = []string{"LLC", "Inc", "Group"}
	riskCategories     = []string{"gambling", "crypto", "adult"}
	decoyLocations     = []string{"Singapore", "London", "Dubai", "Frankfurt", "San Francisco"}
)

// Generator synthesizes context-aware decoys for shadow sessions.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewGenerator creates a decoy generator.
func NewGenerator() *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

// Generate picks a decoy type from the session's recent behavior and
// synthesizes a matching decoy. With fewer than three mirrored
// transactions the type is drawn from the profile's allowed set.
func (g *Generator) Generate(snap SessionSnapshot) Decoy {
	decoyType := g.selectType(snap)
	switch decoyType {
	case DecoyAmount:
		return g.amountDecoy(snap)
	case DecoyMerchant:
		return g.merchantDecoy(snap)
	case DecoyGeolocation:
		return g.geoDecoy(snap)
	case DecoyDevice:
		return g.deviceDecoy(snap)
	default:
		return g.timingDecoy(snap)
	}
}

// selectType mirrors the user's own volatility: large amount swings get
// amount decoys, risky merchants get merchant decoys.
func (g *Generator) selectType(snap SessionSnapshot) string {
	history := snap.History
	if len(history) < 3 {
		types := snap.Profile.Types
		if len(types) == 0 {
			types = []string{DecoyAmount, DecoyMerchant, DecoyTiming}
		}
		return types[g.intn(len(types))]
	}

	last3 := history[len(history)-3:]
	minAmt, maxAmt := last3[0].Amount, last3[0].Amount
	for _, tx := range last3[1:] {
		if tx.Amount < minAmt {
			minAmt = tx.Amount
		}
		if tx.Amount > maxAmt {
			maxAmt = tx.Amount
		}
	}
	if maxAmt-minAmt > 1000 {
		return DecoyAmount
	}
	for _, tx := range history {
		if tx.MerchantCategory == "high_risk" {
			return DecoyMerchant
		}
	}
	return DecoyTiming
}

func (g *Generator) amountDecoy(snap SessionSnapshot) Decoy {
	base := 100.0
	if n := len(snap.History); n > 0 {
		base = snap.History[n-1].Amount
	}
	lo, hi := base*0.5, base*3.0
	steps := int((hi - lo) / 50)
	if steps < 1 {
		steps = 1
	}
	amount := lo + float64(g.intn(steps))*50
	return g.build(snap, Decoy{
		DecoyType: DecoyAmount,
		Amount:    amount,
		Marker:    marker("amt", fmt.Sprintf("%.2f", amount)),
	})
}

func (g *Generator) merchantDecoy(snap SessionSnapshot) Decoy {
	merchant := fmt.Sprintf("%s %s %s",
		merchantAdjectives[g.intn(len(merchantAdjectives))],
		merchantNouns[g.intn(len(merchantNouns))],
		merchantSuffixes[g.intn(len(merchantSuffixes))])
	return g.build(snap, Decoy{
		DecoyType:    DecoyMerchant,
		Merchant:     merchant,
		MerchantRisk: riskCategories[g.intn(len(riskCategories))],
		Marker:       marker("mch", merchant),
	})
}

func (g *Generator) timingDecoy(snap SessionSnapshot) Decoy {
	delay := time.Duration(2+g.intn(14)) * time.Second
	ts := g.now().Add(delay)
	return g.build(snap, Decoy{
		DecoyType: DecoyTiming,
		Marker:    marker("tim", ts.Format(time.RFC3339Nano)),
	})
}

func (g *Generator) geoDecoy(snap SessionSnapshot) Decoy {
	loc := decoyLocations[g.intn(len(decoyLocations))]
	return g.build(snap, Decoy{
		DecoyType: DecoyGeolocation,
		Location:  loc,
		Marker:    marker("geo", loc+snap.UserID),
	})
}

func (g *Generator) deviceDecoy(snap SessionSnapshot) Decoy {
	fp := fmt.Sprintf("dev-%08x", g.intn(1<<31))
	return g.build(snap, Decoy{
		DecoyType:         DecoyDevice,
		DeviceFingerprint: fp,
		Marker:            marker("dev", fp),
	})
}

func (g *Generator) build(snap SessionSnapshot, d Decoy) Decoy {
	now := g.now()
	d.UserID = snap.UserID
	d.GeneratedAt = now
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	if d.DeviceFingerprint == "" {
		d.DeviceFingerprint = snap.Context.DeviceFingerprint
	}
	d.IPAddress = fmt.Sprintf("198.51.100.%d", 1+g.intn(254))
	return d
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

func marker(prefix, seed string) string {
	sum := sha3.Sum256([]byte(seed))
	return fmt.Sprintf("%s_%x", prefix, sum[:4])
}
