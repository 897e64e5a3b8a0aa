package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransactionValidate(t *testing.T) {
	valid := Transaction{
		ID: "tx_1", UserID: "u_1", MerchantID: "m_1",
		Amount: 100, Timestamp: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.MerchantID = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingFields)

	noTime := valid
	noTime.Timestamp = time.Time{}
	assert.ErrorIs(t, noTime.Validate(), ErrMissingFields)

	negative := valid
	negative.Amount = -1
	assert.ErrorIs(t, negative.Validate(), ErrNegativeAmount)

	free := valid
	free.Amount = 0
	assert.NoError(t, free.Validate())
}

func TestLimitSetClamp(t *testing.T) {
	// Transaction capped at daily, daily capped by the weekly coupling.
	l := LimitSet{Daily: 10000, Transaction: 20000, Weekly: 35000}
	c := l.Clamp(1.2)
	assert.InDelta(t, 6000, c.Daily, 1e-9) // 35000/7*1.2
	assert.Equal(t, c.Daily, c.Transaction)

	// Negative components floor at zero.
	c = LimitSet{Daily: -5, Transaction: -1, Weekly: -10}.Clamp(1.2)
	assert.Equal(t, LimitSet{}, c)

	// Zero slack skips the weekly coupling.
	c = LimitSet{Daily: 10000, Transaction: 500, Weekly: 7000}.Clamp(0)
	assert.Equal(t, 10000.0, c.Daily)
}

func TestMaxRelativeDelta(t *testing.T) {
	cur := LimitSet{Daily: 5000, Transaction: 1000, Weekly: 35000}

	same := cur.MaxRelativeDelta(cur)
	assert.Zero(t, same)

	bumped := LimitSet{Daily: 5100, Transaction: 1000, Weekly: 35000}
	assert.InDelta(t, 0.02, bumped.MaxRelativeDelta(cur), 1e-9)

	// Near-zero current limits divide by one, not by zero.
	fromZero := LimitSet{Daily: 50}.MaxRelativeDelta(LimitSet{})
	assert.InDelta(t, 50, fromZero, 1e-9)
}

func TestProfileDegraded(t *testing.T) {
	p := &UserProfile{SourcesUsed: map[ProfileSource]bool{}}
	assert.True(t, p.Degraded())
	p.SourcesUsed[SourceFraud] = true
	assert.False(t, p.Degraded())
}
