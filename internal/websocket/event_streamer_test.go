package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStreamer(t *testing.T, es *EventStreamer) *websocket.Conn {
	t.Helper()
	ws := httptest.NewServer(http.HandlerFunc(es.HandleWebSocket))
	t.Cleanup(ws.Close)

	url := "ws" + strings.TrimPrefix(ws.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventDelivery(t *testing.T) {
	es := NewEventStreamer()
	go es.Run()

	conn := dialStreamer(t, es)

	// Wait for the hub to register the client before broadcasting.
	require.Eventually(t, func() bool {
		return es.GetStatistics()["connected_clients"].(int) == 1
	}, 2*time.Second, 10*time.Millisecond)

	es.StreamRiskAssessed("tx_1", "u_1", 0.42, "medium")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got FraudEvent
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, "risk_assessed", got.Type)
	assert.Equal(t, "tx_1", got.TransactionID)
	assert.Equal(t, "u_1", got.UserID)
	assert.Equal(t, 0.42, got.Data["score"])
	assert.Equal(t, "medium", got.Data["level"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	es := NewEventStreamer() // hub not running, buffer fills up
	for i := 0; i < 300; i++ {
		es.StreamAlert("a", "low", "noise")
	}
	// Buffer capped at its capacity; no deadlock.
	assert.Equal(t, 256, es.GetStatistics()["broadcast_queue"].(int))
}

func TestClientDisconnectUnregisters(t *testing.T) {
	es := NewEventStreamer()
	go es.Run()

	conn := dialStreamer(t, es)
	require.Eventually(t, func() bool {
		return es.GetStatistics()["connected_clients"].(int) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return es.GetStatistics()["connected_clients"].(int) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventEnvelopes(t *testing.T) {
	es := NewEventStreamer()

	es.StreamLimitAdjusted("u_1", 4500, 900, 31500)
	es.StreamTrapSprung("trap_1", "u_1", "marker_reuse")
	es.StreamShadowOpened("sess_1", "u_1", "mirror")
	es.StreamPhantomTriggered("ph_1", "u_1")
	es.StreamAlert("alert_1", "critical", "queue saturation")

	// All five queued, none delivered (hub idle).
	assert.Equal(t, 5, es.GetStatistics()["broadcast_queue"].(int))
}
