package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FraudEvent represents a real-time event on the fraud event stream
type FraudEvent struct {
	Type          string                 `json:"type"` // "risk_assessed", "limit_adjusted", "trap_sprung", "shadow_opened", "phantom_triggered", "alert"
	TransactionID string                 `json:"transaction_id,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data"`
}

// EventStreamer manages WebSocket connections for the live fraud event
// feed consumed by the SOC dashboard.
type EventStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FraudEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewEventStreamer creates a new event streamer
func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FraudEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		logger: log.New(log.Writer(), "[EventStream] ", log.LstdFlags),
	}
}

// Run starts the WebSocket hub
func (es *EventStreamer) Run() {
	for {
		select {
		case client := <-es.register:
			es.mu.Lock()
			es.clients[client] = true
			es.mu.Unlock()
			es.logger.Printf("client connected (total: %d)", len(es.clients))

		case client := <-es.unregister:
			es.mu.Lock()
			if _, ok := es.clients[client]; ok {
				delete(es.clients, client)
				client.Close()
			}
			es.mu.Unlock()
			es.logger.Printf("client disconnected (total: %d)", len(es.clients))

		case event := <-es.broadcast:
			es.mu.Lock()
			for client := range es.clients {
				if err := client.WriteJSON(event); err != nil {
					es.logger.Printf("write error: %v", err)
					client.Close()
					delete(es.clients, client)
				}
			}
			es.mu.Unlock()
		}
	}
}

// HandleWebSocket handles WebSocket connections
func (es *EventStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		es.logger.Printf("upgrade error: %v", err)
		return
	}

	es.register <- conn

	// Drain reads so pings and close frames are handled.
	go func() {
		defer func() {
			es.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent sends an event to all connected clients. Drops when
// the broadcast buffer is full rather than stalling the pipeline.
func (es *EventStreamer) BroadcastEvent(event FraudEvent) {
	event.Timestamp = time.Now()
	select {
	case es.broadcast <- event:
	default:
		es.logger.Printf("broadcast buffer full, dropping %s event", event.Type)
	}
}

// StreamRiskAssessed broadcasts a completed risk assessment.
func (es *EventStreamer) StreamRiskAssessed(txID, userID string, score float64, level string) {
	es.BroadcastEvent(FraudEvent{
		Type:          "risk_assessed",
		TransactionID: txID,
		UserID:        userID,
		Data: map[string]interface{}{
			"score": score,
			"level": level,
		},
	})
}

// StreamLimitAdjusted broadcasts a material limit change.
func (es *EventStreamer) StreamLimitAdjusted(userID string, daily, transaction, weekly float64) {
	es.BroadcastEvent(FraudEvent{
		Type:   "limit_adjusted",
		UserID: userID,
		Data: map[string]interface{}{
			"daily":       daily,
			"transaction": transaction,
			"weekly":      weekly,
		},
	})
}

// StreamTrapSprung broadcasts a triggered decoy trap.
func (es *EventStreamer) StreamTrapSprung(trapID, userID, detection string) {
	es.BroadcastEvent(FraudEvent{
		Type:   "trap_sprung",
		UserID: userID,
		Data: map[string]interface{}{
			"trap_id":   trapID,
			"detection": detection,
		},
	})
}

// StreamShadowOpened broadcasts a newly created shadow session.
func (es *EventStreamer) StreamShadowOpened(sessionID, userID, profile string) {
	es.BroadcastEvent(FraudEvent{
		Type:   "shadow_opened",
		UserID: userID,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"profile":    profile,
		},
	})
}

// StreamPhantomTriggered broadcasts a phantom transaction hit.
func (es *EventStreamer) StreamPhantomTriggered(phantomID, userID string) {
	es.BroadcastEvent(FraudEvent{
		Type:          "phantom_triggered",
		TransactionID: phantomID,
		UserID:        userID,
		Data:          map[string]interface{}{},
	})
}

// StreamAlert broadcasts a monitoring alert.
func (es *EventStreamer) StreamAlert(alertID, severity, title string) {
	es.BroadcastEvent(FraudEvent{
		Type: "alert",
		Data: map[string]interface{}{
			"alert_id": alertID,
			"severity": severity,
			"title":    title,
		},
	})
}

// GetStatistics returns WebSocket statistics
func (es *EventStreamer) GetStatistics() map[string]interface{} {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(es.clients),
		"broadcast_queue":   len(es.broadcast),
	}
}
