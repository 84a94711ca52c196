package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const statsHubWriteTimeout = 100 * time.Millisecond

// StatsEvent is the JSON message pushed to websocket clients per reading
type StatsEvent struct {
	Type       string  `json:"type"`
	SpeedKmh   float64 `json:"speedKmh"`
	CadenceRpm float64 `json:"cadenceRpm"`
	DistanceKm float64 `json:"distanceKm"`
	DurationS  int64   `json:"durationS"`
	Display    string  `json:"display"`
}

// StateEvent reports a connection state transition
type StateEvent struct {
	Type              string `json:"type"`
	State             string `json:"state"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

// StatsHub fans live stats out to websocket clients
type StatsHub struct {
	log      *LeveledLogger
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
	sendMu   sync.Mutex // one writer per connection at a time
}

func NewStatsHub(logger *LeveledLogger) *StatsHub {
	return &StatsHub{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *StatsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed: %v", err)
		return
	}
	h.addClient(conn)
	h.log.Debug("Websocket client connected: %s", r.RemoteAddr)

	// Clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.removeClient(conn)
	h.log.Debug("Websocket client disconnected: %s", r.RemoteAddr)
}

func (h *StatsHub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *StatsHub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *StatsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event as JSON to every client
func (h *StatsHub) Broadcast(event interface{}) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			// Slow clients must not hold up telemetry
			c.SetWriteDeadline(time.Now().Add(statsHubWriteTimeout))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failedClients {
		h.removeClient(conn)
	}
}

func (h *StatsHub) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
