package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/schrute_futures/internal/orchestrator"
)

const (
	writeWait     = 5 * time.Second
	clientBuffer  = 8
	connectBurst  = 5
	connectRefill = time.Second
)

// StrategyUpdate is the message pushed to analysis clients at 1Hz.
type StrategyUpdate struct {
	Type    string                      `json:"type"`
	At      time.Time                   `json:"at"`
	Workers []orchestrator.WorkerStatus `json:"workers"`
}

// Hub fans out updates to websocket clients, bounding both connection
// attempts and concurrent connections per source IP.
type Hub struct {
	upgrader websocket.Upgrader
	maxPerIP int
	logger   *logrus.Entry

	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	perIP    map[string]int
	limiters map[string]*rate.Limiter
}

type wsClient struct {
	conn *websocket.Conn
	ip   string
	send chan []byte
}

// NewHub builds a hub allowing maxPerIP concurrent connections per IP.
func NewHub(maxPerIP int, logger *logrus.Logger) *Hub {
	if maxPerIP <= 0 {
		maxPerIP = 5
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon fronts its own operator tooling; origin
			// enforcement belongs to the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		maxPerIP: maxPerIP,
		logger:   logger.WithField("component", "ws"),
		clients:  make(map[*wsClient]struct{}),
		perIP:    make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
	}
}

// HandleConnect upgrades the request and registers the client.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !h.admit(ip) {
		http.Error(w, `{"error":"too many connections"}`, http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(ip)
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, ip: ip, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// admit checks the per-IP attempt limiter and concurrent cap.
func (h *Hub) admit(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lim, ok := h.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(connectRefill), connectBurst)
		h.limiters[ip] = lim
	}
	if !lim.Allow() {
		return false
	}
	if h.perIP[ip] >= h.maxPerIP {
		return false
	}
	h.perIP[ip]++
	return true
}

func (h *Hub) release(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perIP[ip] > 0 {
		h.perIP[ip]--
	}
}

// Broadcast queues the update for every client; slow clients drop the
// frame rather than stall the hub.
func (h *Hub) Broadcast(update StrategyUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.WithError(err).Error("failed to marshal update")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client, as on server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		if h.perIP[c.ip] > 0 {
			h.perIP[c.ip]--
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) writePump(c *wsClient) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(c)
			return
		}
	}
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
