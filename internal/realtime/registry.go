// Package realtime streams committed audit entries to websocket subscribers.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/auth"
)

const (
	sendBufferSize = 32
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
)

var connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "settlement_service",
	Subsystem: "realtime",
	Name:      "connections",
	Help:      "Open websocket subscriptions to the activity feed.",
})

func init() {
	prometheus.MustRegister(connectionsGauge)
}

// Registry tracks feed subscribers. Owners receive status updates for their own activities;
// operators receive every raw audit entry.
type Registry struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn     *websocket.Conn
	userID   string
	operator bool
	send     chan interface{}
	done     chan struct{}
	once     sync.Once
	registry *Registry
}

var _ audit.Sink = (*Registry)(nil)

// NewRegistry constructs a Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "realtime_registry").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request to a feed subscription.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	claims, ok := auth.FromContext(req.Context())
	if !ok || !claims.HasScope(auth.ScopeActivitiesRead) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:     conn,
		userID:   claims.Subject,
		operator: claims.IsOperator(),
		send:     make(chan interface{}, sendBufferSize),
		done:     make(chan struct{}),
		registry: r,
	}
	if !r.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	r.logger.Info().Str("user_id", c.userID).Bool("operator", c.operator).Msg("feed subscriber connected")
	go c.writer()
	c.reader()
}

// Observe fans entry out to every subscriber allowed to see it. Slow subscribers drop entries.
func (r *Registry) Observe(_ context.Context, entry audit.Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.clients {
		var msg interface{} = entry
		if !c.operator {
			if c.userID != entry.UserID {
				continue
			}
			update, ok := entry.UserView()
			if !ok {
				continue
			}
			msg = update
		}
		select {
		case c.send <- msg:
		default:
			r.logger.Warn().Str("user_id", c.userID).Int64("sequence", entry.Sequence).Msg("subscriber queue full, dropping entry")
		}
	}
}

// Len reports the number of open subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (r *Registry) register(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c] = struct{}{}
	connectionsGauge.Inc()
	return true
}

func (r *Registry) unregister(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		connectionsGauge.Dec()
	}
}

// reader drains control frames until the peer goes away.
func (c *client) reader() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writer() {
	defer c.close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.registry.logger.Debug().Err(err).Msg("feed write loop terminated")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.registry.unregister(c)
		_ = c.conn.Close()
	})
}
