package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/metrics"
	"github.com/NodePath81/netbeat/internal/protocol"
	"github.com/NodePath81/netbeat/internal/util"
	"github.com/NodePath81/netbeat/internal/version"
)

const (
	wsTokenPrefix     = "netbeat-token."
	wsPrimaryProtocol = "netbeat"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
	limiterTTL        = 5 * time.Minute
)

// Capacity reports admission state of the benchmark server.
type Capacity interface {
	Active() int
	Max() int
}

// Server is the optional HTTP control plane of a netbeat server: Prometheus
// metrics, a JSON status document and a websocket event stream.
type Server struct {
	cfg      config.ControlConfig
	metrics  *metrics.ServerMetrics
	status   *StatusStore
	hub      *StatusHub
	capacity Capacity
	logger   util.Logger
	limiter  *rateLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

type statusResponse struct {
	Version        string         `json:"version"`
	Protocol       string         `json:"protocol"`
	Active         int            `json:"active"`
	MaxConnections int            `json:"max_connections"`
	Completed      uint64         `json:"completed"`
	Failed         uint64         `json:"failed"`
	Sessions       []SessionEntry `json:"sessions"`
}

func NewServer(cfg config.ControlConfig, m *metrics.ServerMetrics, status *StatusStore, hub *StatusHub, capacity Capacity, logger util.Logger) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  m,
		status:   status,
		hub:      hub,
		capacity: capacity,
		logger:   logger,
		limiter:  newRateLimiter(cfg.RateLimit, cfg.RateBurst, limiterTTL),
	}
}

// Handler returns the control plane routes.
func (c *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.guard(c.metrics.Handler()))
	mux.Handle("/status", c.guard(http.HandlerFunc(c.handleStatus)))
	mux.HandleFunc("/events", c.handleEvents)
	return mux
}

// Start binds the control listener and serves until ctx is cancelled. Bind
// errors are returned directly.
func (c *Server) Start(ctx context.Context) error {
	addr := c.cfg.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Lock()
	c.server = srv
	c.listener = ln
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (c *Server) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Server) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (c *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.limiter.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !c.checkAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	completed, failed := c.status.Totals()
	resp := statusResponse{
		Version:   version.Version,
		Protocol:  protocol.Version,
		Completed: completed,
		Failed:    failed,
		Sessions:  c.status.Snapshot(),
	}
	if c.capacity != nil {
		resp.Active = c.capacity.Active()
		resp.MaxConnections = c.capacity.Max()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if !c.checkEventsAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c.hub == nil {
		http.Error(w, "events disabled", http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := &statusClient{send: make(chan []byte, 32)}
	snapshot, _ := json.Marshal(statusMessage{
		SchemaVersion: 1,
		Type:          "snapshot",
		Timestamp:     time.Now().UnixMilli(),
		Sessions:      c.status.Snapshot(),
	})
	client.send <- snapshot
	c.hub.Register(client)

	var cleanupOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		cleanupOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.hub.Unregister(client)
		})
	}

	// Reads only serve to notice the peer going away and to process pongs.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Server) checkAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *Server) checkEventsAuth(r *http.Request) bool {
	if c.cfg.AuthToken == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Browsers cannot set headers on websocket requests, so the token may also
// travel as a subprotocol "netbeat-token.<base64url>".
func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, wsTokenPrefix)
		if !ok || encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

// rateLimiter keeps one token bucket per client key and forgets keys that
// have been idle for longer than ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, entry := range r.clients {
		if now.Sub(entry.last) > r.ttl {
			delete(r.clients, k)
		}
	}
	entry := r.clients[key]
	if entry == nil {
		entry = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = entry
	}
	entry.last = now
	return entry.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
