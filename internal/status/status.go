// Package status serves the live view of a run: Prometheus metrics, the stats snapshot as
// JSON and a websocket feed pushing the snapshot periodically.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Payload is one websocket message
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Server is the status HTTP server
type Server struct {
	port     int
	gatherer prometheus.Gatherer
	snapshot func() metrics.Snapshot
	every    time.Duration
	log      zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New creates a server for port. snapshot is called for /stats and for every push,
// which happens each push interval.
func New(port int, gatherer prometheus.Gatherer, snapshot func() metrics.Snapshot, push time.Duration, log zerolog.Logger) *Server {
	return &Server{
		port:     port,
		gatherer: gatherer,
		snapshot: snapshot,
		every:    push,
		log:      log,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", s.serveStats)
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Run listens on the configured port and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and drops websocket clients
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	go s.push(pushCtx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("Status server started")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.closeClients()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if e := <-errc; !errors.Is(e, http.ErrServerClosed) && err == nil {
		err = e
	}
	s.log.Info().Msg("Status server stopped")
	return err
}

func (s *Server) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write stats")
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	err = s.write(conn, s.payload())
	s.mu.Unlock()
	if err != nil {
		s.drop(conn)
		return
	}

	// Clients only listen; reading detects when they go away
	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Server) push(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.payload())
		}
	}
}

func (s *Server) payload() Payload {
	return Payload{Kind: "stats", Body: s.snapshot()}
}

func (s *Server) broadcast(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if err := s.write(c, p); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

// write must be called with s.mu held
func (s *Server) write(c *websocket.Conn, p Payload) error {
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(p)
}

func (s *Server) drop(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	c.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
		delete(s.clients, c)
	}
}

// Clients returns the number of connected websocket clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
