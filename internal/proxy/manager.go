package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
)

var (
	// ErrTunnelFailure wraps every failure to open or use a tunnel
	ErrTunnelFailure = errors.New("tunnel failure")
	// ErrManagerClosed is returned by Open after CloseAll
	ErrManagerClosed = fmt.Errorf("%w: manager closed", ErrTunnelFailure)
)

// Manager opens tunnels and remembers the ones still open, so shutdown can release them all.
// Each Open returns a tunnel owned by the caller alone.
type Manager struct {
	protocol    string
	dialTimeout time.Duration
	metrics     *metrics.Metrics

	mu     sync.Mutex
	open   map[*Tunnel]struct{}
	closed bool
}

// NewManager creates a manager for upstream addresses of the given protocol.
// dialTimeout bounds the upstream handshake of each tunnel connection. m may be nil.
func NewManager(protocol string, dialTimeout time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		protocol:    protocol,
		dialTimeout: dialTimeout,
		metrics:     m,
		open:        make(map[*Tunnel]struct{}),
	}
}

// Open starts a tunnel for address. The caller must Close it.
func (m *Manager) Open(ctx context.Context, address string) (*Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTunnelFailure, err)
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	t, err := openTunnel(m.protocol, address, m.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTunnelFailure, MaskAuth(m.protocol, address), err)
	}
	t.onClose = func() { m.release(t) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close()
		return nil, ErrManagerClosed
	}
	m.open[t] = struct{}{}
	m.metrics.TunnelOpened()
	m.mu.Unlock()

	return t, nil
}

// Active returns the number of tunnels not yet closed
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// CloseAll closes every open tunnel and makes later Open calls fail. Safe to call repeatedly.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	tunnels := make([]*Tunnel, 0, len(m.open))
	for t := range m.open {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()

	var errs []error
	for _, t := range tunnels {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) release(t *Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[t]; ok {
		delete(m.open, t)
		m.metrics.TunnelClosed()
	}
}
