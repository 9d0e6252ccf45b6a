// Package runner drives visits on a fixed cadence: a number of parallel streams, each
// firing one visit per interval, plus the periodic proxy list refresh.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/visit"
)

// ErrAlreadyStarted is returned by Start on any scheduler that is no longer fresh
var ErrAlreadyStarted = errors.New("scheduler already started")

// State is the scheduler lifecycle position
type State int

const (
	Created State = iota
	Initializing
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ProxyPool is the part of the pool the scheduler drives
type ProxyPool interface {
	Refresh(ctx context.Context) error
	Run(ctx context.Context, every time.Duration, report func(error))
	Size() int
}

// Visitor performs one visit for a stream
type Visitor interface {
	Execute(ctx context.Context, stream int) visit.Outcome
}

// TunnelCloser releases every tunnel still open at shutdown
type TunnelCloser interface {
	CloseAll() error
}

// Options control the cadence
type Options struct {
	Concurrency     int
	Interval        time.Duration
	UseProxy        bool
	RefreshInterval time.Duration
}

// Scheduler owns the stream loops and the refresh loop
type Scheduler struct {
	opts    Options
	pool    ProxyPool
	visitor Visitor
	tunnels TunnelCloser
	stats   *metrics.Stats
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a scheduler in the Created state. pool may be nil when proxies are disabled.
func New(opts Options, p ProxyPool, v Visitor, tunnels TunnelCloser, stats *metrics.Stats, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:    opts,
		pool:    p,
		visitor: v,
		tunnels: tunnels,
		stats:   stats,
		log:     log,
	}
}

// Start loads the initial proxy list and launches the streams. It fails, leaving the
// scheduler Stopped, when no proxy could be loaded. Visits run until Stop or until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Created {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = Initializing
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.opts.UseProxy {
		if err := s.pool.Refresh(runCtx); err != nil {
			if errors.Is(err, pool.ErrNoProxiesAvailable) {
				s.log.Error().Err(err).Msg("Failed to load initial proxy list")
				s.mu.Lock()
				s.state = Stopped
				s.mu.Unlock()
				cancel()
				return fmt.Errorf("initialize: %w", err)
			}
			s.log.Warn().Err(err).Msg("Initial proxy refresh failed, using current list")
		}
		s.log.Info().Int("proxies", s.pool.Size()).Msg("Proxy list loaded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initializing {
		// Stop won the race
		return fmt.Errorf("initialize: %w", context.Canceled)
	}

	if s.opts.UseProxy {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pool.Run(runCtx, s.opts.RefreshInterval, s.reportRefresh)
		}()
	}

	for i := 1; i <= s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.stream(runCtx, i)
	}
	s.state = Running

	s.log.Info().
		Int("concurrency", s.opts.Concurrency).
		Dur("interval", s.opts.Interval).
		Bool("use_proxy", s.opts.UseProxy).
		Msg("Scheduler started")
	return nil
}

// stream fires one visit per tick without waiting for earlier visits to finish
func (s *Scheduler) stream(ctx context.Context, id int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go s.visitor.Execute(ctx, id)
		}
	}
}

func (s *Scheduler) reportRefresh(err error) {
	if err != nil {
		s.log.Warn().Err(err).Int("proxies", s.pool.Size()).Msg("Proxy refresh failed, keeping current list")
		return
	}
	s.log.Info().Int("proxies", s.pool.Size()).Msg("Proxy list refreshed")
}

// Stop cancels the streams, the refresh loop and in-flight requests, waits for the loops to
// exit and closes all tunnels. Visits already running are not waited for. Safe to call more
// than once and before Start.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = Stopped
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if s.tunnels != nil {
			s.stopErr = s.tunnels.CloseAll()
		}
		s.log.Info().Msg("Scheduler stopped, tunnels closed")
	})
	return s.stopErr
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the visit counters
func (s *Scheduler) Snapshot() metrics.Snapshot {
	return s.stats.Snapshot()
}
