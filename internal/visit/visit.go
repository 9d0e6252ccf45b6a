// Package visit performs one logical visit to the target: up to MaxRetries+1 sequential
// attempts, each through a freshly picked proxy and its own local tunnel.
package visit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/proxy"
	"eugene-chernyshenko/proxy-traffic/internal/request"
)

// ErrHTTPFailure wraps a request that failed in transport or returned a non-2xx status
var ErrHTTPFailure = errors.New("http failure")

// Picker hands out one upstream address per attempt
type Picker interface {
	Pick() (string, error)
}

// Tunnels opens a tunnel owned by the caller
type Tunnels interface {
	Open(ctx context.Context, address string) (*proxy.Tunnel, error)
}

// Options are the per-visit settings
type Options struct {
	TargetURL  string
	UseProxy   bool
	Protocol   string
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration // base delay between attempts, 0 retries immediately
}

// Outcome describes how a visit ended
type Outcome struct {
	Success  bool
	Attempts int
	Status   int
	Proxy    string // masked address used by the last attempt
	Err      error
}

// Executor runs visits. It is safe for concurrent use.
type Executor struct {
	opts        Options
	picker      Picker
	tunnels     Tunnels
	fingerprint *request.Fingerprint
	stats       *metrics.Stats
	metrics     *metrics.Metrics
	log         zerolog.Logger
	direct      *http.Client
}

// New creates an executor. picker and tunnels are only used when opts.UseProxy is set.
// m may be nil.
func New(opts Options, picker Picker, tunnels Tunnels, fp *request.Fingerprint, stats *metrics.Stats, m *metrics.Metrics, log zerolog.Logger) *Executor {
	return &Executor{
		opts:        opts,
		picker:      picker,
		tunnels:     tunnels,
		fingerprint: fp,
		stats:       stats,
		metrics:     m,
		log:         log,
		direct: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   opts.Timeout,
		},
	}
}

// Execute performs one visit for stream. A successful attempt counts one total visit;
// exhausting the attempts, or finding the pool empty, counts one failed visit.
// Cancellation of ctx ends the visit without counting either.
func (e *Executor) Execute(ctx context.Context, stream int) Outcome {
	var out Outcome

	for n := 0; n <= e.opts.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		e.stats.Attempt(n > 0)
		out.Attempts++

		started := time.Now()
		status, display, err := e.attempt(ctx, stream)
		elapsed := time.Since(started)
		out.Status, out.Proxy = status, display

		if err == nil {
			e.stats.Success()
			e.metrics.ObserveAttempt(elapsed, "")
			e.metrics.ObserveVisit(true)
			e.log.Info().
				Int("stream", stream).
				Int("retry_count", n).
				Str("proxy", display).
				Int64("duration_ms", elapsed.Milliseconds()).
				Int("status", status).
				Msg("visit succeeded")
			out.Success, out.Err = true, nil
			return out
		}

		out.Err = err
		if ctx.Err() != nil {
			e.log.Debug().Int("stream", stream).Int("retry_count", n).Msg("visit canceled")
			return out
		}

		reason := request.CategorizeError(err)
		e.metrics.ObserveAttempt(elapsed, reason)

		terminal := n == e.opts.MaxRetries || errors.Is(err, pool.ErrNoProxiesAvailable)
		ev := e.log.Warn()
		msg := "visit attempt failed, retrying"
		if terminal {
			ev = e.log.Error()
			msg = "visit failed"
		}
		ev.Int("stream", stream).
			Int("retry_count", n).
			Str("proxy", display).
			Int64("duration_ms", elapsed.Milliseconds()).
			Err(err).
			Str("reason", reason)
		if status != 0 {
			ev.Int("status", status)
		}
		ev.Msg(msg)

		if terminal {
			break
		}
		if !e.wait(ctx, n) {
			return out
		}
	}

	e.stats.Failure()
	e.metrics.ObserveVisit(false)
	return out
}

// attempt sends one request and returns the status and the masked proxy it went through
func (e *Executor) attempt(ctx context.Context, stream int) (int, string, error) {
	client := e.direct
	display := "direct"

	if e.opts.UseProxy {
		addr, err := e.picker.Pick()
		if err != nil {
			return 0, "", err
		}
		display = proxy.MaskAuth(e.opts.Protocol, addr)

		tun, err := e.tunnels.Open(ctx, addr)
		if err != nil {
			return 0, display, err
		}
		defer tun.Close()

		e.log.Debug().Int("stream", stream).Str("proxy", display).Str("tunnel", tun.URL().Host).Msg("tunnel opened")
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(tun.URL()),
				DisableKeepAlives: true,
			},
			Timeout: e.opts.Timeout,
		}
	}

	req, err := e.fingerprint.NewRequest(ctx, e.opts.TargetURL)
	if err != nil {
		return 0, display, err
	}
	status, err := request.Do(client, req)
	if err != nil {
		return status, display, fmt.Errorf("%w: %w", ErrHTTPFailure, err)
	}
	return status, display, nil
}

// wait sleeps the backoff before attempt n+1. It returns false when ctx ends first.
func (e *Executor) wait(ctx context.Context, n int) bool {
	d := Backoff(e.opts.Backoff, n, e.opts.Timeout)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Backoff returns base * 2^n, capped at limit when limit is positive
func Backoff(base time.Duration, n int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
