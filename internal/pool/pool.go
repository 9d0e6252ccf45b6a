// Package pool keeps the list of upstream proxy addresses visits are routed through.
//
// The list is replaced as a whole on every successful refresh and read through an atomic
// pointer, so Pick never observes a list that is half old and half new.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
)

var (
	// ErrProxyFetchFailed is returned when the source could not produce a listing
	// but the previous list is still in use
	ErrProxyFetchFailed = errors.New("proxy fetch failed")
	// ErrNoProxiesAvailable is returned when there is no address to hand out
	ErrNoProxiesAvailable = errors.New("no proxies available")

	errEmptyListing = errors.New("empty proxy listing")
)

// Source produces a fresh proxy listing
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Pool holds the current proxy list
type Pool struct {
	source  Source
	metrics *metrics.Metrics

	list      atomic.Pointer[[]string]
	refreshMu sync.Mutex
}

// New creates an empty pool backed by source. m may be nil.
func New(source Source, m *metrics.Metrics) *Pool {
	return &Pool{source: source, metrics: m}
}

// Refresh fetches a new listing and swaps it in. When fetching fails the current list is
// kept and the error wraps ErrProxyFetchFailed; if there is no current list either, the
// error also wraps ErrNoProxiesAvailable.
func (p *Pool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	addrs, err := p.source.Fetch(ctx)
	if err == nil && len(addrs) == 0 {
		err = errEmptyListing
	}
	if err != nil {
		if p.Size() > 0 {
			return fmt.Errorf("%w: %w", ErrProxyFetchFailed, err)
		}
		return fmt.Errorf("%w: %w: %w", ErrNoProxiesAvailable, ErrProxyFetchFailed, err)
	}

	list := slices.Clone(addrs)
	p.list.Store(&list)
	p.metrics.SetPoolSize(len(list))
	return nil
}

// Pick returns a uniformly random address from the current list
func (p *Pool) Pick() (string, error) {
	list := p.Snapshot()
	if len(list) == 0 {
		return "", ErrNoProxiesAvailable
	}
	return list[rand.IntN(len(list))], nil
}

// Snapshot returns the current list. Callers must not modify it.
func (p *Pool) Snapshot() []string {
	if list := p.list.Load(); list != nil {
		return *list
	}
	return nil
}

// Size returns the number of addresses in the current list
func (p *Pool) Size() int {
	return len(p.Snapshot())
}

// Run refreshes the pool every period until ctx is done. report, when set, receives the
// result of each refresh.
func (p *Pool) Run(ctx context.Context, every time.Duration, report func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if report != nil {
				report(err)
			}
		}
	}
}

// Parse splits a newline-delimited listing into trimmed, non-empty, unique addresses,
// keeping their first-seen order
func Parse(body string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(body, "\n") {
		addr := strings.TrimSpace(line)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
