package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/proxy"
	"eugene-chernyshenko/proxy-traffic/internal/request"
	"eugene-chernyshenko/proxy-traffic/internal/visit"
)

// countingSource serves a fixed listing and counts fetches
type countingSource struct {
	addrs []string
	calls atomic.Int32
}

func (s *countingSource) Fetch(context.Context) ([]string, error) {
	s.calls.Add(1)
	return s.addrs, nil
}

// slowVisitor blocks every visit for a while
type slowVisitor struct {
	delay   time.Duration
	started atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
}

func (v *slowVisitor) Execute(ctx context.Context, _ int) visit.Outcome {
	v.started.Add(1)
	n := v.running.Add(1)
	defer v.running.Add(-1)
	for {
		p := v.peak.Load()
		if n <= p || v.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(v.delay):
	}
	return visit.Outcome{}
}

var _ = Describe("Scheduler", func() {
	var (
		reg     *prometheus.Registry
		m       *metrics.Metrics
		stats   *metrics.Stats
		manager *proxy.Manager
		opts    Options
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg, prometheus.DefBuckets)
		manager = proxy.NewManager("http", 2*time.Second, m)
		opts = Options{
			Concurrency:     3,
			Interval:        100 * time.Millisecond,
			UseProxy:        true,
			RefreshInterval: time.Hour,
		}
	})

	// newStack wires a real pool, tunnel manager and executor against a proxy that
	// answers every request with 200
	newStack := func(src pool.Source) (*Scheduler, *pool.Pool) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		DeferCleanup(upstream.Close)
		if src == nil {
			src = pool.StaticSource{strings.TrimPrefix(upstream.URL, "http://")}
		}

		p := pool.New(src, m)
		stats = metrics.NewStats(p.Size)
		fp := request.NewFingerprint(nil, []string{"https://duckduckgo.com/?q="}, []string{"news"}, nil)
		exec := visit.New(visit.Options{
			TargetURL:  "http://visit.test/",
			UseProxy:   opts.UseProxy,
			Protocol:   "http",
			MaxRetries: 3,
			Timeout:    2 * time.Second,
		}, p, manager, fp, stats, m, zerolog.Nop())

		s := New(opts, p, exec, manager, stats, zerolog.Nop())
		DeferCleanup(s.Stop)
		return s, p
	}

	It("starts in the Created state", func() {
		s, _ := newStack(nil)
		Expect(s.State()).To(Equal(Created))
		Expect(s.State().String()).To(Equal("created"))
	})

	When("the initial proxy list is empty", func() {
		It("refuses to start and launches no stream", func() {
			s, _ := newStack(pool.StaticSource(nil))

			err := s.Start(context.Background())

			Expect(errors.Is(err, pool.ErrNoProxiesAvailable)).To(BeTrue())
			Expect(s.State()).To(Equal(Stopped))
			Consistently(func() uint64 { return s.Snapshot().Attempts }, 400*time.Millisecond).Should(BeZero())
			Expect(manager.Active()).To(BeZero())
		})
	})

	When("running", func() {
		It("fires one visit per stream per interval", func() {
			s, _ := newStack(nil)

			Expect(s.Start(context.Background())).To(Succeed())
			Expect(s.State()).To(Equal(Running))
			time.Sleep(550 * time.Millisecond)
			Expect(s.Stop()).To(Succeed())

			snap := s.Snapshot()
			Expect(snap.TotalVisits).To(BeNumerically(">=", 12))
			Expect(snap.TotalVisits).To(BeNumerically("<=", 16))
			Expect(snap.FailedVisits).To(BeZero())
			Expect(snap.SuccessRate.String()).To(Equal("100.00%"))
			Expect(snap.ActiveProxies).To(Equal(1))
		})

		It("refreshes the proxy list periodically", func() {
			src := &countingSource{addrs: []string{"10.0.0.1:8080", "10.0.0.2:8080"}}
			opts.Concurrency = 0
			opts.RefreshInterval = 50 * time.Millisecond
			s, p := newStack(src)

			Expect(s.Start(context.Background())).To(Succeed())
			Expect(p.Size()).To(Equal(2))
			Eventually(src.calls.Load, time.Second).Should(BeNumerically(">=", 4))

			Expect(s.Stop()).To(Succeed())
			calls := src.calls.Load()
			Consistently(src.calls.Load, 300*time.Millisecond).Should(Equal(calls))
		})

		It("does not wait for earlier visits before firing the next", func() {
			v := &slowVisitor{delay: 400 * time.Millisecond}
			opts.Concurrency = 1
			opts.Interval = 50 * time.Millisecond
			opts.UseProxy = false
			s := New(opts, nil, v, manager, metrics.NewStats(nil), zerolog.Nop())
			DeferCleanup(s.Stop)

			Expect(s.Start(context.Background())).To(Succeed())
			Eventually(v.peak.Load, time.Second).Should(BeNumerically(">=", 3))
		})

		It("stops when the parent context ends", func() {
			v := &slowVisitor{}
			opts.UseProxy = false
			opts.Interval = 20 * time.Millisecond
			s := New(opts, nil, v, manager, metrics.NewStats(nil), zerolog.Nop())
			DeferCleanup(s.Stop)
			ctx, cancel := context.WithCancel(context.Background())

			Expect(s.Start(ctx)).To(Succeed())
			Eventually(v.started.Load).Should(BeNumerically(">", 0))
			cancel()
			time.Sleep(50 * time.Millisecond)
			started := v.started.Load()
			Consistently(v.started.Load, 200*time.Millisecond).Should(Equal(started))
		})
	})

	When("stopped", func() {
		It("makes no further attempts", func() {
			s, _ := newStack(nil)
			Expect(s.Start(context.Background())).To(Succeed())
			Eventually(func() uint64 { return s.Snapshot().TotalVisits }, time.Second).Should(BeNumerically(">", 0))

			Expect(s.Stop()).To(Succeed())
			Expect(s.State()).To(Equal(Stopped))
			// Visits that were already running drain
			time.Sleep(100 * time.Millisecond)
			attempts := s.Snapshot().Attempts
			Consistently(func() uint64 { return s.Snapshot().Attempts }, 500*time.Millisecond).Should(Equal(attempts))
			Eventually(manager.Active).Should(BeZero())
		})

		It("closes tunnels left open", func() {
			s, _ := newStack(nil)
			Expect(s.Start(context.Background())).To(Succeed())
			tun, err := manager.Open(context.Background(), "127.0.0.1:1")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(tun.Close)

			Expect(s.Stop()).To(Succeed())
			Expect(manager.Active()).To(BeZero())
			_, err = manager.Open(context.Background(), "127.0.0.1:1")
			Expect(err).To(MatchError(proxy.ErrManagerClosed))
		})

		It("is idempotent", func() {
			s, _ := newStack(nil)
			Expect(s.Start(context.Background())).To(Succeed())
			Expect(s.Stop()).To(Succeed())
			Expect(s.Stop()).To(Succeed())
			Expect(s.State()).To(Equal(Stopped))
		})

		It("works without Start", func() {
			s, _ := newStack(nil)
			Expect(s.Stop()).To(Succeed())
			Expect(s.State()).To(Equal(Stopped))
			Expect(s.Start(context.Background())).To(MatchError(ErrAlreadyStarted))
		})
	})

	It("cannot be started twice", func() {
		s, _ := newStack(nil)
		Expect(s.Start(context.Background())).To(Succeed())
		Expect(s.Start(context.Background())).To(MatchError(ErrAlreadyStarted))
	})
})

var _ = DescribeTable("State.String",
	func(s State, want string) {
		Expect(s.String()).To(Equal(want))
	},
	Entry("initializing", Initializing, "initializing"),
	Entry("running", Running, "running"),
	Entry("stopped", Stopped, "stopped"),
	Entry("unknown", State(9), "state(9)"),
)
