package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/metrics"
)

type wsMessage struct {
	Kind string         `json:"kind"`
	Body map[string]any `json:"body"`
}

var _ = Describe("Server", func() {
	var (
		reg   *prometheus.Registry
		m     *metrics.Metrics
		stats *metrics.Stats
		s     *Server
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg, prometheus.DefBuckets)
		stats = metrics.NewStats(func() int { return 7 })
		s = New(0, reg, stats.Snapshot, 50*time.Millisecond, zerolog.Nop())
	})

	get := func(url string) (int, string) {
		resp, err := http.Get(url)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, string(body)
	}

	Describe("/stats", func() {
		It("reports an undefined rate before any visit", func() {
			srv := httptest.NewServer(s.Handler())
			DeferCleanup(srv.Close)

			code, body := get(srv.URL + "/stats")
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"totalVisits":0,"failedVisits":0,"attempts":0,"retries":0,"successRate":null,"activeProxies":7}`))
		})

		It("reports the counters", func() {
			srv := httptest.NewServer(s.Handler())
			DeferCleanup(srv.Close)
			stats.Attempt(false)
			stats.Success()

			_, body := get(srv.URL + "/stats")
			Expect(body).To(MatchJSON(`{"totalVisits":1,"failedVisits":0,"attempts":1,"retries":0,"successRate":"100.00%","activeProxies":7}`))
		})
	})

	Describe("/metrics", func() {
		It("exposes the registry", func() {
			srv := httptest.NewServer(s.Handler())
			DeferCleanup(srv.Close)
			m.ObserveVisit(true)
			m.SetPoolSize(3)

			code, body := get(srv.URL + "/metrics")
			Expect(code).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`visits_total{outcome="success"} 1`))
			Expect(body).To(ContainSubstring("proxy_pool_size 3"))
		})
	})

	Describe("Serve", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			addr   string
			done   chan error
		)

		BeforeEach(func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			addr = ln.Addr().String()

			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() { done <- s.Serve(ctx, ln) }()
			DeferCleanup(cancel)
		})

		dial := func() *websocket.Conn {
			conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(conn.Close)
			return conn
		}

		read := func(conn *websocket.Conn) wsMessage {
			var msg wsMessage
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(data, &msg)).To(Succeed())
			return msg
		}

		It("sends the snapshot on connect and then periodically", func() {
			conn := dial()

			first := read(conn)
			Expect(first.Kind).To(Equal("stats"))
			Expect(first.Body).To(HaveKeyWithValue("totalVisits", 0.0))
			Expect(first.Body).To(HaveKeyWithValue("successRate", BeNil()))
			Eventually(s.Clients).Should(Equal(1))

			stats.Success()
			stats.Success()
			Eventually(func() any { return read(conn).Body["totalVisits"] }, 2*time.Second).Should(Equal(2.0))
		})

		It("forgets clients that disconnect", func() {
			conn := dial()
			read(conn)
			Eventually(s.Clients).Should(Equal(1))

			conn.Close()
			Eventually(s.Clients).Should(BeZero())
		})

		It("shuts down when the context ends", func() {
			conn := dial()
			read(conn)

			cancel()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
			Expect(s.Clients()).To(BeZero())

			conn.SetReadDeadline(time.Now().Add(time.Second))
			Eventually(func() error {
				_, _, err := conn.ReadMessage()
				return err
			}).Should(HaveOccurred())

			_, err := http.Get("http://" + addr + "/stats")
			Expect(err).To(HaveOccurred())
		})
	})

	It("returns from Run once the context is done", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(s.Run(ctx)).To(Succeed())
	})
})
