package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Tunnel is a local HTTP proxy endpoint that forwards everything through one upstream
// proxy. HTTP clients point at URL() and never see the upstream credentials.
type Tunnel struct {
	upstream    *url.URL
	display     string
	listener    net.Listener
	local       *url.URL
	transport   *http.Transport
	dialTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func openTunnel(protocol, address string, dialTimeout time.Duration) (*Tunnel, error) {
	upstream, err := ParseUpstream(protocol, address)
	if err != nil {
		return nil, err
	}
	transport, err := CreateTransport(protocol, address)
	if err != nil {
		return nil, err
	}
	transport.ResponseHeaderTimeout = dialTimeout
	transport.DisableCompression = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		upstream:    upstream,
		display:     upstream.Host,
		listener:    ln,
		local:       &url.URL{Scheme: "http", Host: ln.Addr().String()},
		transport:   transport,
		dialTimeout: dialTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
	go t.serve()
	return t, nil
}

// URL returns the local proxy URL to hand to an http.Transport
func (t *Tunnel) URL() *url.URL {
	u := *t.local
	return &u
}

// Upstream returns the upstream host:port without credentials
func (t *Tunnel) Upstream() string {
	return t.display
}

// Close stops the listener and drops every client and upstream connection.
// Calling it more than once is a no-op.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conns := t.conns
		t.conns = nil
		t.mu.Unlock()

		t.cancel()
		t.closeErr = t.listener.Close()
		for c := range conns {
			c.Close()
		}
		<-t.done
		t.transport.CloseIdleConnections()

		if t.onClose != nil {
			t.onClose()
		}
	})
	return t.closeErr
}

func (t *Tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns != nil {
		delete(t.conns, c)
	}
}

func (t *Tunnel) serve() {
	defer close(t.done)

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		go t.handle(conn)
	}
}

func (t *Tunnel) handle(conn net.Conn) {
	defer t.untrack(conn)
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method == http.MethodConnect {
			t.connect(conn, br, req)
			return
		}
		if !t.forward(conn, req) {
			return
		}
	}
}

// connect answers a CONNECT by splicing the client onto a connection opened via upstream
func (t *Tunnel) connect(conn net.Conn, br *bufio.Reader, req *http.Request) {
	target := req.Host
	if !strings.Contains(target, ":") {
		target += ":443"
	}

	up, err := dialThrough(t.ctx, t.upstream, target, t.dialTimeout)
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	if !t.track(up) {
		up.Close()
		return
	}
	defer t.untrack(up)
	defer up.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	finished := make(chan struct{}, 2)
	go func() {
		io.Copy(up, br)
		finished <- struct{}{}
	}()
	go func() {
		io.Copy(conn, up)
		finished <- struct{}{}
	}()
	// Either side hanging up ends the tunnel; deferred closes unblock the other copy
	<-finished
}

// forward relays one plain HTTP request; it reports whether the client connection may be reused
func (t *Tunnel) forward(conn net.Conn, req *http.Request) bool {
	req = req.WithContext(t.ctx)
	req.RequestURI = ""
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		return false
	}
	defer resp.Body.Close()

	if err := resp.Write(conn); err != nil {
		return false
	}
	return !req.Close && !resp.Close
}

var hopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Upgrade",
}
