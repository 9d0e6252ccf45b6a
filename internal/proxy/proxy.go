package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ParseUpstream turns a listing entry into a proxy URL. address is host:port or
// username:password@host:port; an address that already carries a scheme keeps it.
func ParseUpstream(protocol, address string) (*url.URL, error) {
	raw := address
	if !strings.Contains(address, "://") {
		raw = strings.ToLower(protocol) + "://" + address
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("proxy address (host:port) is not specified")
	}
	switch u.Scheme {
	case "http", "https", "socks5":
		return u, nil
	default:
		return nil, errors.New("unsupported proxy protocol: " + u.Scheme)
	}
}

// CreateTransport creates HTTP transport that sends requests through the upstream proxy
func CreateTransport(protocol, address string) (*http.Transport, error) {
	upstream, err := ParseUpstream(protocol, address)
	if err != nil {
		return nil, err
	}

	if upstream.Scheme == "socks5" {
		dialer, err := socksDialer(upstream)
		if err != nil {
			return nil, err
		}
		return &http.Transport{DialContext: dialer.DialContext}, nil
	}

	// HTTP proxy using http.ProxyURL, credentials become Proxy-Authorization
	return &http.Transport{
		Proxy: http.ProxyURL(upstream),
	}, nil
}

// MaskAuth hides credentials, returning just host:port for display
func MaskAuth(protocol, address string) string {
	u, err := ParseUpstream(protocol, address)
	if err != nil {
		return address
	}
	return u.Host
}

func socksDialer(upstream *url.URL) (proxy.ContextDialer, error) {
	var auth *proxy.Auth
	if upstream.User != nil {
		password, _ := upstream.User.Password()
		auth = &proxy.Auth{
			User:     upstream.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", upstream.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// dialThrough opens a raw connection to target ("host:port") via the upstream proxy
func dialThrough(ctx context.Context, upstream *url.URL, target string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if upstream.Scheme == "socks5" {
		dialer, err := socksDialer(upstream)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, "tcp", target)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", upstream.Host)
	if err != nil {
		return nil, err
	}
	if upstream.Scheme == "https" {
		tc := tls.Client(conn, &tls.Config{ServerName: upstream.Hostname()})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tc
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	req.Header.Set("Proxy-Connection", "Keep-Alive")
	if upstream.User != nil {
		password, _ := upstream.User.Password()
		req.Header.Set("Proxy-Authorization", basicAuth(upstream.User.Username(), password))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// The body of a successful CONNECT is the tunnel itself, so it is never read or closed
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream CONNECT to %s: %s", target, resp.Status)
	}

	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// bufferedConn replays bytes the upstream sent right after its CONNECT response
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
