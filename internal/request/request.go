package request

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/proxy"
)

// StatusError reports a response outside the 2xx range
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "unexpected HTTP status " + strconv.Itoa(e.Code)
}

// Do sends req, drains the body so the connection can be released, and returns the status.
// Non-2xx statuses come back as *StatusError together with the code.
func Do(client *http.Client, req *http.Request) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Read and discard response body to free up connection
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// CategorizeError categorizes errors into types for logs and metrics
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *StatusError
	switch {
	case errors.Is(err, pool.ErrNoProxiesAvailable):
		return "no_proxy"
	case errors.Is(err, proxy.ErrTunnelFailure):
		return "tunnel_error"
	case errors.As(err, &statusErr):
		return "http_" + strconv.Itoa(statusErr.Code)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "connection_error"
	}

	errLower := strings.ToLower(err.Error())

	// Check for timeout errors
	if strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "deadline exceeded") {
		return "timeout"
	}

	// Check for DNS errors
	if strings.Contains(errLower, "no such host") ||
		strings.Contains(errLower, "dns") ||
		strings.Contains(errLower, "name resolution") {
		return "dns_error"
	}

	// Check for connection errors, including EOF reported as text by some proxies
	if strings.Contains(errLower, "eof") ||
		strings.Contains(errLower, "connection refused") ||
		strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "broken pipe") ||
		strings.Contains(errLower, "network is unreachable") {
		return "connection_error"
	}

	// Default to connection_error for unknown network errors
	if errors.As(err, &netErr) {
		return "connection_error"
	}

	return "unknown_error"
}
