package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProviderSource downloads a newline-delimited listing from a proxy provider API
type ProviderSource struct {
	client *resty.Client
	url    string
	params map[string]string
}

// NewProviderSource creates a source for url; params become the query string
// (protocol, country, anonymity, ssl filters and so on)
func NewProviderSource(url string, params map[string]string, timeout time.Duration) *ProviderSource {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "text/plain")

	return &ProviderSource{
		client: client,
		url:    url,
		params: params,
	}
}

// Fetch implements Source
func (s *ProviderSource) Fetch(ctx context.Context) ([]string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(s.params).
		Get(s.url)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode())
	}
	return Parse(string(resp.Body())), nil
}

// StaticSource serves a fixed list of addresses
type StaticSource []string

// Fetch implements Source
func (s StaticSource) Fetch(context.Context) ([]string, error) {
	return Parse(strings.Join(s, "\n")), nil
}
