package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read when CONFIG_FILE is not set
const DefaultFile = "proxy-traffic.yaml"

// Config represents the YAML configuration file structure, overlaid by environment variables
type Config struct {
	TargetURL            string    `yaml:"target_url"`
	Concurrency          int       `yaml:"concurrency"`
	Interval             int       `yaml:"interval_ms"`
	Countries            []string  `yaml:"countries"` // Advisory only, never enforced on proxies
	UseProxy             bool      `yaml:"use_proxy"`
	ProxyRefreshInterval int       `yaml:"proxy_refresh_interval_ms"`
	MaxRetries           int       `yaml:"max_retries"`
	Timeout              int       `yaml:"timeout_ms"`
	RetryBackoff         int       `yaml:"retry_backoff_ms"` // 0 disables backoff between retries
	MetricsPort          int       `yaml:"metrics_port"`     // 0 disables the status server
	StatsInterval        int       `yaml:"stats_interval_ms"`
	LatencyBuckets       []float64 `yaml:"latency_buckets,omitempty"` // Optional custom buckets
	Proxies              []string  `yaml:"proxies,omitempty"`         // Static list, replaces the provider when set
	Provider             Provider  `yaml:"provider"`
	Request              Request   `yaml:"request"`
	Logging              Logging   `yaml:"logging"`
}

// Provider describes the remote proxy listing endpoint
type Provider struct {
	URL      string            `yaml:"url"`
	Protocol string            `yaml:"protocol"` // http, https or socks5; applies to every listed address
	Params   map[string]string `yaml:"params"`
	Timeout  int               `yaml:"timeout_ms"`
}

// Request holds the fingerprint material for outbound visits
type Request struct {
	Headers     map[string]string `yaml:"headers"`
	Referrers   []string          `yaml:"referrers"`
	SearchTerms []string          `yaml:"search_terms"`
	UserAgents  []string          `yaml:"user_agents,omitempty"` // Optional, built-in list when empty
}

// Logging selects level and destinations
type Logging struct {
	Level        string `yaml:"level"`
	ErrorFile    string `yaml:"error_file"`
	CombinedFile string `yaml:"combined_file"`
	Console      bool   `yaml:"console"`
}

// Default returns the configuration used when neither file nor environment override a value
func Default() *Config {
	return &Config{
		TargetURL:            "https://example.com",
		Concurrency:          5,
		Interval:             2000,
		Countries:            []string{"US", "UK", "CA", "AU"},
		UseProxy:             true,
		ProxyRefreshInterval: 3600000, // 1 hour
		MaxRetries:           3,
		Timeout:              30000,
		MetricsPort:          8080,
		StatsInterval:        60000,
		Provider: Provider{
			URL:      "https://api.proxyscrape.com/v2/",
			Protocol: "http",
			Params: map[string]string{
				"request":   "getproxies",
				"protocol":  "http",
				"timeout":   "10000",
				"country":   "all",
				"ssl":       "all",
				"anonymity": "all",
			},
			Timeout: 10000,
		},
		Request: Request{
			Headers: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.5",
				"Cache-Control":   "no-cache",
				"Pragma":          "no-cache",
			},
			Referrers: []string{
				"https://www.google.com/search?q=",
				"https://www.bing.com/search?q=",
				"https://www.facebook.com/",
				"https://twitter.com/search?q=",
				"https://www.linkedin.com/search/results/all/?keywords=",
				"https://www.reddit.com/search/?q=",
				"https://github.com/search?q=",
			},
			SearchTerms: []string{
				"best online services",
				"social media automation",
				"traffic generation",
				"website analytics",
				"social media growth",
				"digital marketing tools",
				"online presence optimization",
				"web traffic solutions",
			},
		},
		Logging: Logging{
			Level:        "info",
			ErrorFile:    "error.log",
			CombinedFile: "combined.log",
			Console:      true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (a missing file is
// skipped) and the process environment, then validates it
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the values found through lookup onto cfg
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"TARGET_URL":         &c.TargetURL,
		"PROXY_PROVIDER_URL": &c.Provider.URL,
		"PROXY_PROTOCOL":     &c.Provider.Protocol,
		"LOG_LEVEL":          &c.Logging.Level,
		"LOG_FILE_ERROR":     &c.Logging.ErrorFile,
		"LOG_FILE_COMBINED":  &c.Logging.CombinedFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONCURRENCY":            &c.Concurrency,
		"INTERVAL":               &c.Interval,
		"PROXY_REFRESH_INTERVAL": &c.ProxyRefreshInterval,
		"MAX_RETRIES":            &c.MaxRetries,
		"TIMEOUT":                &c.Timeout,
		"RETRY_BACKOFF":          &c.RetryBackoff,
		"METRICS_PORT":           &c.MetricsPort,
		"STATS_INTERVAL":         &c.StatsInterval,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"USE_PROXY":   &c.UseProxy,
		"LOG_CONSOLE": &c.Logging.Console,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", key, v)
		}
		*dst = b
	}

	if v, ok := lookup("COUNTRIES"); ok && v != "" {
		c.Countries = splitList(v)
	}
	return nil
}

// Validate checks the ranges every run depends on
func (c *Config) Validate() error {
	u, err := url.Parse(c.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target_url: %q is not an absolute http(s) URL", c.TargetURL)
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("interval_ms must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout_ms must be positive")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff_ms must not be negative")
	}
	if c.StatsInterval <= 0 {
		return errors.New("stats_interval_ms must be positive")
	}
	if len(c.Request.Referrers) == 0 || len(c.Request.SearchTerms) == 0 {
		return errors.New("request: referrers and search_terms must not be empty")
	}
	if !c.UseProxy {
		return nil
	}
	if c.ProxyRefreshInterval <= 0 {
		return errors.New("proxy_refresh_interval_ms must be positive")
	}
	switch strings.ToLower(c.Provider.Protocol) {
	case "http", "https", "socks5":
	default:
		return errors.New("unsupported proxy protocol: " + c.Provider.Protocol)
	}
	if len(c.Proxies) == 0 && c.Provider.URL == "" {
		return errors.New("use_proxy needs either proxies or provider.url")
	}
	return nil
}

// IntervalDuration returns the period between visits of one stream
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

// TimeoutDuration returns the per-request timeout
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// RefreshDuration returns the proxy list refresh period
func (c *Config) RefreshDuration() time.Duration {
	return time.Duration(c.ProxyRefreshInterval) * time.Millisecond
}

// BackoffDuration returns the base retry backoff, zero when disabled
func (c *Config) BackoffDuration() time.Duration {
	return time.Duration(c.RetryBackoff) * time.Millisecond
}

// StatsDuration returns how often the stats snapshot is logged
func (c *Config) StatsDuration() time.Duration {
	return time.Duration(c.StatsInterval) * time.Millisecond
}

// ProviderTimeout returns the provider fetch timeout, falling back to the request timeout
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.Timeout > 0 {
		return time.Duration(c.Provider.Timeout) * time.Millisecond
	}
	return c.TimeoutDuration()
}

// GetLatencyBuckets returns latency buckets, using config if provided, otherwise defaults
func (c *Config) GetLatencyBuckets() []float64 {
	if len(c.LatencyBuckets) > 0 {
		return c.LatencyBuckets
	}
	// Visits go through free proxies, so the tail matters more than the head
	return []float64{
		0.1,  // 100ms
		0.25, // 250ms
		0.5,  // 500ms
		1.0,  // 1s
		2.0,  // 2s
		3.0,  // 3s
		5.0,  // 5s
		10.0, // 10s
		20.0, // 20s
		30.0, // default timeout
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
