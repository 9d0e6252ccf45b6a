package request

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/131.0.2903.86",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.7; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 18_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 17_7_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 10; Pixel 3 XL) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.6834.164 Mobile Safari/537.36",
}

// Fingerprint randomizes the browser-like parts of each visit
type Fingerprint struct {
	headers     map[string]string
	referrers   []string
	searchTerms []string
	userAgents  []string
}

// NewFingerprint builds a fingerprint source. An empty agents list uses the built-in one.
// referrers and searchTerms must not be empty.
func NewFingerprint(headers map[string]string, referrers, searchTerms, agents []string) *Fingerprint {
	if len(agents) == 0 {
		agents = defaultUserAgents
	}
	return &Fingerprint{
		headers:     headers,
		referrers:   referrers,
		searchTerms: searchTerms,
		userAgents:  agents,
	}
}

// UserAgent returns a random user agent string
func (f *Fingerprint) UserAgent() string {
	return pick(f.userAgents)
}

// Referrer joins a random referrer template with a random, escaped search phrase
func (f *Fingerprint) Referrer() string {
	return pick(f.referrers) + escapeComponent(pick(f.searchTerms))
}

// NewRequest builds the GET for target with a fresh fingerprint
func (f *Fingerprint) NewRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", f.UserAgent())
	req.Header.Set("Referer", f.Referrer())
	return req, nil
}

func pick(list []string) string {
	return list[rand.IntN(len(list))]
}

// escapeComponent escapes like a URI component: spaces become %20, not +
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
