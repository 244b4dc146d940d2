package download

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Rotator hands out the proxy to route the next request through. A nil
// return means connect directly.
type Rotator interface {
	Next() *url.URL
}

// RoundRobin cycles through a fixed proxy list. An empty list degrades to
// direct connections rather than failing.
type RoundRobin struct {
	mu      sync.Mutex
	proxies []*url.URL
	idx     int
}

// NewRoundRobin parses proxy URLs into a rotator. Entries must carry a
// scheme; a bare host is a config mistake worth failing loudly on.
func NewRoundRobin(raw []string) (*RoundRobin, error) {
	rr := &RoundRobin{}
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, eris.Wrapf(err, "download: parse proxy %q", s)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, eris.Errorf("download: proxy %q missing scheme or host", s)
		}
		rr.proxies = append(rr.proxies, u)
	}
	return rr, nil
}

// Next returns the next proxy in rotation, nil when the pool is empty.
func (r *RoundRobin) Next() *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return nil
	}
	u := r.proxies[r.idx%len(r.proxies)]
	r.idx++
	return u
}

// Len reports the pool size.
func (r *RoundRobin) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// clientFor builds an HTTP client routed through the given proxy. Redirects
// are followed by default, which attachment URLs rely on.
func clientFor(proxy *url.URL, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
