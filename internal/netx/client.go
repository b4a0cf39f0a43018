// Package netx provides the shared outbound HTTP client and the retry
// policies every component uses. Callers never build their own http.Client.
package netx

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ClientConfig bounds the shared HTTP client pool.
type ClientConfig struct {
	RequestTimeout time.Duration // total per-request budget
	PerHostConns   int           // concurrency cap per host
	TotalConns     int           // global concurrency cap
	PerHostRPS     float64       // token-bucket refill per host
	PerHostBurst   int
	DNSCacheTTL    time.Duration
}

// DefaultClientConfig mirrors the documented resource model: 10 per host,
// 50 total, 15 s requests, 5 min DNS cache.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 15 * time.Second,
		PerHostConns:   10,
		TotalConns:     50,
		PerHostRPS:     5,
		PerHostBurst:   10,
		DNSCacheTTL:    5 * time.Minute,
	}
}

// Client is the pooled, rate-limited HTTP client shared by monitors and the
// pusher.
type Client struct {
	http     *http.Client
	cfg      ClientConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	total    chan struct{} // global concurrency tokens
}

// NewClient builds the shared client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PerHostConns == 0 {
		cfg.PerHostConns = 10
	}
	if cfg.TotalConns == 0 {
		cfg.TotalConns = 50
	}
	if cfg.PerHostBurst == 0 {
		cfg.PerHostBurst = 10
	}
	if cfg.PerHostRPS == 0 {
		cfg.PerHostRPS = 5
	}
	if cfg.DNSCacheTTL == 0 {
		cfg.DNSCacheTTL = 5 * time.Minute
	}

	dialer := newCachingDialer(cfg.DNSCacheTTL)
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     cfg.PerHostConns,
		MaxIdleConns:        cfg.TotalConns,
		MaxIdleConnsPerHost: cfg.PerHostConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		total:    make(chan struct{}, cfg.TotalConns),
	}
}

// Do executes a request under the per-host rate limit and the global
// concurrency cap.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := c.limiter(req.URL.Hostname()).Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}

	select {
	case c.total <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.total }()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "http %s %s", req.Method, req.URL.Host)
	}
	return resp, nil
}

// Get is a convenience wrapper for GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	return c.Do(req)
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.PerHostRPS), c.cfg.PerHostBurst)
		c.limiters[host] = lim
	}
	return lim
}

// cachingDialer resolves hostnames through a small TTL cache so steady-state
// polling does not hammer DNS.
type cachingDialer struct {
	ttl      time.Duration
	mu       sync.Mutex
	cache    map[string]dnsEntry
	dialer   *net.Dialer
	resolver *net.Resolver
}

type dnsEntry struct {
	addrs []string
	exp   time.Time
}

func newCachingDialer(ttl time.Duration) *cachingDialer {
	return &cachingDialer{
		ttl:      ttl,
		cache:    make(map[string]dnsEntry),
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		resolver: net.DefaultResolver,
	}
}

func (d *cachingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}
	if net.ParseIP(host) != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}

	addrs, err := d.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return d.dialer.DialContext(ctx, network, addr)
	}

	var lastErr error
	for _, ip := range addrs {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *cachingDialer) lookup(ctx context.Context, host string) ([]string, error) {
	d.mu.Lock()
	if e, ok := d.cache[host]; ok && time.Now().Before(e.exp) {
		addrs := e.addrs
		d.mu.Unlock()
		return addrs, nil
	}
	d.mu.Unlock()

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[host] = dnsEntry{addrs: addrs, exp: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return addrs, nil
}
