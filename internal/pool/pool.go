package pool

import (
	"net"
	"net/http"
	"time"
)

// Options tunes the proxy-traffic transport.
type Options struct {
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration // zero means wait for the backend indefinitely
}

// Pools holds the two outbound clients shared by the whole process: one for
// proxied traffic and one for health probes. Both are created once.
type Pools struct {
	proxy  *http.Client
	health *http.Client
}

// New creates both pools.
func New(opts Options) *Pools {
	return &Pools{
		proxy:  newProxyClient(opts),
		health: newHealthClient(),
	}
}

// Proxy returns the client used for forwarded requests.
func (p *Pools) Proxy() *http.Client {
	return p.proxy
}

// Health returns the client used for health probes.
func (p *Pools) Health() *http.Client {
	return p.health
}

// CloseIdleConnections drops pooled keep-alive connections in both pools.
// Connections to a replaced backend process are dead and must not be reused.
func (p *Pools) CloseIdleConnections() {
	p.proxy.CloseIdleConnections()
	p.health.CloseIdleConnections()
}

func newProxyClient(opts Options) *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		// Bodies are relayed as-is; the transport must not negotiate gzip.
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newHealthClient() *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout: time.Second,
		}).DialContext,
		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     10 * time.Second,
		DisableCompression:  true,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
