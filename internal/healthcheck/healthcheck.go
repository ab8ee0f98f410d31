package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Prober issues health-check requests against a single URL.
type Prober struct {
	client *http.Client
	url    string
}

// NewProber returns a prober for url using client (normally the health pool).
func NewProber(client *http.Client, url string) *Prober {
	return &Prober{client: client, url: url}
}

// URL returns the probed endpoint.
func (p *Prober) URL() string {
	return p.url
}

// Probe sends one GET with an empty body. Any 2xx counts as healthy; network
// errors and other statuses count as not yet healthy.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return false
	}

	res, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()

	// drain so the connection goes back to the pool
	io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	return res.StatusCode >= 200 && res.StatusCode < 300
}

// WaitHealthy probes every interval until a probe succeeds or ctx ends.
// ctx carries the overall deadline; individual probes are bounded by it.
// observe, if non-nil, is called with the result of every probe.
func WaitHealthy(ctx context.Context, p *Prober, interval time.Duration, observe func(healthy bool)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		healthy := p.Probe(ctx)
		if observe != nil {
			observe(healthy)
		}
		if healthy {
			return nil
		}

		timer.Reset(interval)
	}
}

// Monitor probes every interval until ctx ends. After threshold consecutive
// failed probes it calls onDown once and returns.
func Monitor(
	ctx context.Context,
	p *Prober,
	interval time.Duration,
	threshold int,
	onDown func(),
	logger *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Health monitor stopped", slog.String("url", p.URL()))
			return

		case <-ticker.C:
			if p.Probe(ctx) {
				if failures > 0 {
					logger.Info("Backend recovered", slog.String("url", p.URL()))
				}
				failures = 0
				continue
			}

			if ctx.Err() != nil {
				return
			}

			failures++
			logger.Warn("Backend health probe failed",
				slog.String("url", p.URL()),
				slog.Int("consecutive_failures", failures))

			if failures >= threshold {
				onDown()
				return
			}
		}
	}
}
