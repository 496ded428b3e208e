// Package health aggregates the stub's readiness signals: the fixture
// document must be writable and every record-mode upstream reachable.
// Verdicts are cached for a short TTL so readiness polling does not turn
// into upstream load.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Upstream identifies a live dependency to probe for readiness.
type Upstream struct {
	Name       string
	BaseURL    string
	HealthPath string
}

// UpstreamReport captures the outcome of probing a single upstream.
type UpstreamReport struct {
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// FixtureReport captures whether the fixture document can be persisted.
type FixtureReport struct {
	Path     string `json:"path"`
	Writable bool   `json:"writable"`
	Error    string `json:"error,omitempty"`
}

// Report aggregates readiness across the fixture store and upstreams.
type Report struct {
	Status    string           `json:"status"`
	CheckedAt time.Time        `json:"checkedAt"`
	Cached    bool             `json:"cached,omitempty"`
	Fixtures  FixtureReport    `json:"fixtures"`
	Upstreams []UpstreamReport `json:"upstreams,omitempty"`
}

// Ready reports whether every probe passed.
func (r Report) Ready() bool {
	return r.Status == "ready"
}

// Options configure a Checker.
type Options struct {
	Client      *http.Client
	FixturePath string
	Upstreams   []Upstream
	Timeout     time.Duration
	// TTL bounds how long a verdict is reused. Zero disables caching.
	TTL       time.Duration
	UserAgent string
}

// Checker evaluates readiness and caches the verdict.
type Checker struct {
	client      *http.Client
	fixturePath string
	upstreams   []Upstream
	timeout     time.Duration
	ttl         time.Duration
	userAgent   string

	mu     sync.Mutex
	last   Report
	lastAt time.Time
}

// NewChecker returns a checker for the given fixture path and upstreams.
func NewChecker(opts Options) *Checker {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "stubd/readyz"
	}

	return &Checker{
		client:      client,
		fixturePath: opts.FixturePath,
		upstreams:   opts.Upstreams,
		timeout:     timeout,
		ttl:         opts.TTL,
		userAgent:   userAgent,
	}
}

// Readiness returns the current readiness report, reusing the previous
// verdict while it is fresh.
func (c *Checker) Readiness(ctx context.Context) Report {
	c.mu.Lock()
	if c.ttl > 0 && !c.lastAt.IsZero() && time.Since(c.lastAt) < c.ttl {
		cached := c.last
		cached.Cached = true
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	report := c.evaluate(ctx)

	c.mu.Lock()
	c.last = report
	c.lastAt = time.Now()
	c.mu.Unlock()

	return report
}

func (c *Checker) evaluate(ctx context.Context) Report {
	report := Report{
		CheckedAt: time.Now().UTC(),
		Fixtures:  c.probeFixtures(),
	}

	if len(c.upstreams) > 0 {
		results := make([]UpstreamReport, len(c.upstreams))
		var wg sync.WaitGroup
		for idx, upstream := range c.upstreams {
			wg.Add(1)
			go func(i int, u Upstream) {
				defer wg.Done()
				results[i] = c.probe(ctx, u)
			}(idx, upstream)
		}
		wg.Wait()
		report.Upstreams = results
	}

	report.Status = "ready"
	if !report.Fixtures.Writable {
		report.Status = "degraded"
	}
	for _, r := range report.Upstreams {
		if !r.Healthy {
			report.Status = "degraded"
			break
		}
	}

	return report
}

// probeFixtures verifies the document's directory accepts writes without
// touching the document itself.
func (c *Checker) probeFixtures() FixtureReport {
	report := FixtureReport{Path: c.fixturePath}
	if c.fixturePath == "" {
		report.Error = "fixture path not configured"
		return report
	}

	dir := filepath.Dir(c.fixturePath)
	probe, err := os.CreateTemp(dir, ".stubd-readyz-*")
	if err != nil {
		report.Error = fmt.Sprintf("fixture directory not writable: %v", err)
		return report
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	report.Writable = true
	return report
}

func (c *Checker) probe(ctx context.Context, upstream Upstream) UpstreamReport {
	checkedAt := time.Now().UTC()
	report := UpstreamReport{
		Name:      upstream.Name,
		Healthy:   false,
		CheckedAt: checkedAt,
	}

	targetURL, err := url.JoinPath(upstream.BaseURL, upstream.HealthPath)
	if err != nil {
		report.Error = fmt.Sprintf("failed to build upstream url: %v", err)
		return report
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		report.Error = fmt.Sprintf("failed to create request: %v", err)
		return report
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		select {
		case <-reqCtx.Done():
			report.Error = reqCtx.Err().Error()
		default:
			report.Error = err.Error()
		}
		return report
	}
	defer resp.Body.Close()

	report.StatusCode = resp.StatusCode
	report.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !report.Healthy {
		report.Error = fmt.Sprintf("health check failed with status %d", resp.StatusCode)
	}

	return report
}
