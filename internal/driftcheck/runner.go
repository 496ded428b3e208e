package driftcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Result captures the outcome of replaying one probe.
type Result struct {
	Probe      Probe
	LiveStatus int
	BodyDiff   string
	Latency    time.Duration
	Err        error
}

// Drifted reports whether the live upstream disagrees with the staged fixture.
func (r Result) Drifted() bool {
	return r.Err == nil && (r.BodyDiff != "" || r.LiveStatus != r.Probe.ExpectedStatus)
}

// Runner replays probes against their live upstreams with bounded parallelism.
type Runner struct {
	Client      *http.Client
	Concurrency int
	Normalizers []func([]byte) []byte
}

// Run executes every probe and returns results in probe order.
func (r *Runner) Run(ctx context.Context, probes []Probe) []Result {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]Result, len(probes))
	sem := make(chan struct{}, concurrency)
	wg := sync.WaitGroup{}

	for i, probe := range probes {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, p Probe) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = r.execute(ctx, client, p)
		}(i, probe)
	}

	wg.Wait()
	return results
}

func (r *Runner) execute(ctx context.Context, client *http.Client, probe Probe) Result {
	res := Result{Probe: probe}

	resp, latency, err := send(ctx, client, probe)
	res.Latency = latency
	if err != nil {
		res.Err = fmt.Errorf("live request failed: %w", err)
		return res
	}

	res.LiveStatus = resp.StatusCode
	live, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	staged := []byte(probe.Expected)
	for _, normalizer := range r.Normalizers {
		staged = normalizer(staged)
		live = normalizer(live)
	}

	if !bytes.Equal(staged, live) {
		res.BodyDiff = diffJSON(staged, live)
	}
	return res
}

func send(ctx context.Context, client *http.Client, probe Probe) (*http.Response, time.Duration, error) {
	method := probe.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.JoinPath(probe.BaseURL, probe.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("build url: %w", err)
	}
	if probe.Query != "" {
		target += "?" + probe.Query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(probe.Body))
	if err != nil {
		return nil, 0, err
	}
	for key, value := range probe.Headers {
		req.Header.Set(key, value)
	}
	if len(probe.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	if err != nil {
		return nil, latency, err
	}
	return resp, latency, nil
}

func diffJSON(staged, live []byte) string {
	var stagedAny, liveAny interface{}
	if err := json.Unmarshal(staged, &stagedAny); err != nil {
		if bytes.Equal(staged, live) {
			return ""
		}
		return fmt.Sprintf("staged raw:\n%s\nlive:\n%s\n", staged, live)
	}
	if err := json.Unmarshal(live, &liveAny); err != nil {
		if bytes.Equal(staged, live) {
			return ""
		}
		return fmt.Sprintf("staged raw:\n%s\nlive:\n%s\n", staged, live)
	}

	stagedCanonical, _ := json.MarshalIndent(stagedAny, "", "  ")
	liveCanonical, _ := json.MarshalIndent(liveAny, "", "  ")

	if bytes.Equal(stagedCanonical, liveCanonical) {
		return ""
	}

	return fmt.Sprintf("staged:\n%s\nlive:\n%s\n", stagedCanonical, liveCanonical)
}
