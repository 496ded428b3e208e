// Package driftcheck replays the requests behind staged fixtures against the
// live upstreams they were recorded from and reports shape drift, so a suite
// learns before a release that a provider changed its responses.
package driftcheck

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
)

// Probe is one staged fixture replayed against the upstream it was recorded
// from.
type Probe struct {
	Service        string
	Route          string
	Key            string
	Method         string
	Path           string
	Query          string
	BaseURL        string
	Headers        map[string]string
	Body           json.RawMessage
	ExpectedStatus int
	Expected       json.RawMessage
}

// Override supplies request material for a probe whose replay needs more than
// method and path: POST bodies, auth headers, query strings. Keyed by the
// route's fixture key.
type Override struct {
	Key     string            `json:"key"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// LoadOverrides reads override files; later files win on key collisions.
func LoadOverrides(paths []string) (map[string]Override, error) {
	overrides := make(map[string]Override)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read overrides %s: %w", path, err)
		}

		var fileOverrides []Override
		if err := json.Unmarshal(data, &fileOverrides); err != nil {
			return nil, fmt.Errorf("decode overrides %s: %w", path, err)
		}
		for _, o := range fileOverrides {
			if strings.TrimSpace(o.Key) == "" {
				return nil, fmt.Errorf("overrides %s: entry missing key", path)
			}
			overrides[o.Key] = o
		}
	}
	return overrides, nil
}

// LoadDocument reads the staged fixture document without the store's
// self-repair: a checker must not rewrite the file it is auditing.
func LoadDocument(path string) (fixture.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture document: %w", err)
	}

	var doc fixture.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode fixture document: %w", err)
	}
	return doc, nil
}

// BuildProbes pairs every staged fixture with the configured route it backs.
// Routes without an upstream or without a staged fixture are skipped; there
// is nothing to compare against.
func BuildProbes(cfg stubconfig.Config, doc fixture.Document, overrides map[string]Override) []Probe {
	var probes []Probe
	for _, svc := range cfg.Services {
		if !svc.Upstream.Configured() {
			continue
		}
		for _, route := range svc.Routes {
			staged, ok := doc[route.Fixture]
			if !ok {
				continue
			}

			probe := Probe{
				Service:        svc.Name,
				Route:          route.Name,
				Key:            route.Fixture,
				Method:         route.Method,
				Path:           route.Path,
				BaseURL:        svc.Upstream.BaseURL,
				ExpectedStatus: route.Status,
				Expected:       staged,
			}
			if o, ok := overrides[route.Fixture]; ok {
				probe.Query = o.Query
				probe.Headers = o.Headers
				probe.Body = o.Body
			}
			probes = append(probes, probe)
		}
	}
	return probes
}
