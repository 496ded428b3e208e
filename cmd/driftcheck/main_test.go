package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDriftInputs(t *testing.T, upstreamURL, stagedBody string) (configPath, fixturesPath string) {
	t.Helper()
	dir := t.TempDir()

	configPath = filepath.Join(dir, "stubd.yaml")
	configYAML := fmt.Sprintf(`fixtures:
  path: %s
services:
  - name: payments
    prefix: /payments
    upstream:
      baseURL: %s
      timeout: 2s
    routes:
      - name: get_charge
        method: GET
        path: /v1/charges/ch_1
`, filepath.Join(dir, "fixtures.json"), upstreamURL)
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fixturesPath = filepath.Join(dir, "fixtures.json")
	doc := fmt.Sprintf(`{"payments.get_charge": %s}`, stagedBody)
	if err := os.WriteFile(fixturesPath, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	return configPath, fixturesPath
}

func TestRunReportsCleanUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges/ch_1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "live_9", "status": "succeeded"}`)
	}))
	defer upstream.Close()

	configPath, _ := writeDriftInputs(t, upstream.URL, `{"id": "ch_1", "status": "succeeded"}`)

	out, code := captureRun(t, []string{"-config", configPath})
	if code != exitClean {
		t.Fatalf("expected clean exit, got %d (output: %s)", code, out)
	}
	if !strings.Contains(out, "1 clean, 0 drifted, 0 failed") {
		t.Fatalf("unexpected report: %s", out)
	}
}

func TestRunFlagsDriftedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": "SUCCEEDED"}`)
	}))
	defer upstream.Close()

	configPath, _ := writeDriftInputs(t, upstream.URL, `{"status": "succeeded"}`)

	out, code := captureRun(t, []string{"-config", configPath})
	if code != exitDrift {
		t.Fatalf("expected drift exit, got %d (output: %s)", code, out)
	}
	if !strings.Contains(out, "[payments.get_charge]") {
		t.Fatalf("expected drifted probe in report: %s", out)
	}
}

func TestRunEmitsJSONReport(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": "succeeded"}`)
	}))
	defer upstream.Close()

	configPath, _ := writeDriftInputs(t, upstream.URL, `{"status": "succeeded"}`)

	out, code := captureRun(t, []string{"-config", configPath, "-format", "json"})
	if code != exitClean {
		t.Fatalf("expected clean exit, got %d (output: %s)", code, out)
	}
	if !strings.Contains(out, `"clean": 1`) {
		t.Fatalf("unexpected json report: %s", out)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "stubd.yaml")
	if err := os.WriteFile(configPath, []byte("services: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, code := captureRun(t, []string{"-config", configPath})
	if code != exitInvalidConfig {
		t.Fatalf("expected invalid-config exit, got %d", code)
	}
}

func TestRunRejectsCorruptFixtureDocument(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	configPath, fixturesPath := writeDriftInputs(t, upstream.URL, `{"status": "ok"}`)
	if err := os.WriteFile(fixturesPath, []byte(`{"broken":`), 0o644); err != nil {
		t.Fatalf("corrupt fixtures: %v", err)
	}

	_, code := captureRun(t, []string{"-config", configPath})
	if code != exitInvalidConfig {
		t.Fatalf("expected invalid-config exit, got %d", code)
	}
}

func captureRun(t *testing.T, args []string) (string, int) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan struct{})
	var code int
	go func() {
		code = run(args)
		w.Close()
		close(done)
	}()

	buf := &bytes.Buffer{}
	_, _ = io.Copy(buf, r)
	<-done
	os.Stdout = origStdout

	return strings.TrimSpace(buf.String()), code
}
