package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stubd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
services:
  - name: payments
    routes:
      - name: create_charge
        method: post
        path: v1/charges
`

func TestLoadAppliesDefaultsAndNormalizes(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, minimalConfig)

	cfg, err := Load(WithPath(path))
	if err != nil {
		t.Fatalf("expected successful load, got error: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.HTTP.Port)
	}
	if !cfg.Fixtures.ResetOnStart {
		t.Fatalf("expected reset-on-start default true")
	}
	if cfg.Fixtures.Path != "fixtures.json" {
		t.Fatalf("unexpected fixtures path: %s", cfg.Fixtures.Path)
	}
	if cfg.Recorder.Capacity != 1000 {
		t.Fatalf("unexpected recorder capacity: %d", cfg.Recorder.Capacity)
	}

	svc := serviceByName(t, cfg, "payments")
	if svc.Prefix != "/payments" {
		t.Fatalf("expected prefix derived from name, got %s", svc.Prefix)
	}

	route := svc.Routes[0]
	if route.Method != "POST" {
		t.Fatalf("expected method upper-cased, got %s", route.Method)
	}
	if route.Path != "/v1/charges" {
		t.Fatalf("expected leading slash applied, got %s", route.Path)
	}
	if route.Fixture != "payments.create_charge" {
		t.Fatalf("expected derived fixture key, got %s", route.Fixture)
	}
	if route.Status != 200 {
		t.Fatalf("expected default status, got %d", route.Status)
	}
	if route.ContentType != "application/json" {
		t.Fatalf("expected default content type, got %s", route.ContentType)
	}
}

func TestLoadFromYAMLAndEnvOverrides(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, `
http:
  port: 9000
  shutdownTimeout: 5s
fixtures:
  path: staged.json
  resetOnStart: false
services:
  - name: payments
    prefix: /payments/
    latency: 25ms
    throttle:
      ratePerSecond: 2.5
    routes:
      - name: create_charge
        method: POST
        path: /v1/charges
        status: 201
        latency: 10
        requireHeaders: [Authorization]
        requireProperties: [amount, currency]
callbacks:
  - name: charge_succeeded
    targetURL: http://127.0.0.1:9999/hooks
    fixture: payments.charge_succeeded
    secret: whsec_test
`)
	t.Setenv("STUBD_PORT", "9100")
	t.Setenv("STUBD_SHUTDOWN_TIMEOUT_MS", "7000")
	t.Setenv("STUBD_FIXTURES_PATH", "override.json")
	t.Setenv("STUBD_JWT_SECRET", "supersecret")
	t.Setenv("STUBD_JWT_AUDIENCE", "suite, ci")
	t.Setenv("STUBD_JWT_ISSUER", "stubd")
	t.Setenv("STUBD_CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	t.Setenv("STUBD_RATE_LIMIT_WINDOW_MS", "90000")
	t.Setenv("STUBD_RATE_LIMIT_MAX", "300")
	t.Setenv("STUBD_METRICS_ENABLED", "false")
	t.Setenv("GIT_SHA", "def456")

	cfg, err := Load(WithPath(path))
	if err != nil {
		t.Fatalf("expected successful load, got error: %v", err)
	}

	if cfg.HTTP.Port != 9100 {
		t.Fatalf("expected env port to win, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() != 7*time.Second {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.HTTP.ShutdownTimeout.AsDuration())
	}
	if cfg.Fixtures.Path != "override.json" {
		t.Fatalf("expected env fixtures path to win, got %s", cfg.Fixtures.Path)
	}
	if cfg.Fixtures.ResetOnStart {
		t.Fatalf("expected YAML reset-on-start false preserved")
	}
	if cfg.Version != "def456" {
		t.Fatalf("unexpected version: %s", cfg.Version)
	}
	if cfg.Auth.Secret != "supersecret" {
		t.Fatalf("unexpected auth secret: %s", cfg.Auth.Secret)
	}
	if len(cfg.Auth.Audiences) != 2 || cfg.Auth.Audiences[0] != "suite" || cfg.Auth.Audiences[1] != "ci" {
		t.Fatalf("unexpected audiences: %#v", cfg.Auth.Audiences)
	}
	if cfg.RateLimit.Window.AsDuration() != 90*time.Second {
		t.Fatalf("unexpected rate limit window: %v", cfg.RateLimit.Window.AsDuration())
	}
	if cfg.RateLimit.Max != 300 {
		t.Fatalf("unexpected rate limit max: %d", cfg.RateLimit.Max)
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("expected metrics disabled by env override")
	}

	svc := serviceByName(t, cfg, "payments")
	if svc.Prefix != "/payments" {
		t.Fatalf("expected trailing slash trimmed, got %s", svc.Prefix)
	}
	if svc.Latency.AsDuration() != 25*time.Millisecond {
		t.Fatalf("unexpected service latency: %v", svc.Latency.AsDuration())
	}
	if !svc.Throttle.Enabled() || svc.Throttle.Burst != 1 {
		t.Fatalf("expected throttle burst default, got %+v", svc.Throttle)
	}

	route := svc.Routes[0]
	if route.Status != 201 {
		t.Fatalf("unexpected route status: %d", route.Status)
	}
	if route.Latency.AsDuration() != 10*time.Millisecond {
		t.Fatalf("expected millisecond integer latency, got %v", route.Latency.AsDuration())
	}

	cb, ok := cfg.Callback("charge_succeeded")
	if !ok {
		t.Fatalf("callback not found")
	}
	if cb.SignatureHeader != "X-Stub-Signature" {
		t.Fatalf("expected default signature header, got %s", cb.SignatureHeader)
	}
	if cb.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts, got %d", cb.MaxAttempts)
	}
	if cb.InitialBackoff.AsDuration() != 250*time.Millisecond {
		t.Fatalf("expected default backoff, got %v", cb.InitialBackoff.AsDuration())
	}
	if cb.Timeout.AsDuration() != 5*time.Second {
		t.Fatalf("expected default timeout, got %v", cb.Timeout.AsDuration())
	}
}

func TestLoadRequiresService(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when no services configured")
	}
}

func TestLoadValidatesRouteMethod(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, `
services:
  - name: payments
    routes:
      - name: create_charge
        method: YEET
        path: /v1/charges
`)

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error for invalid method")
	}
}

func TestLoadRejectsDuplicateServiceNames(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, `
services:
  - name: payments
    prefix: /a
    routes:
      - name: r
        path: /x
  - name: Payments
    prefix: /b
    routes:
      - name: r
        path: /x
`)

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error for duplicate service names")
	}
}

func TestRecordModeRequiresUpstream(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, `
services:
  - name: payments
    record: true
`)

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error for record mode without upstream")
	}
}

func TestLoadValidatesNumericValues(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, minimalConfig)
	t.Setenv("STUBD_PORT", "-1")

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error for invalid STUBD_PORT")
	}

	t.Setenv("STUBD_PORT", "8080")
	t.Setenv("STUBD_SHUTDOWN_TIMEOUT_MS", "0")

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error for invalid STUBD_SHUTDOWN_TIMEOUT_MS")
	}
}

func TestUpstreamTLSRequiresCertAndKey(t *testing.T) {
	t.Setenv("STUBD_CONFIG", "")
	path := writeConfigFile(t, `
services:
  - name: payments
    record: true
    upstream:
      baseURL: https://api.payments.example
      tls:
        clientCertFile: /etc/stubd/client.pem
    routes:
      - name: r
        path: /x
`)

	if _, err := Load(WithPath(path)); err == nil {
		t.Fatalf("expected error when TLS key missing")
	}
}

func TestCallbackValidationDuplicate(t *testing.T) {
	cfg := Default()
	cfg.Services = []ServiceConfig{{
		Name:   "payments",
		Routes: []RouteConfig{{Name: "r", Path: "/x"}},
	}}
	cfg.Callbacks = []CallbackConfig{
		{Name: "dup", TargetURL: "https://example.com/a", Fixture: "payments.a"},
		{Name: "dup", TargetURL: "https://example.com/b", Fixture: "payments.b"},
	}

	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for duplicate callback name")
	}
}

func TestEventsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Services = []ServiceConfig{{
		Name:   "payments",
		Routes: []RouteConfig{{Name: "r", Path: "/x"}},
	}}
	cfg.Events.MaxConcurrent = -5
	cfg.Events.IdleTimeout = Duration(0)

	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate error: %v", err)
	}

	if cfg.Events.MaxConcurrent != defaultEventsMaxConcurrent {
		t.Fatalf("expected default max concurrent, got %d", cfg.Events.MaxConcurrent)
	}
	if cfg.Events.IdleTimeout.AsDuration() != defaultEventsIdleTimeout {
		t.Fatalf("expected idle timeout %s, got %s", defaultEventsIdleTimeout, cfg.Events.IdleTimeout.AsDuration())
	}
}

func TestAdminPortMustDifferFromHTTPPort(t *testing.T) {
	cfg := Default()
	cfg.Services = []ServiceConfig{{
		Name:   "payments",
		Routes: []RouteConfig{{Name: "r", Path: "/x"}},
	}}
	cfg.Admin.Enabled = true
	cfg.Admin.Port = cfg.HTTP.Port

	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for admin port collision")
	}
}

func TestContractReferencesKnownService(t *testing.T) {
	cfg := Default()
	cfg.Services = []ServiceConfig{{
		Name:   "payments",
		Routes: []RouteConfig{{Name: "r", Path: "/x"}},
	}}
	cfg.Contracts = []ContractConfig{{Service: "ledger", Path: "contracts/ledger.yaml"}}

	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown contract service")
	}
}

func serviceByName(t *testing.T, cfg Config, name string) ServiceConfig {
	t.Helper()
	svc, ok := cfg.Service(name)
	if !ok {
		t.Fatalf("service %s not found", name)
	}
	return svc
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Config{
		HTTP: HTTPConfig{
			Port:            0,
			ShutdownTimeout: DurationFrom(0),
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(0),
			Max:    0,
		},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	if len(joined.Unwrap()) < 3 {
		t.Fatalf("expected multiple errors, got %d", len(joined.Unwrap()))
	}
}
