package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fixturelab/stub_server/internal/platform/health"
	"github.com/fixturelab/stub_server/pkg/metrics"
	stubauth "github.com/fixturelab/stub_server/pkg/stub/auth"
	stubcallback "github.com/fixturelab/stub_server/pkg/stub/callback"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"

	"golang.org/x/net/http2"
)

type stubReporter struct {
	report health.Report
}

func (s stubReporter) Readiness(ctx context.Context) health.Report {
	return s.report
}

type stubContractProvider struct {
	data []byte
	err  error
}

func (s stubContractProvider) Document(_ context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type stubTrigger struct {
	calls []string
	err   error
}

func (s *stubTrigger) Trigger(name string) error {
	s.calls = append(s.calls, name)
	return s.err
}

type scopedClaims struct {
	Scope string   `json:"scope,omitempty"`
	Scp   []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func scopedToken(t *testing.T, secret string, scopes ...string) string {
	t.Helper()
	return signToken(t, secret, scopedClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
}

func newTestConfig() stubconfig.Config {
	cfg := stubconfig.Default()
	cfg.Services = []stubconfig.ServiceConfig{
		{
			Name:   "payments",
			Prefix: "/payments",
			Routes: []stubconfig.RouteConfig{
				{Name: "create_charge", Method: http.MethodPost, Path: "/v1/charges", Fixture: "create_charge"},
			},
		},
	}
	return cfg
}

func loopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:5123"
	return req
}

func TestHandleHealthReturnsOkPayload(t *testing.T) {
	cfg := newTestConfig()
	cfg.Version = "abc123"
	srv := New(cfg, stubReporter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, status)
	}

	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers applied")
	}

	var payload struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if payload.Status != "ok" {
		t.Fatalf("unexpected status: %s", payload.Status)
	}
	if payload.Version != "abc123" {
		t.Fatalf("expected version abc123, got %s", payload.Version)
	}
	if payload.Uptime <= 0 {
		t.Fatalf("expected positive uptime, got %f", payload.Uptime)
	}
	if _, err := time.Parse(time.RFC3339, payload.Timestamp); err != nil {
		t.Fatalf("expected RFC3339 timestamp: %v", err)
	}
}

func TestHandleReadinessReportsReady(t *testing.T) {
	cfg := newTestConfig()
	readyReport := health.Report{
		Status:    "ready",
		CheckedAt: time.Now().UTC(),
		Fixtures:  health.FixtureReport{Path: "fixtures.json", Writable: true},
	}
	srv := New(cfg, stubReporter{report: readyReport}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	req.Header.Set("X-Trace-Id", "trace-456")
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, status)
	}

	var payload struct {
		Status    string               `json:"status"`
		CheckedAt time.Time            `json:"checkedAt"`
		Fixtures  health.FixtureReport `json:"fixtures"`
		RequestID string               `json:"requestId"`
		TraceID   string               `json:"traceId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Status != "ready" {
		t.Fatalf("expected ready status, got %s", payload.Status)
	}
	if !payload.Fixtures.Writable {
		t.Fatalf("expected fixture report propagated")
	}
	if payload.RequestID != "req-123" {
		t.Fatalf("expected requestId propagated")
	}
	if payload.TraceID != "trace-456" {
		t.Fatalf("expected traceId propagated")
	}
}

func TestHandleReadinessReportsDegraded(t *testing.T) {
	cfg := newTestConfig()
	degradedReport := health.Report{
		Status:    "degraded",
		CheckedAt: time.Now().UTC(),
		Fixtures:  health.FixtureReport{Path: "fixtures.json", Writable: false, Error: "read-only filesystem"},
		Upstreams: []health.UpstreamReport{
			{Name: "payments", Healthy: false, StatusCode: 500, Error: "upstream failure", CheckedAt: time.Now().UTC()},
		},
	}
	srv := New(cfg, stubReporter{report: degradedReport}, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusServiceUnavailable {
		t.Fatalf("expected %d, got %d", http.StatusServiceUnavailable, status)
	}

	var payload health.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", payload.Status)
	}
	if payload.Fixtures.Error != "read-only filesystem" {
		t.Fatalf("unexpected fixture error: %s", payload.Fixtures.Error)
	}
	if len(payload.Upstreams) != 1 {
		t.Fatalf("expected one upstream result, got %d", len(payload.Upstreams))
	}
}

func TestHandleReadinessDefaultsReadyWithoutChecker(t *testing.T) {
	srv := New(newTestConfig(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without checker, got %d", rr.Code)
	}
}

func TestMetricsEndpointAvailableWhenRegistryProvided(t *testing.T) {
	cfg := newTestConfig()
	registry := metrics.NewRegistry()
	srv := New(cfg, stubReporter{}, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected metrics body")
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	cfg := newTestConfig()
	cfg.CORS.AllowedOrigins = []string{"https://allowed.example"}
	srv := New(cfg, stubReporter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if allowOrigin := rr.Header().Get("Access-Control-Allow-Origin"); allowOrigin != "https://allowed.example" {
		t.Fatalf("expected allow origin header, got %q", allowOrigin)
	}
	if vary := rr.Header().Get("Vary"); !strings.Contains(vary, "Origin") {
		t.Fatalf("expected Vary header to include Origin, got %q", vary)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	cfg := newTestConfig()
	cfg.CORS.AllowedOrigins = []string{"https://allowed.example"}
	srv := New(cfg, stubReporter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://blocked.example")
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for blocked origin, got %d", rr.Code)
	}
}

func TestCORSPreflightUsesNoContent(t *testing.T) {
	cfg := newTestConfig()
	cfg.CORS.AllowedOrigins = []string{"https://allowed.example"}
	srv := New(cfg, stubReporter{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://allowed.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight status 204, got %d", rr.Code)
	}
}

func TestRateLimiterEnforcesLimitPerClient(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Window = stubconfig.DurationFrom(time.Second)
	cfg.RateLimit.Max = 1
	srv := New(cfg, stubReporter{}, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req1.RemoteAddr = "192.0.2.10:1234"
	rr1 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "192.0.2.10:1234"
	rr2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rr2.Code)
	}
}

func TestBodyLimitRejectsOversizedPayload(t *testing.T) {
	cfg := newTestConfig()
	srv := New(cfg, stubReporter{}, nil)

	body := bytes.Repeat([]byte("A"), int(cfg.HTTP.BodyLimitBytes)+1)
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestFixtureEndpointsRoundTrip(t *testing.T) {
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(newTestConfig(), stubReporter{}, nil, WithStore(store))

	patch := `{"create_charge":{"id":"ch_1","status":"succeeded"}}`
	req := loopbackRequest(http.MethodPatch, "/__stub/fixtures", strings.NewReader(patch))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from patch, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, loopbackRequest(http.MethodGet, "/__stub/fixtures", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from get, got %d", rr.Code)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if _, ok := doc["create_charge"]; !ok {
		t.Fatalf("expected staged key in document, got %v", doc)
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, loopbackRequest(http.MethodDelete, "/__stub/fixtures", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from reset, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, loopbackRequest(http.MethodGet, "/__stub/fixtures", nil))
	doc = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode document after reset: %v", err)
	}
	if len(doc) != 0 {
		t.Fatalf("expected empty document after reset, got %v", doc)
	}
}

func TestFixturePatchRejectsInvalidJSON(t *testing.T) {
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(newTestConfig(), stubReporter{}, nil, WithStore(store))

	req := loopbackRequest(http.MethodPatch, "/__stub/fixtures", strings.NewReader(`["not","an","object"]`))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/problem+json") {
		t.Fatalf("expected problem content type, got %q", ct)
	}
}

func TestFixtureEndpointRejectsUnsupportedMethod(t *testing.T) {
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(newTestConfig(), stubReporter{}, nil, WithStore(store))

	req := loopbackRequest(http.MethodPut, "/__stub/fixtures", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); !strings.Contains(allow, http.MethodPatch) {
		t.Fatalf("expected Allow header to list PATCH, got %q", allow)
	}
}

func TestControlForbiddenForRemoteCallersWithoutSecret(t *testing.T) {
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(newTestConfig(), stubReporter{}, nil, WithStore(store))

	req := httptest.NewRequest(http.MethodGet, "/__stub/fixtures", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for remote caller, got %d", rr.Code)
	}
}

func TestControlChallengesRemoteCallersWithoutToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.Secret = "secret"
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(cfg, stubReporter{}, nil, WithStore(store))

	req := httptest.NewRequest(http.MethodGet, "/__stub/fixtures", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}
}

func TestControlAcceptsScopedToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.Secret = "secret"
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(cfg, stubReporter{}, nil, WithStore(store))

	req := httptest.NewRequest(http.MethodGet, "/__stub/fixtures", nil)
	req.Header.Set("Authorization", "Bearer "+scopedToken(t, "secret", stubauth.ScopeFixturesRead))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with fixtures.read scope, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestControlRejectsInsufficientScope(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.Secret = "secret"
	store := fixture.NewStore(filepath.Join(t.TempDir(), "fixtures.json"))
	srv := New(cfg, stubReporter{}, nil, WithStore(store))

	req := httptest.NewRequest(http.MethodPatch, "/__stub/fixtures", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+scopedToken(t, "secret", stubauth.ScopeRequestsRead))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong scope, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), stubauth.ScopeFixturesWrite) {
		t.Fatalf("expected required scope in problem detail, got %s", rr.Body.String())
	}
}

func TestRequestJournalEndpoints(t *testing.T) {
	journal := recorder.NewJournal(16, 1024)
	journal.Record(recorder.Entry{Service: "payments", Route: "create_charge", Method: http.MethodPost, Path: "/payments/v1/charges"})
	journal.Record(recorder.Entry{Service: "billing", Route: "get_invoice", Method: http.MethodGet, Path: "/billing/v2/invoices/inv_1"})

	srv := New(newTestConfig(), stubReporter{}, nil, WithJournal(journal))

	req := loopbackRequest(http.MethodGet, "/__stub/requests?service=payments", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var payload struct {
		Requests []recorder.Entry `json:"requests"`
		Count    int              `json:"count"`
		Dropped  uint64           `json:"dropped"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Count != 1 || len(payload.Requests) != 1 {
		t.Fatalf("expected one payments entry, got %d", payload.Count)
	}
	if payload.Requests[0].Route != "create_charge" {
		t.Fatalf("unexpected route: %s", payload.Requests[0].Route)
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, loopbackRequest(http.MethodDelete, "/__stub/requests", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from clear, got %d", rr.Code)
	}
	if journal.Len() != 0 {
		t.Fatalf("expected journal cleared, got %d entries", journal.Len())
	}
}

func TestRequestJournalRejectsInvalidLimit(t *testing.T) {
	srv := New(newTestConfig(), stubReporter{}, nil, WithJournal(recorder.NewJournal(16, 1024)))

	req := loopbackRequest(http.MethodGet, "/__stub/requests?limit=nope", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestCallbackTriggerAccepted(t *testing.T) {
	trigger := &stubTrigger{}
	srv := New(newTestConfig(), stubReporter{}, nil, WithCallbacks(trigger))

	req := loopbackRequest(http.MethodPost, "/__stub/callbacks/payment_settled", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(trigger.calls) != 1 || trigger.calls[0] != "payment_settled" {
		t.Fatalf("expected trigger called with payment_settled, got %v", trigger.calls)
	}

	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["status"] != "accepted" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestCallbackTriggerErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown", stubcallback.ErrUnknownCallback, http.StatusNotFound},
		{"not staged", stubcallback.ErrNotStaged, http.StatusConflict},
		{"closed", stubcallback.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := New(newTestConfig(), stubReporter{}, nil, WithCallbacks(&stubTrigger{err: tc.err}))

			req := loopbackRequest(http.MethodPost, "/__stub/callbacks/payment_settled", nil)
			rr := httptest.NewRecorder()
			srv.httpServer.Handler.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestCallbackTriggerRequiresPost(t *testing.T) {
	srv := New(newTestConfig(), stubReporter{}, nil, WithCallbacks(&stubTrigger{}))

	req := loopbackRequest(http.MethodGet, "/__stub/callbacks/payment_settled", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestEventsEndpointUnavailableWithoutHub(t *testing.T) {
	srv := New(newTestConfig(), stubReporter{}, nil)

	req := loopbackRequest(http.MethodGet, "/__stub/events", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without hub, got %d", rr.Code)
	}
}

func TestContractHandlerReturnsDocument(t *testing.T) {
	provider := stubContractProvider{data: []byte(`{"openapi":"3.0.3"}`)}
	srv := New(newTestConfig(), stubReporter{}, nil, WithOpenAPIProvider(provider))

	req := loopbackRequest(http.MethodGet, "/__stub/openapi.json", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json content type, got %q", ct)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"openapi":"3.0.3"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestContractHandlerReturnsServiceUnavailableOnError(t *testing.T) {
	provider := stubContractProvider{err: errors.New("merge failed")}
	srv := New(newTestConfig(), stubReporter{}, nil, WithOpenAPIProvider(provider))

	req := loopbackRequest(http.MethodGet, "/__stub/openapi.json", nil)
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestServiceMountDispatch(t *testing.T) {
	mounted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Stub-Route", "payments.create_charge")
		w.Header().Set("X-Stub-Outcome", "fixture")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ch_1"}`))
	})

	srv := New(newTestConfig(), stubReporter{}, nil, WithServiceMounts(ServiceMount{
		Name:    "payments",
		Prefix:  "/payments",
		Handler: mounted,
	}))

	req := httptest.NewRequest(http.MethodPost, "/payments/v1/charges", strings.NewReader(`{"amount":100}`))
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected mounted handler to answer, got %d", rr.Code)
	}
	if route := rr.Header().Get("X-Stub-Route"); route != "payments.create_charge" {
		t.Fatalf("unexpected route header: %q", route)
	}
	if outcome := rr.Header().Get("X-Stub-Outcome"); outcome != "fixture" {
		t.Fatalf("unexpected outcome header: %q", outcome)
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/paymentsextra", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside the prefix, got %d", rr.Code)
	}
}

func TestServerSupportsH2C(t *testing.T) {
	cfg := newTestConfig()
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = stubconfig.DurationFrom(time.Second)
	cfg.RateLimit.Window = stubconfig.DurationFrom(time.Second)
	cfg.RateLimit.Max = 100

	srv := New(cfg, stubReporter{report: health.Report{Status: "ready"}}, nil)

	listener, err := net.Listen("tcp", srv.httpServer.Addr)
	if err != nil {
		t.Fatalf("failed to listen on addr %q: %v", srv.httpServer.Addr, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.httpServer.Serve(listener)
	}()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.httpServer.Shutdown(shutdownCtx)
		if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("http server exited with error: %v", err)
		}
	})

	time.Sleep(25 * time.Millisecond)

	tcpAddr := listener.Addr().(*net.TCPAddr)
	host := tcpAddr.IP.String()
	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	target := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, strconv.Itoa(tcpAddr.Port)))

	client := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.Dial(network, addr)
			},
		},
		Timeout: 2 * time.Second,
	}

	resp, err := client.Get(target)
	if err != nil {
		t.Fatalf("http2 client request failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)

	if resp.ProtoMajor != 2 {
		t.Fatalf("expected HTTP/2 response, got %s", resp.Proto)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}
