package runtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
)

func TestAdminStatusAndConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 0
	cfg.Version = "test-version"
	cfg.Auth.Secret = "control-secret"
	cfg.Callbacks = []stubconfig.CallbackConfig{{
		Name:      "payment_settled",
		TargetURL: "http://127.0.0.1:9/webhook",
		Fixture:   "payment_settled",
		Secret:    "cb-secret",
	}}

	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		rt.Run(ctx)
	}()

	waitForAdmin(t, rt)
	base := adminBase(t, rt)

	resp, err := http.Get(base + "/__admin/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: %d", resp.StatusCode)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["version"] != "test-version" {
		t.Fatalf("unexpected version: %v", status["version"])
	}
	fixtures, ok := status["fixtures"].(map[string]any)
	if !ok || fixtures["path"] != cfg.Fixtures.Path {
		t.Fatalf("unexpected fixtures block: %v", status["fixtures"])
	}
	if _, ok := status["requests"].(map[string]any); !ok {
		t.Fatalf("expected requests block, got %v", status["requests"])
	}

	resp, err = http.Get(base + "/__admin/config")
	if err != nil {
		t.Fatalf("GET config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config status code: %d", resp.StatusCode)
	}
	var cfgResp stubconfig.Config
	if err := json.NewDecoder(resp.Body).Decode(&cfgResp); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfgResp.Auth.Secret != "" {
		t.Fatalf("expected auth secret to be redacted")
	}
	if cfgResp.Admin.Token != "" {
		t.Fatalf("expected admin token to be redacted")
	}
	if len(cfgResp.Callbacks) != 1 || cfgResp.Callbacks[0].Secret != "" {
		t.Fatalf("expected callback secret to be redacted, got %+v", cfgResp.Callbacks)
	}
	cancel()
}

func TestAdminRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 0
	cfg.Admin.Token = "secret"

	reloadCalled := false
	reloadCfg := cfg
	reloadCfg.Version = "reloaded"
	reloadFn := func() (stubconfig.Config, error) {
		reloadCalled = true
		return reloadCfg, nil
	}

	rt, err := New(cfg, WithReloadFunc(reloadFn))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		rt.Run(ctx)
	}()

	waitForAdmin(t, rt)
	base := adminBase(t, rt)

	req, err := http.NewRequest(http.MethodPost, base+"/__admin/reload", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post reload: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post reload with token: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if !reloadCalled {
		t.Fatalf("expected reload callback invoked")
	}
	cancel()
}

func TestAdminReloadRejectsGet(t *testing.T) {
	rt := &Runtime{cfg: stubconfig.Config{}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example/__admin/reload", nil)
	rt.handleAdminReload(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAdminReloadWithoutCallback(t *testing.T) {
	rt := &Runtime{cfg: stubconfig.Config{}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://example/__admin/reload", nil)
	rt.handleAdminReload(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAdminAllowList(t *testing.T) {
	rt := &Runtime{
		cfg: stubconfig.Config{
			Admin: stubconfig.AdminConfig{},
		},
	}
	rt.adminAllow = parseAllowList([]string{"10.0.0.0/24"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example/__admin/status", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	if !rt.authorizeAdmin(rec, req) {
		t.Fatalf("expected allow for 10.0.0.5")
	}

	rec = httptest.NewRecorder()
	req.RemoteAddr = "192.168.0.5:1234"
	if rt.authorizeAdmin(rec, req) {
		t.Fatalf("expected deny for 192.168.0.5")
	}
}

func adminBase(t *testing.T, rt *Runtime) string {
	t.Helper()
	addr := rt.AdminAddr()
	if addr == "" {
		t.Fatalf("admin address not set")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split admin addr %q: %v", addr, err)
	}
	return "http://127.0.0.1:" + port
}

func waitForAdmin(t *testing.T, rt *Runtime) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := rt.AdminAddr(); addr != "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("admin server did not start")
}
