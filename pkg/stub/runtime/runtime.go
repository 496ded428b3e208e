// Package runtime composes configuration into a runnable stub server: the
// fixture store and its watcher, per-service responders with record-mode
// proxies, the request journal, callback dispatcher, event hub, readiness
// checker, metrics registry and HTTP server, plus an optional admin listener.
// It exposes the start/wait/reload/shutdown lifecycle the CLI and embedders
// drive.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fixturelab/stub_server/internal/openapi"
	"github.com/fixturelab/stub_server/internal/platform/health"
	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/metrics"
	stubcallback "github.com/fixturelab/stub_server/pkg/stub/callback"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/events"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/proxy"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"
	"github.com/fixturelab/stub_server/pkg/stub/responder"
	stubserver "github.com/fixturelab/stub_server/pkg/stub/server"
)

// readinessCacheTTL bounds how long a readiness verdict is reused. Test
// harnesses poll /readyz aggressively; probing record-mode upstreams on every
// poll would turn readiness into load.
const readinessCacheTTL = 2 * time.Second

var (
	// ErrAlreadyRunning indicates the runtime is already serving requests.
	ErrAlreadyRunning = errors.New("runtime already running")
	// ErrNotRunning indicates the runtime has not been started yet.
	ErrNotRunning = errors.New("runtime not running")
	// ErrReloadWhileRunning is returned when attempting to reload while serving.
	ErrReloadWhileRunning = errors.New("cannot reload runtime while it is running")
)

// Runtime orchestrates the stub server lifecycle based on configuration.
type Runtime struct {
	mu sync.Mutex

	cfg      stubconfig.Config
	logger   pkglog.Logger
	reloadFn func() (stubconfig.Config, error)

	server     *stubserver.Server
	checker    *health.Checker
	registry   *metrics.Registry
	store      *fixture.Store
	journal    *recorder.Journal
	hub        *events.Hub
	dispatcher *stubcallback.Dispatcher
	observer   *storeObserver
	watcher    *fixture.Watcher

	adminAllow []*net.IPNet
	bootTime   time.Time

	baseCtx    context.Context
	cancel     context.CancelFunc
	errCh      chan error
	adminSrv   *http.Server
	adminErrCh chan error
	adminAddr  string
}

// Option customises runtime behaviour.
type Option func(*Runtime)

// WithReloadFunc registers a callback invoked by the admin server when a reload is requested.
func WithReloadFunc(fn func() (stubconfig.Config, error)) Option {
	return func(rt *Runtime) {
		rt.reloadFn = fn
	}
}

// WithLogger overrides the logger used by the runtime and every component it builds.
func WithLogger(logger pkglog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// New constructs a runtime from the provided configuration.
func New(cfg stubconfig.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		bootTime: time.Now(),
		logger:   pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	if rt.logger == nil {
		rt.logger = pkglog.Shared()
	}

	if err := rt.rebuild(cfg); err != nil {
		return nil, err
	}

	return rt, nil
}

// Start begins serving in the background until the supplied context is cancelled or Shutdown is called.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.errCh != nil {
		return ErrAlreadyRunning
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if rt.cfg.Fixtures.ResetOnStart {
		if err := rt.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset fixture document: %w", err)
		}
	}

	if rt.cfg.Fixtures.Watch && rt.watcher == nil {
		watcher, err := fixture.NewWatcher(rt.store, rt.observer.observe, fixture.WithWatcherLogger(rt.logger))
		if err != nil {
			return fmt.Errorf("watch fixture document: %w", err)
		}
		rt.watcher = watcher
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.baseCtx = runCtx
	rt.cancel = cancel

	errCh := make(chan error, 1)
	rt.errCh = errCh

	server := rt.server
	go func() {
		errCh <- server.Start(runCtx)
		close(errCh)
	}()

	if rt.cfg.Admin.Enabled {
		if err := rt.startAdminServer(runCtx); err != nil {
			rt.logger.Errorw("admin server failed to start", "error", err, "port", rt.cfg.Admin.Port)
		}
	} else {
		rt.adminAddr = ""
	}

	return nil
}

// Wait blocks until the runtime stops and returns the terminal error,
// normalising context cancellation to nil. Components with their own
// lifecycle (watcher, dispatcher, hub) are wound down on the way out; a
// stopped runtime needs Reload before it can serve again.
func (rt *Runtime) Wait() error {
	rt.mu.Lock()
	errCh := rt.errCh
	adminErrCh := rt.adminErrCh
	rt.mu.Unlock()

	if errCh == nil {
		return ErrNotRunning
	}

	var err error
	select {
	case err = <-errCh:
	case adminErr := <-adminErrCh:
		if adminErr != nil && !errors.Is(adminErr, http.ErrServerClosed) {
			rt.logger.Errorw("admin server stopped with error", "error", adminErr)
		}
		err = <-errCh
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	rt.mu.Lock()
	rt.errCh = nil
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
	if rt.adminSrv != nil {
		_ = rt.adminSrv.Shutdown(context.Background())
	}
	rt.adminSrv = nil
	rt.adminErrCh = nil
	watcher := rt.watcher
	rt.watcher = nil
	dispatcher := rt.dispatcher
	hub := rt.hub
	grace := rt.cfg.HTTP.ShutdownTimeout.AsDuration()
	rt.mu.Unlock()

	rt.stopSidecars(watcher, dispatcher, hub, grace)

	return err
}

// Run starts the runtime and waits for completion.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}
	return rt.Wait()
}

// Shutdown gracefully stops the runtime if it is running.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.server == nil || rt.errCh == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if rt.cancel != nil {
		rt.cancel()
	}

	if rt.adminSrv != nil {
		_ = rt.adminSrv.Shutdown(ctx)
		rt.adminSrv = nil
		rt.adminErrCh = nil
	}

	return rt.server.Shutdown(ctx)
}

// Reload rebuilds every component from cfg. The runtime must not be running.
func (rt *Runtime) Reload(cfg stubconfig.Config) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.errCh != nil {
		return ErrReloadWhileRunning
	}

	watcher := rt.watcher
	rt.watcher = nil
	rt.stopSidecars(watcher, rt.dispatcher, rt.hub, rt.cfg.HTTP.ShutdownTimeout.AsDuration())

	return rt.rebuild(cfg)
}

// Config returns the runtime's current configuration.
func (rt *Runtime) Config() stubconfig.Config {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

// Addr reports the stub listener's bound address once started. Useful when
// the configured port is 0.
func (rt *Runtime) Addr() string {
	rt.mu.Lock()
	server := rt.server
	rt.mu.Unlock()
	if server == nil {
		return ""
	}
	return server.Addr()
}

// AdminAddr returns the bound admin server address when enabled.
func (rt *Runtime) AdminAddr() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.adminAddr
}

func (rt *Runtime) rebuild(cfg stubconfig.Config) error {
	comps, err := buildComponents(cfg, rt.logger)
	if err != nil {
		return err
	}

	rt.cfg = cfg
	rt.server = comps.server
	rt.checker = comps.checker
	rt.registry = comps.registry
	rt.store = comps.store
	rt.journal = comps.journal
	rt.hub = comps.hub
	rt.dispatcher = comps.dispatcher
	rt.observer = comps.observer
	rt.adminAllow = parseAllowList(cfg.Admin.AllowFrom)

	return nil
}

func (rt *Runtime) stopSidecars(watcher *fixture.Watcher, dispatcher *stubcallback.Dispatcher, hub *events.Hub, grace time.Duration) {
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			rt.logger.Warnw("fixture watcher close failed", "error", err)
		}
	}
	if dispatcher != nil {
		if grace <= 0 {
			grace = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := dispatcher.Shutdown(ctx); err != nil {
			rt.logger.Warnw("callback dispatcher shutdown incomplete", "error", err)
		}
		cancel()
	}
	if hub != nil {
		hub.Close()
	}
}

type components struct {
	server     *stubserver.Server
	checker    *health.Checker
	registry   *metrics.Registry
	store      *fixture.Store
	journal    *recorder.Journal
	hub        *events.Hub
	dispatcher *stubcallback.Dispatcher
	observer   *storeObserver
}

func buildComponents(cfg stubconfig.Config, logger pkglog.Logger) (components, error) {
	if logger == nil {
		logger = pkglog.Shared()
	}

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
	}

	hub := events.NewHub(events.Options{
		MaxConcurrent: cfg.Events.MaxConcurrent,
		SendBuffer:    cfg.Events.SendBuffer,
		IdleTimeout:   cfg.Events.IdleTimeout.AsDuration(),
		Logger:        logger,
	})

	observer := newStoreObserver(registry, hub)

	store := fixture.NewStore(cfg.Fixtures.Path,
		fixture.WithLogger(logger),
		fixture.WithNotify(observer.observe),
	)

	journal := recorder.NewJournal(cfg.Recorder.Capacity, cfg.Recorder.BodyLimitBytes)

	dispatcher, err := stubcallback.New(stubcallback.Options{
		Callbacks: cfg.Callbacks,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return components{}, fmt.Errorf("build callback dispatcher: %w", err)
	}

	registerComponentGauges(registry, hub, journal, dispatcher)

	mounts := make([]stubserver.ServiceMount, 0, len(cfg.Services))
	upstreams := make([]health.Upstream, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		var fallback http.Handler
		if svc.Record && svc.Upstream.Configured() {
			fallback, err = proxy.New(proxy.Options{
				Target:            svc.Upstream.BaseURL,
				Service:           svc.Name,
				TLS:               proxyTLSConfig(svc.Upstream.TLS),
				Capture:           stageCapture(store, logger, svc.Name),
				CaptureLimitBytes: cfg.Recorder.BodyLimitBytes,
				Logger:            logger,
			})
			if err != nil {
				return components{}, fmt.Errorf("build record proxy for %s: %w", svc.Name, err)
			}
			upstreams = append(upstreams, health.Upstream{
				Name:       svc.Name,
				BaseURL:    svc.Upstream.BaseURL,
				HealthPath: svc.Upstream.HealthPath,
			})
		}

		rs, err := responder.New(responder.Options{
			Service:  svc,
			Store:    store,
			Journal:  journal,
			Fallback: fallback,
			Logger:   logger,
		})
		if err != nil {
			return components{}, fmt.Errorf("build responder for %s: %w", svc.Name, err)
		}
		mounts = append(mounts, stubserver.ServiceMount{Name: svc.Name, Prefix: svc.Prefix, Handler: rs})
	}

	checker := health.NewChecker(health.Options{
		FixturePath: cfg.Fixtures.Path,
		Upstreams:   upstreams,
		Timeout:     upstreamProbeTimeout(cfg.Services),
		TTL:         readinessCacheTTL,
	})

	contracts := openapi.NewService(cfg.Contracts, openapi.WithLogger(logger))
	if len(cfg.Contracts) > 0 {
		if err := contracts.Validate(context.Background(), cfg.Services); err != nil {
			return components{}, fmt.Errorf("validate contracts: %w", err)
		}
	}

	srv := stubserver.New(cfg, checker, registry,
		stubserver.WithLogger(logger),
		stubserver.WithStore(store),
		stubserver.WithJournal(journal),
		stubserver.WithCallbacks(dispatcher),
		stubserver.WithEventsHandler(hub),
		stubserver.WithServiceMounts(mounts...),
		stubserver.WithOpenAPIProvider(contracts),
	)

	return components{
		server:     srv,
		checker:    checker,
		registry:   registry,
		store:      store,
		journal:    journal,
		hub:        hub,
		dispatcher: dispatcher,
		observer:   observer,
	}, nil
}

// stageCapture stages record-mode responses through the store's normal
// update path, one key per captured response.
func stageCapture(store *fixture.Store, logger pkglog.Logger, service string) proxy.Capture {
	if logger == nil {
		logger = pkglog.Shared()
	}
	return func(ctx context.Context, fixtureKey string, status int, body []byte) {
		if !json.Valid(body) {
			logger.Warnw("record capture skipped, body is not valid JSON",
				"service", service, "fixture", fixtureKey)
			return
		}
		if err := store.Update(ctx, fixture.Document{fixtureKey: json.RawMessage(body)}); err != nil {
			logger.Warnw("record capture staging failed",
				"service", service, "fixture", fixtureKey, "error", err)
			return
		}
		logger.Infow("record capture staged",
			"service", service, "fixture", fixtureKey, "status", status)
	}
}

func proxyTLSConfig(cfg stubconfig.TLSConfig) proxy.TLSConfig {
	return proxy.TLSConfig{
		Enabled:            cfg.Enabled,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CAFile:             cfg.CAFile,
		ClientCertFile:     cfg.ClientCertFile,
		ClientKeyFile:      cfg.ClientKeyFile,
	}
}

// upstreamProbeTimeout picks the longest configured upstream timeout so the
// readiness probe never gives up before a proxied request would.
func upstreamProbeTimeout(services []stubconfig.ServiceConfig) time.Duration {
	var longest time.Duration
	for _, svc := range services {
		if d := svc.Upstream.Timeout.AsDuration(); d > longest {
			longest = d
		}
	}
	return longest
}

func parseAllowList(entries []string) []*net.IPNet {
	if len(entries) == 0 {
		return nil
	}
	allow := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		e := strings.TrimSpace(entry)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, network, err := net.ParseCIDR(e); err == nil {
				allow = append(allow, network)
			}
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			allow = append(allow, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return allow
}

func (rt *Runtime) startAdminServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.Admin.Port))
	if err != nil {
		return err
	}

	rt.adminAddr = ln.Addr().String()
	mux := http.NewServeMux()
	mux.HandleFunc("/__admin/status", rt.adminAuth(rt.handleAdminStatus))
	mux.HandleFunc("/__admin/config", rt.adminAuth(rt.handleAdminConfig))
	mux.HandleFunc("/__admin/reload", rt.adminAuth(rt.handleAdminReload))

	srv := &http.Server{Handler: mux}
	rt.adminSrv = srv
	rt.adminErrCh = make(chan error, 1)
	adminErrCh := rt.adminErrCh

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminErrCh <- err
		}
		close(adminErrCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}

func (rt *Runtime) adminAuth(handler func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !rt.authorizeAdmin(w, req) {
			return
		}
		handler(w, req)
	}
}

func (rt *Runtime) authorizeAdmin(w http.ResponseWriter, req *http.Request) bool {
	token := strings.TrimSpace(rt.cfg.Admin.Token)
	if token != "" {
		authz := req.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") || strings.TrimSpace(authz[7:]) != token {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return false
		}
		return true
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, network := range rt.adminAllow {
		if network.Contains(ip) {
			return true
		}
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	return false
}

func (rt *Runtime) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	rt.mu.Lock()
	response := map[string]any{
		"pid":           os.Getpid(),
		"uptimeSeconds": time.Since(rt.bootTime).Seconds(),
		"version":       rt.cfg.Version,
		"admin": map[string]any{
			"enabled": rt.cfg.Admin.Enabled,
			"listen":  rt.adminAddr,
		},
		"fixtures": map[string]any{
			"path": rt.store.Path(),
		},
		"requests": map[string]any{
			"recorded": rt.journal.Len(),
			"dropped":  rt.journal.Dropped(),
		},
	}
	rt.mu.Unlock()
	_ = json.NewEncoder(w).Encode(response)
}

func (rt *Runtime) handleAdminConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cfg := rt.Config()
	cfg.Auth.Secret = ""
	cfg.Admin.Token = ""
	if len(cfg.Callbacks) > 0 {
		callbacks := make([]stubconfig.CallbackConfig, len(cfg.Callbacks))
		copy(callbacks, cfg.Callbacks)
		for i := range callbacks {
			callbacks[i].Secret = ""
		}
		cfg.Callbacks = callbacks
	}
	_ = json.NewEncoder(w).Encode(cfg)
}

func (rt *Runtime) handleAdminReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if rt.reloadFn == nil {
		http.Error(w, "runtime reload callback not configured", http.StatusServiceUnavailable)
		return
	}
	if _, err := rt.reloadFn(); err != nil {
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "reload requested"})
}
