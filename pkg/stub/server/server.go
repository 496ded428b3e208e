// Package server exposes the HTTP wiring for the stub runtime: the
// middleware chain, per-service stub mounts, and the control API under
// /__stub/. Downstream callers typically use it via the runtime package but
// can embed individual components if they need fine-grained control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/fixturelab/stub_server/internal/openapi"
	"github.com/fixturelab/stub_server/internal/platform/health"
	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/metrics"
	stubauth "github.com/fixturelab/stub_server/pkg/stub/auth"
	stubcallback "github.com/fixturelab/stub_server/pkg/stub/callback"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	stubmiddleware "github.com/fixturelab/stub_server/pkg/stub/server/middleware"
	stubproblem "github.com/fixturelab/stub_server/pkg/stub/problem"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type readinessReporter interface {
	Readiness(ctx context.Context) health.Report
}

// CallbackTrigger starts an asynchronous callback delivery by name.
type CallbackTrigger interface {
	Trigger(name string) error
}

// ServiceMount binds a stubbed service's handler to its path prefix.
type ServiceMount struct {
	Name    string
	Prefix  string
	Handler http.Handler
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithOpenAPIProvider overrides the default contract document provider.
func WithOpenAPIProvider(provider openapi.DocumentProvider) Option {
	return func(s *Server) {
		s.openapiProvider = provider
	}
}

// WithLogger overrides the logger used by the server. Defaults to the global logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStore attaches the fixture store backing the /__stub/fixtures endpoints.
func WithStore(store *fixture.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithJournal attaches the request journal backing the /__stub/requests endpoints.
func WithJournal(journal *recorder.Journal) Option {
	return func(s *Server) {
		s.journal = journal
	}
}

// WithCallbacks attaches the dispatcher behind POST /__stub/callbacks/{name}.
func WithCallbacks(trigger CallbackTrigger) Option {
	return func(s *Server) {
		s.callbacks = trigger
	}
}

// WithEventsHandler attaches the websocket hub behind GET /__stub/events.
func WithEventsHandler(handler http.Handler) Option {
	return func(s *Server) {
		s.eventsHandler = handler
	}
}

// WithServiceMounts registers the stubbed services served at their prefixes.
func WithServiceMounts(mounts ...ServiceMount) Option {
	return func(s *Server) {
		s.mounts = append(s.mounts, mounts...)
	}
}

// Server coordinates HTTP routes and lifecycle hooks.
type Server struct {
	cfg             stubconfig.Config
	router          *http.ServeMux
	httpServer      *http.Server
	handler         http.Handler
	healthChecker   readinessReporter
	bootTime        time.Time
	metricsHandler  http.Handler
	authenticator   *stubauth.Authenticator
	rateLimiter     *rateLimiter
	cors            *cors.Cors
	openapiProvider openapi.DocumentProvider
	stubMetrics     *stubMetrics
	logger          pkglog.Logger
	wsLimiter       *websocketLimiter

	store         *fixture.Store
	journal       *recorder.Journal
	callbacks     CallbackTrigger
	eventsHandler http.Handler
	mounts        []ServiceMount

	mu   sync.Mutex
	addr string
}

// New constructs a server with baseline dependencies configured.
func New(cfg stubconfig.Config, checker readinessReporter, registry *metrics.Registry, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:           cfg,
		router:        mux,
		healthChecker: checker,
		bootTime:      time.Now().UTC(),
		rateLimiter:   newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		cors:          buildCORS(cfg.CORS.AllowedOrigins),
		logger:        pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.logger == nil {
		s.logger = pkglog.Shared()
	}

	if registry != nil && cfg.Metrics.Enabled {
		s.metricsHandler = registry.Handler()
		s.stubMetrics = newStubMetrics(registry, cfg.Services)
	}

	s.wsLimiter = newWebsocketLimiter(cfg.Events.MaxConcurrent)

	if cfg.Auth.Secret != "" {
		if authenticator, err := stubauth.New(cfg.Auth); err != nil {
			s.logger.Errorw("failed to initialize authenticator", "error", err)
		} else {
			s.authenticator = authenticator
		}
	}

	if s.openapiProvider == nil {
		s.openapiProvider = openapi.NewService(cfg.Contracts, openapi.WithLogger(s.logger))
	}

	s.mountRoutes()
	handler := http.Handler(mux)
	handler = stubmiddleware.BodyLimit(cfg.HTTP.BodyLimitBytes, traceIDFromContext, stubproblem.Write)(handler)
	if s.rateLimiter != nil {
		handler = stubmiddleware.RateLimit(
			func(key string, now time.Time) bool { return s.rateLimiter.allow(key, now) },
			clientKey,
			time.Now,
			traceIDFromContext,
			stubproblem.Write,
		)(handler)
	}
	if s.cors != nil {
		handler = stubmiddleware.CORS(s.cors, traceIDFromContext, stubproblem.Write)(handler)
	}
	var tracker stubmiddleware.TrackFunc
	var hijacker stubmiddleware.HijackedFunc
	if s.stubMetrics != nil || s.wsLimiter != nil {
		tracker = s.trackRequest
		hijacker = s.hijackedRequest
	}
	handler = stubmiddleware.Logging(s.logger, tracker, hijacker, requestIDFromContext, traceIDFromContext, clientAddress)(handler)
	if s.wsLimiter != nil {
		handler = websocketLimitMiddleware(s.wsLimiter, s.cfg.Events.IdleTimeout.AsDuration(), traceIDFromContext, stubproblem.Write, s.logger)(handler)
	}
	handler = stubmiddleware.SecurityHeaders()(handler)
	handler = stubmiddleware.RequestMetadata(ensureRequestIDs)(handler)
	http2Server := &http2.Server{}
	handler = h2c.NewHandler(handler, http2Server)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: handler,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s
}

// Start begins serving HTTP requests until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return errors.New("http server not initialised")
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("stub server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("stub server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("stub server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr reports the bound listen address once Start has been called. Useful
// when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) mountRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/readyz", s.handleReadiness)
	s.router.HandleFunc("/readiness", s.handleReadiness)
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler)
	}

	s.router.Handle("/__stub/fixtures", s.protectControl(fixtureScopes, http.HandlerFunc(s.handleFixtures)))
	s.router.Handle("/__stub/requests", s.protectControl(requestScopes, http.HandlerFunc(s.handleRequests)))
	s.router.Handle("/__stub/callbacks/", s.protectControl(callbackScopes, http.HandlerFunc(s.handleCallback)))
	s.router.Handle("/__stub/events", s.protectControl(eventScopes, http.HandlerFunc(s.handleEvents)))
	s.router.Handle("/__stub/openapi.json", s.protectControl(eventScopes, http.HandlerFunc(s.handleOpenAPI)))

	for _, mount := range s.mounts {
		if mount.Handler == nil || mount.Prefix == "" || mount.Prefix == "/" {
			continue
		}
		s.router.Handle(mount.Prefix, mount.Handler)
		s.router.Handle(mount.Prefix+"/", mount.Handler)
	}
}

func fixtureScopes(r *http.Request) []string {
	if r.Method == http.MethodGet {
		return []string{stubauth.ScopeFixturesRead, stubauth.ScopeFixturesWrite}
	}
	return []string{stubauth.ScopeFixturesWrite}
}

func requestScopes(r *http.Request) []string {
	if r.Method == http.MethodGet {
		return []string{stubauth.ScopeRequestsRead, stubauth.ScopeRequestsWrite}
	}
	return []string{stubauth.ScopeRequestsWrite}
}

func callbackScopes(*http.Request) []string {
	return []string{stubauth.ScopeCallbacks}
}

func eventScopes(*http.Request) []string {
	return []string{stubauth.ScopeFixturesRead, stubauth.ScopeFixturesWrite}
}

// protectControl authorizes control-plane requests: loopback callers pass
// unchallenged, everyone else needs a bearer token with a matching scope.
func (s *Server) protectControl(scopes func(*http.Request) []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _, traceID := ensureRequestIDs(r)

		if isLoopbackRequest(req) {
			next.ServeHTTP(w, req)
			return
		}

		if s.authenticator == nil {
			stubproblem.Write(w, http.StatusForbidden, "Control API Forbidden", "Control API requires loopback access or a configured auth secret", traceID, req.URL.Path)
			return
		}

		principal, err := s.authenticator.Authenticate(req)
		if err != nil {
			s.writeAuthProblem(w, req, err, traceID)
			return
		}

		if required := scopes(req); len(required) > 0 && !principal.HasAnyScope(required) {
			stubproblem.Write(w, http.StatusForbidden, "Insufficient Scope", fmt.Sprintf("Requires one of scopes: %s", strings.Join(required, ", ")), traceID, req.URL.Path)
			return
		}

		next.ServeHTTP(w, req)
	})
}

func (s *Server) writeAuthProblem(w http.ResponseWriter, r *http.Request, err error, traceID string) {
	switch e := err.(type) {
	case stubauth.Error:
		if e.Status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		stubproblem.Write(w, e.Status, e.Title, e.Detail, traceID, r.URL.Path)
	default:
		w.Header().Set("WWW-Authenticate", "Bearer")
		stubproblem.Write(w, http.StatusUnauthorized, "Authentication Required", err.Error(), traceID, r.URL.Path)
	}
}

func (s *Server) handleFixtures(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromContext(r.Context())

	if s.store == nil {
		stubproblem.Write(w, http.StatusServiceUnavailable, "Fixture Store Unavailable", "No fixture store attached", traceID, r.URL.Path)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc := s.store.Read()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(doc)

	case http.MethodPatch:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				stubproblem.Write(w, http.StatusRequestEntityTooLarge, "Payload Too Large", fmt.Sprintf("Fixture patch exceeds %d bytes", maxErr.Limit), traceID, r.URL.Path)
				return
			}
			stubproblem.Write(w, http.StatusBadRequest, "Invalid Fixture Patch", "Failed to read request body", traceID, r.URL.Path)
			return
		}

		var patch fixture.Document
		if err := json.Unmarshal(body, &patch); err != nil {
			stubproblem.Write(w, http.StatusBadRequest, "Invalid Fixture Patch", fmt.Sprintf("Body must be a JSON object: %v", err), traceID, r.URL.Path)
			return
		}

		start := time.Now()
		if err := s.store.Update(r.Context(), patch); err != nil {
			stubproblem.Write(w, http.StatusInternalServerError, "Fixture Update Failed", err.Error(), traceID, r.URL.Path)
			return
		}
		s.stubMetrics.observeUpdateWait(time.Since(start))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		start := time.Now()
		if err := s.store.Reset(r.Context()); err != nil {
			stubproblem.Write(w, http.StatusInternalServerError, "Fixture Reset Failed", err.Error(), traceID, r.URL.Path)
			return
		}
		s.stubMetrics.observeUpdateWait(time.Since(start))
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		stubproblem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", fmt.Sprintf("%s not supported on %s", r.Method, r.URL.Path), traceID, r.URL.Path)
	}
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromContext(r.Context())

	if s.journal == nil {
		stubproblem.Write(w, http.StatusServiceUnavailable, "Recorder Unavailable", "No request journal attached", traceID, r.URL.Path)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		filter := recorder.Filter{
			Service: query.Get("service"),
			Route:   query.Get("route"),
		}
		if raw := query.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				stubproblem.Write(w, http.StatusBadRequest, "Invalid Limit", fmt.Sprintf("limit %q must be a non-negative integer", raw), traceID, r.URL.Path)
				return
			}
			filter.Limit = limit
		}

		entries := s.journal.Snapshot(filter)
		response := struct {
			Requests []recorder.Entry `json:"requests"`
			Count    int              `json:"count"`
			Dropped  uint64           `json:"dropped"`
		}{
			Requests: entries,
			Count:    len(entries),
			Dropped:  s.journal.Dropped(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)

	case http.MethodDelete:
		s.journal.Clear()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		stubproblem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", fmt.Sprintf("%s not supported on %s", r.Method, r.URL.Path), traceID, r.URL.Path)
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromContext(r.Context())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		stubproblem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", fmt.Sprintf("%s not supported on %s", r.Method, r.URL.Path), traceID, r.URL.Path)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/__stub/callbacks/")
	if name == "" || strings.Contains(name, "/") {
		stubproblem.Write(w, http.StatusNotFound, "Unknown Callback", "Callback name missing from path", traceID, r.URL.Path)
		return
	}

	if s.callbacks == nil {
		stubproblem.Write(w, http.StatusServiceUnavailable, "Callbacks Unavailable", "No callback dispatcher attached", traceID, r.URL.Path)
		return
	}

	err := s.callbacks.Trigger(name)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"callback": name, "status": "accepted"})
	case errors.Is(err, stubcallback.ErrUnknownCallback):
		stubproblem.Write(w, http.StatusNotFound, "Unknown Callback", err.Error(), traceID, r.URL.Path)
	case errors.Is(err, stubcallback.ErrNotStaged):
		stubproblem.Write(w, http.StatusConflict, "Fixture Not Staged", err.Error(), traceID, r.URL.Path)
	case errors.Is(err, stubcallback.ErrClosed):
		stubproblem.Write(w, http.StatusServiceUnavailable, "Callbacks Unavailable", err.Error(), traceID, r.URL.Path)
	default:
		stubproblem.Write(w, http.StatusInternalServerError, "Callback Trigger Failed", err.Error(), traceID, r.URL.Path)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventsHandler == nil {
		stubproblem.Write(w, http.StatusServiceUnavailable, "Event Feed Unavailable", "No events hub attached", traceIDFromContext(r.Context()), r.URL.Path)
		return
	}
	s.eventsHandler.ServeHTTP(w, r)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if s.openapiProvider == nil {
		stubproblem.Write(w, http.StatusServiceUnavailable, "Contract Document Unavailable", "Contract provider not configured", traceIDFromContext(r.Context()), r.URL.Path)
		return
	}

	data, err := s.openapiProvider.Document(r.Context())
	if err != nil {
		traceID := traceIDFromContext(r.Context())
		stubproblem.Write(w, http.StatusServiceUnavailable, "Contract Document Unavailable", err.Error(), traceID, r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warnw("failed to write contract document", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, requestID, _ := ensureRequestIDs(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)

	response := struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version,omitempty"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var requestID, traceID string
	r, requestID, traceID = ensureRequestIDs(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)

	report := health.Report{Status: "ready", CheckedAt: time.Now().UTC()}
	if s.healthChecker != nil {
		report = s.healthChecker.Readiness(r.Context())
	}

	statusCode := http.StatusOK
	if !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}

	response := struct {
		Status    string                  `json:"status"`
		CheckedAt time.Time               `json:"checkedAt"`
		Cached    bool                    `json:"cached,omitempty"`
		Fixtures  health.FixtureReport    `json:"fixtures"`
		Upstreams []health.UpstreamReport `json:"upstreams,omitempty"`
		RequestID string                  `json:"requestId,omitempty"`
		TraceID   string                  `json:"traceId,omitempty"`
	}{
		Status:    report.Status,
		CheckedAt: report.CheckedAt,
		Cached:    report.Cached,
		Fixtures:  report.Fixtures,
		Upstreams: report.Upstreams,
		RequestID: requestID,
		TraceID:   traceID,
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) trackRequest(w http.ResponseWriter, r *http.Request) func(status int, elapsed time.Duration) {
	var track func(int, time.Duration)
	if s.stubMetrics != nil {
		track = s.stubMetrics.track(w, r)
	}
	wc, ok := websocketContextFromRequest(r)
	return func(status int, elapsed time.Duration) {
		if track != nil {
			track(status, elapsed)
		}
		if ok {
			wc.release()
		}
	}
}

func (s *Server) hijackedRequest(r *http.Request) (func(), func(net.Conn) net.Conn) {
	var metricsCloser func()
	if s.stubMetrics != nil {
		metricsCloser = s.stubMetrics.hijacked(r)
	}
	wc, ok := websocketContextFromRequest(r)
	if !ok {
		return metricsCloser, nil
	}
	release := wc.release
	if release == nil {
		release = func() {}
	}
	combined := func() {
		release()
		if metricsCloser != nil {
			metricsCloser()
		}
	}
	return combined, func(conn net.Conn) net.Conn {
		if wc.timeout <= 0 {
			return conn
		}
		return &deadlineConn{Conn: conn, timeout: wc.timeout}
	}
}

func websocketLimitMiddleware(limiter *websocketLimiter, timeout time.Duration, trace stubmiddleware.TraceIDFromContext, write stubmiddleware.ProblemWriter, logger pkglog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || next == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isWebSocketRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			release, ok := limiter.Acquire()
			if !ok {
				if write != nil {
					tid := ""
					if trace != nil {
						tid = trace(r.Context())
					}
					write(w, http.StatusServiceUnavailable, "WebSocket Limit Reached", "Stub server is at websocket capacity", tid, r.URL.Path)
				} else {
					http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				}
				if logger != nil {
					logger.Warnw("websocket connection rejected", "limit", limiter.limit)
				}
				return
			}

			ctx := context.WithValue(r.Context(), websocketContextKey{}, websocketContext{
				release: release,
				timeout: timeout,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(b)
}

type websocketLimiter struct {
	limit  int
	active int
	mu     sync.Mutex
}

func newWebsocketLimiter(limit int) *websocketLimiter {
	return &websocketLimiter{limit: limit}
}

func (l *websocketLimiter) Acquire() (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	if l.limit <= 0 {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.limit {
		return nil, false
	}
	l.active++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
		})
	}, true
}

func isWebSocketRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	connection := strings.ToLower(r.Header.Get("Connection"))
	return strings.Contains(connection, "upgrade") && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

type websocketContext struct {
	release func()
	timeout time.Duration
}

type websocketContextKey struct{}

func websocketContextFromRequest(r *http.Request) (websocketContext, bool) {
	if r == nil {
		return websocketContext{}, false
	}
	v, ok := r.Context().Value(websocketContextKey{}).(websocketContext)
	if !ok {
		return websocketContext{}, false
	}
	if v.release == nil {
		v.release = func() {}
	}
	return v, true
}

func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsLoopback()
}

func clientKey(r *http.Request) string {
	addr := clientAddress(r)
	if addr == "" {
		return "global"
	}
	return addr
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func buildCORS(origins []string) *cors.Cors {
	allowAll := len(origins) == 0

	allowed := make(map[string]struct{})
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			allowed = nil
			break
		}
		allowed[o] = struct{}{}
	}

	return cors.New(cors.Options{
		AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       []string{"X-Request-Id", "X-Trace-Id", "X-Stub-Route", "X-Stub-Outcome"},
		OptionsSuccessStatus: http.StatusNoContent,
		AllowOriginRequestFunc: func(_ *http.Request, origin string) bool {
			if origin == "" {
				return true
			}
			if allowAll {
				return true
			}
			if allowed == nil {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	})
}
