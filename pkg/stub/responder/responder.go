// Package responder serves staged fixture responses for one configured
// service. Each instance owns route matching, require checks, simulated
// throttling and latency, and journals every request it answers. When the
// service has a live upstream, misses fall through to the record-mode proxy.
package responder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/problem"
	"github.com/fixturelab/stub_server/pkg/stub/proxy"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"
	"github.com/fixturelab/stub_server/pkg/stub/require"
)

// Outcome values reported in the X-Stub-Outcome response header.
const (
	OutcomeFixture   = "fixture"
	OutcomeMiss      = "missing-fixture"
	OutcomeUnmatched = "unmatched"
	OutcomeProxied   = "proxied"
	OutcomeThrottled = "throttled"
	OutcomeRejected  = "rejected"
)

// Response headers identifying how the stub answered, consumed by the server
// metrics middleware and useful when debugging suites.
const (
	HeaderRoute   = "X-Stub-Route"
	HeaderOutcome = "X-Stub-Outcome"
)

// Options configure a Responder for one service.
type Options struct {
	Service config.ServiceConfig
	Store   *fixture.Store
	Journal *recorder.Journal
	// Fallback handles requests that cannot be answered from the store when
	// the service runs in record mode. Usually a proxy.New handler.
	Fallback http.Handler
	Logger   pkglog.Logger
}

// Responder answers requests for a single impersonated service.
type Responder struct {
	service  config.ServiceConfig
	store    *fixture.Store
	journal  *recorder.Journal
	fallback http.Handler
	logger   pkglog.Logger
	routes   map[string]config.RouteConfig
	limiter  *rate.Limiter
}

// New builds a Responder from the service configuration.
func New(opts Options) (*Responder, error) {
	if opts.Store == nil {
		return nil, errors.New("responder: fixture store required")
	}
	if strings.TrimSpace(opts.Service.Name) == "" {
		return nil, errors.New("responder: service name required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = pkglog.Shared()
	}

	routes := make(map[string]config.RouteConfig, len(opts.Service.Routes))
	for _, route := range opts.Service.Routes {
		routes[routeKey(route.Method, route.Path)] = route
	}

	var limiter *rate.Limiter
	if opts.Service.Throttle.Enabled() {
		limiter = rate.NewLimiter(rate.Limit(opts.Service.Throttle.RatePerSecond), opts.Service.Throttle.Burst)
	}

	return &Responder{
		service:  opts.Service,
		store:    opts.Store,
		journal:  opts.Journal,
		fallback: opts.Fallback,
		logger:   logger,
		routes:   routes,
		limiter:  limiter,
	}, nil
}

func (rs *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := rs.relativePath(r.URL.Path)
	route, matched := rs.routes[routeKey(r.Method, rel)]

	if !matched {
		rs.serveUnmatched(w, r, rel)
		return
	}

	w.Header().Set(HeaderRoute, route.Name)

	if !rs.allow() {
		rs.serveThrottled(w, r, route)
		return
	}

	body, err := readBody(r)
	if err != nil {
		rs.serveBodyError(w, r, route, err)
		return
	}

	if rerr := rs.checkRequirements(route, r, body); rerr != nil {
		rs.serveRejected(w, r, route, body, rerr)
		return
	}

	doc := rs.store.Read()
	staged, ok := doc[route.Fixture]
	if !ok {
		if rs.fallback != nil {
			rs.recordThrough(w, proxy.WithFixtureKey(restoreBody(r, body), route.Fixture), route.Name, body, OutcomeProxied, rel)
			return
		}
		rs.serveMiss(w, r, route, body)
		return
	}

	if !sleepLatency(r.Context(), rs.latencyFor(route)) {
		rs.record(r, route.Name, body, 0)
		return
	}

	w.Header().Set(HeaderOutcome, OutcomeFixture)
	w.Header().Set("Content-Type", route.ContentType)
	w.WriteHeader(route.Status)
	_, _ = w.Write(staged)

	rs.record(r, route.Name, body, route.Status)
}

// relativePath strips the service prefix so routes are matched the way they
// are written in configuration.
func (rs *Responder) relativePath(path string) string {
	prefix := strings.TrimSuffix(rs.service.Prefix, "/")
	if prefix == "" {
		return path
	}
	rel := strings.TrimPrefix(path, prefix)
	if rel == "" {
		return "/"
	}
	if !strings.HasPrefix(rel, "/") {
		return path
	}
	return rel
}

func (rs *Responder) allow() bool {
	if rs.limiter == nil {
		return true
	}
	return rs.limiter.Allow()
}

func (rs *Responder) latencyFor(route config.RouteConfig) time.Duration {
	if d := route.Latency.AsDuration(); d > 0 {
		return d
	}
	return rs.service.Latency.AsDuration()
}

func (rs *Responder) checkRequirements(route config.RouteConfig, r *http.Request, body []byte) error {
	query := r.URL.Query()
	for _, name := range route.RequireParams {
		if err := require.Param(query, name); err != nil {
			return err
		}
	}
	for _, name := range route.RequireHeaders {
		if err := require.Header(r.Header, name); err != nil {
			return err
		}
	}

	if len(route.RequireProperties) == 0 {
		return nil
	}

	var obj map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return errNotJSONObject
		}
	}
	for _, name := range route.RequireProperties {
		if err := require.Property(obj, name); err != nil {
			return err
		}
	}
	return nil
}

func (rs *Responder) serveUnmatched(w http.ResponseWriter, r *http.Request, rel string) {
	if rs.fallback != nil {
		rs.recordThrough(w, r, "", nil, OutcomeProxied, rel)
		return
	}

	w.Header().Set(HeaderOutcome, OutcomeUnmatched)
	detail := fmt.Sprintf("service %s has no stub route for %s %s", rs.service.Name, r.Method, rel)
	problem.Write(w, http.StatusNotFound, "No Stub Route", detail, traceID(r), r.URL.Path)
	rs.record(r, "", nil, http.StatusNotFound)
}

func (rs *Responder) serveThrottled(w http.ResponseWriter, r *http.Request, route config.RouteConfig) {
	retryAfter := 1
	if rs.service.Throttle.RatePerSecond > 0 {
		retryAfter = int(math.Ceil(1 / rs.service.Throttle.RatePerSecond))
		if retryAfter < 1 {
			retryAfter = 1
		}
	}

	w.Header().Set(HeaderOutcome, OutcomeThrottled)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	detail := fmt.Sprintf("service %s simulated throttle exceeded", rs.service.Name)
	problem.Write(w, http.StatusTooManyRequests, "Simulated Throttle", detail, traceID(r), r.URL.Path)
	rs.record(r, route.Name, nil, http.StatusTooManyRequests)
}

func (rs *Responder) serveBodyError(w http.ResponseWriter, r *http.Request, route config.RouteConfig, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		w.Header().Set(HeaderOutcome, OutcomeRejected)
		detail := fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
		problem.Write(w, http.StatusRequestEntityTooLarge, "Payload Too Large", detail, traceID(r), r.URL.Path)
		rs.record(r, route.Name, nil, http.StatusRequestEntityTooLarge)
		return
	}

	rs.logger.Warnw("stub request body unreadable",
		"service", rs.service.Name, "route", route.Name, "error", err)
	w.Header().Set(HeaderOutcome, OutcomeRejected)
	problem.Write(w, http.StatusBadRequest, "Unreadable Request Body", err.Error(), traceID(r), r.URL.Path)
	rs.record(r, route.Name, nil, http.StatusBadRequest)
}

func (rs *Responder) serveRejected(w http.ResponseWriter, r *http.Request, route config.RouteConfig, body []byte, err error) {
	w.Header().Set(HeaderOutcome, OutcomeRejected)

	if errors.Is(err, errNotJSONObject) {
		problem.Write(w, http.StatusUnprocessableEntity, "Invalid Request Body",
			"request body is not a JSON object", traceID(r), r.URL.Path)
		rs.record(r, route.Name, body, http.StatusUnprocessableEntity)
		return
	}

	rerr, ok := require.As(err)
	if !ok {
		problem.Write(w, http.StatusUnprocessableEntity, "Unmet Request Requirement", err.Error(), traceID(r), r.URL.Path)
		rs.record(r, route.Name, body, http.StatusUnprocessableEntity)
		return
	}

	problem.WriteResponse(w, problem.Response{
		Title:    fmt.Sprintf("Missing Required %s", titleKind(rerr.Kind)),
		Status:   http.StatusUnprocessableEntity,
		Detail:   fmt.Sprintf("required %s %q missing or empty", rerr.Kind, rerr.Name),
		Instance: r.URL.Path,
		TraceID:  traceID(r),
		Dump:     rerr.Dump,
	})
	rs.record(r, route.Name, body, http.StatusUnprocessableEntity)
}

func (rs *Responder) serveMiss(w http.ResponseWriter, r *http.Request, route config.RouteConfig, body []byte) {
	w.Header().Set(HeaderOutcome, OutcomeMiss)
	detail := fmt.Sprintf("no fixture staged under key %q", route.Fixture)
	problem.Write(w, http.StatusNotFound, "Fixture Not Staged", detail, traceID(r), r.URL.Path)
	rs.record(r, route.Name, body, http.StatusNotFound)
}

// recordThrough proxies the request and journals the upstream's verdict. The
// request path is rewritten to the in-service path so the live upstream sees
// its own routes, not the stub prefix.
func (rs *Responder) recordThrough(w http.ResponseWriter, r *http.Request, routeName string, body []byte, outcome, rel string) {
	w.Header().Set(HeaderOutcome, outcome)

	out := r.Clone(r.Context())
	out.URL.Path = rel
	out.URL.RawPath = ""

	sw := &statusWriter{ResponseWriter: w}
	rs.fallback.ServeHTTP(sw, out)

	rs.record(r, routeName, body, sw.recordedStatus())
}

func (rs *Responder) record(r *http.Request, routeName string, body []byte, status int) {
	if rs.journal == nil {
		return
	}
	rs.journal.Record(recorder.Entry{
		Service: rs.service.Name,
		Route:   routeName,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header.Clone(),
		Body:    string(body),
		Status:  status,
	})
}

var errNotJSONObject = errors.New("request body is not a JSON object")

func routeKey(method, path string) string {
	return method + " " + path
}

func titleKind(kind require.Kind) string {
	switch kind {
	case require.KindParam:
		return "Parameter"
	case require.KindHeader:
		return "Header"
	case require.KindProperty:
		return "Property"
	default:
		return "Value"
	}
}

func traceID(r *http.Request) string {
	return r.Header.Get("X-Trace-Id")
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// restoreBody hands the already-consumed body back to the request so the
// fallback proxy can forward it.
func restoreBody(r *http.Request, body []byte) *http.Request {
	if body == nil {
		r.Body = http.NoBody
		r.ContentLength = 0
		return r
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return r
}

func sleepLatency(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// statusWriter captures the status the fallback proxy wrote, keeping
// streaming and upgrade support intact.
type statusWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *statusWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := w.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (w *statusWriter) recordedStatus() int {
	if w.hijacked && w.status == 0 {
		return http.StatusSwitchingProtocols
	}
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
