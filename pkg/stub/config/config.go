// Package config loads, validates, and normalises stub server configuration.
//
// It supports layered YAML files with environment variable overrides and is
// shared by the runtime and CLI so SDK consumers can reuse the same schema.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                    = 8080
	defaultShutdownTimeout         = 15 * time.Second
	defaultBodyLimitBytes          = 1 << 20
	defaultFixturesPath            = "fixtures.json"
	defaultRecorderCapacity        = 1000
	defaultRecorderBodyLimit       = 64 << 10
	defaultRateLimitWindow         = 60 * time.Second
	defaultRateLimitMax            = 600
	defaultMetricsEnabled          = true
	defaultEventsMaxConcurrent     = 32
	defaultEventsIdleTimeout       = 60 * time.Second
	defaultEventsSendBuffer        = 8
	defaultAdminPort               = 9901
	defaultRouteStatus             = 200
	defaultRouteContentType        = "application/json"
	defaultCallbackSignatureHeader = "X-Stub-Signature"
	defaultCallbackMaxAttempts     = 5
	defaultCallbackBackoff         = 250 * time.Millisecond
	defaultCallbackTimeout         = 5 * time.Second
	defaultUpstreamTimeout         = 10 * time.Second
	defaultConfigEnvVar            = "STUBD_CONFIG"

	envPort               = "STUBD_PORT"
	envShutdownTimeout    = "STUBD_SHUTDOWN_TIMEOUT_MS"
	envBodyLimit          = "STUBD_BODY_LIMIT_BYTES"
	envFixturesPath       = "STUBD_FIXTURES_PATH"
	envFixturesReset      = "STUBD_FIXTURES_RESET_ON_START"
	envFixturesWatch      = "STUBD_FIXTURES_WATCH"
	envRecorderCapacity   = "STUBD_RECORDER_CAPACITY"
	envJWTSecret          = "STUBD_JWT_SECRET"
	envJWTAudience        = "STUBD_JWT_AUDIENCE"
	envJWTIssuer          = "STUBD_JWT_ISSUER"
	envCorsAllowedOrigins = "STUBD_CORS_ALLOWED_ORIGINS"
	envRateLimitWindow    = "STUBD_RATE_LIMIT_WINDOW_MS"
	envRateLimitMax       = "STUBD_RATE_LIMIT_MAX"
	envMetricsEnabled     = "STUBD_METRICS_ENABLED"
	envAdminEnabled       = "STUBD_ADMIN_ENABLED"
	envAdminPort          = "STUBD_ADMIN_PORT"
	envAdminToken         = "STUBD_ADMIN_TOKEN"
	envLogLevel           = "STUBD_LOG_LEVEL"
	envGitSHA             = "GIT_SHA"
)

// Config captures runtime configuration for the stub runtime and SDK.
type Config struct {
	Version   string           `yaml:"version"`
	HTTP      HTTPConfig       `yaml:"http"`
	Fixtures  FixturesConfig   `yaml:"fixtures"`
	Recorder  RecorderConfig   `yaml:"recorder"`
	Auth      AuthConfig       `yaml:"auth"`
	CORS      CORSConfig       `yaml:"cors"`
	RateLimit RateLimitConfig  `yaml:"rateLimit"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Events    EventsConfig     `yaml:"events"`
	Admin     AdminConfig      `yaml:"admin"`
	Services  []ServiceConfig  `yaml:"services"`
	Callbacks []CallbackConfig `yaml:"callbacks"`
	Contracts []ContractConfig `yaml:"contracts"`
	Log       LogConfig        `yaml:"log"`
}

// HTTPConfig configures listener behaviour.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	BodyLimitBytes  int64    `yaml:"bodyLimitBytes"`
}

// FixturesConfig locates the staged-response document.
type FixturesConfig struct {
	Path         string `yaml:"path"`
	ResetOnStart bool   `yaml:"resetOnStart"`
	Watch        bool   `yaml:"watch"`
}

// RecorderConfig bounds the request journal.
type RecorderConfig struct {
	Capacity       int   `yaml:"capacity"`
	BodyLimitBytes int64 `yaml:"bodyLimitBytes"`
}

// AuthConfig captures JWT validation settings for the control API.
type AuthConfig struct {
	Secret    string   `yaml:"secret"`
	Audiences []string `yaml:"audiences"`
	Issuer    string   `yaml:"issuer"`
}

// CORSConfig captures allowed origins for browser-based dashboards.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// RateLimitConfig captures throttling applied at the listener edge.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// MetricsConfig toggles metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventsConfig bounds the fixture-change websocket feed.
type EventsConfig struct {
	MaxConcurrent int      `yaml:"maxConcurrent"`
	IdleTimeout   Duration `yaml:"idleTimeout"`
	SendBuffer    int      `yaml:"sendBuffer"`
}

// AdminConfig configures the out-of-band admin listener.
type AdminConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Port      int      `yaml:"port"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allowFrom"`
}

// ServiceConfig describes one impersonated upstream API.
type ServiceConfig struct {
	Name     string         `yaml:"name"`
	Prefix   string         `yaml:"prefix"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Record   bool           `yaml:"record"`
	Latency  Duration       `yaml:"latency"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Routes   []RouteConfig  `yaml:"routes"`
}

// UpstreamConfig points at the real API backing a service in record mode.
type UpstreamConfig struct {
	BaseURL    string    `yaml:"baseURL"`
	HealthPath string    `yaml:"healthPath"`
	Timeout    Duration  `yaml:"timeout"`
	TLS        TLSConfig `yaml:"tls"`
}

// Configured reports whether a live upstream was provided.
func (u UpstreamConfig) Configured() bool {
	return strings.TrimSpace(u.BaseURL) != ""
}

// TLSConfig captures TLS/mTLS options for upstream calls.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CAFile             string `yaml:"caFile"`
	ClientCertFile     string `yaml:"clientCertFile"`
	ClientKeyFile      string `yaml:"clientKeyFile"`
}

// ThrottleConfig simulates upstream rate limiting. A zero rate disables it.
type ThrottleConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// Enabled reports whether the service simulates throttling.
func (t ThrottleConfig) Enabled() bool {
	return t.RatePerSecond > 0
}

// RouteConfig describes one stubbed endpoint of a service.
type RouteConfig struct {
	Name              string   `yaml:"name"`
	Method            string   `yaml:"method"`
	Path              string   `yaml:"path"`
	Fixture           string   `yaml:"fixture"`
	Status            int      `yaml:"status"`
	ContentType       string   `yaml:"contentType"`
	Latency           Duration `yaml:"latency"`
	RequireParams     []string `yaml:"requireParams"`
	RequireHeaders    []string `yaml:"requireHeaders"`
	RequireProperties []string `yaml:"requireProperties"`
}

// CallbackConfig describes a signed asynchronous delivery to the system under
// test.
type CallbackConfig struct {
	Name            string   `yaml:"name"`
	TargetURL       string   `yaml:"targetURL"`
	Fixture         string   `yaml:"fixture"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signatureHeader"`
	MaxAttempts     int      `yaml:"maxAttempts"`
	InitialBackoff  Duration `yaml:"initialBackoff"`
	Timeout         Duration `yaml:"timeout"`
}

// ContractConfig attaches an OpenAPI document to a service.
type ContractConfig struct {
	Service string `yaml:"service"`
	Path    string `yaml:"path"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration is a YAML-friendly wrapper over time.Duration supporting numeric millisecond inputs.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// UnmarshalYAML decodes scalar duration values from either Go duration strings or millisecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		txt := strings.TrimSpace(value.Value)
		if txt == "" {
			*d = Duration(0)
			return nil
		}
		if ms, err := strconv.Atoi(txt); err == nil {
			if ms < 0 {
				return fmt.Errorf("duration must be non-negative, got %d", ms)
			}
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		parsed, err := time.ParseDuration(txt)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", txt, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration must be non-negative, got %s", parsed)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Version: os.Getenv(envGitSHA),
		HTTP: HTTPConfig{
			Port:            defaultPort,
			ShutdownTimeout: DurationFrom(defaultShutdownTimeout),
			BodyLimitBytes:  defaultBodyLimitBytes,
		},
		Fixtures: FixturesConfig{
			Path:         defaultFixturesPath,
			ResetOnStart: true,
		},
		Recorder: RecorderConfig{
			Capacity:       defaultRecorderCapacity,
			BodyLimitBytes: defaultRecorderBodyLimit,
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(defaultRateLimitWindow),
			Max:    defaultRateLimitMax,
		},
		Metrics: MetricsConfig{
			Enabled: defaultMetricsEnabled,
		},
		Events: EventsConfig{
			MaxConcurrent: defaultEventsMaxConcurrent,
			IdleTimeout:   DurationFrom(defaultEventsIdleTimeout),
			SendBuffer:    defaultEventsSendBuffer,
		},
		Admin: AdminConfig{
			Port: defaultAdminPort,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	lookupEnv func(string) (string, bool)
}

// WithPath adds a YAML config path to attempt loading.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function (useful for tests).
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// Load builds a Config from defaults, YAML files, and environment overrides (in that order).
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	if envPath := strings.TrimSpace(os.Getenv(defaultConfigEnvVar)); envPath != "" {
		options.paths = append(options.paths, envPath)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()

	for _, path := range options.paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if val, ok := lookup(envPort); ok && strings.TrimSpace(val) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envPort, val)
		}
		cfg.HTTP.Port = port
	}

	if val, ok := lookup(envShutdownTimeout); ok && strings.TrimSpace(val) != "" {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envShutdownTimeout, err)
		}
		cfg.HTTP.ShutdownTimeout = DurationFrom(timeout)
	}

	if val, ok := lookup(envBodyLimit); ok && strings.TrimSpace(val) != "" {
		limit, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid %s value: %s", envBodyLimit, val)
		}
		cfg.HTTP.BodyLimitBytes = limit
	}

	if val, ok := lookup(envFixturesPath); ok && strings.TrimSpace(val) != "" {
		cfg.Fixtures.Path = strings.TrimSpace(val)
	}

	if val, ok := lookup(envFixturesReset); ok && strings.TrimSpace(val) != "" {
		reset, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envFixturesReset, err)
		}
		cfg.Fixtures.ResetOnStart = reset
	}

	if val, ok := lookup(envFixturesWatch); ok && strings.TrimSpace(val) != "" {
		watch, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envFixturesWatch, err)
		}
		cfg.Fixtures.Watch = watch
	}

	if val, ok := lookup(envRecorderCapacity); ok && strings.TrimSpace(val) != "" {
		capacity, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || capacity <= 0 {
			return fmt.Errorf("invalid %s value: %s", envRecorderCapacity, val)
		}
		cfg.Recorder.Capacity = capacity
	}

	if val, ok := lookup(envGitSHA); ok && strings.TrimSpace(val) != "" {
		cfg.Version = strings.TrimSpace(val)
	}

	if val, ok := lookup(envJWTSecret); ok && strings.TrimSpace(val) != "" {
		cfg.Auth.Secret = strings.TrimSpace(val)
	}

	if val, ok := lookup(envJWTAudience); ok && strings.TrimSpace(val) != "" {
		cfg.Auth.Audiences = splitAndTrim(val)
	}

	if val, ok := lookup(envJWTIssuer); ok && strings.TrimSpace(val) != "" {
		cfg.Auth.Issuer = strings.TrimSpace(val)
	}

	if val, ok := lookup(envCorsAllowedOrigins); ok && strings.TrimSpace(val) != "" {
		cfg.CORS.AllowedOrigins = splitAndTrim(val)
	}

	if val, ok := lookup(envRateLimitWindow); ok && strings.TrimSpace(val) != "" {
		window, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envRateLimitWindow, err)
		}
		cfg.RateLimit.Window = DurationFrom(window)
	}

	if val, ok := lookup(envRateLimitMax); ok && strings.TrimSpace(val) != "" {
		max, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateLimitMax, val)
		}
		cfg.RateLimit.Max = max
	}

	if val, ok := lookup(envMetricsEnabled); ok && strings.TrimSpace(val) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = enabled
	}

	if val, ok := lookup(envAdminEnabled); ok && strings.TrimSpace(val) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envAdminEnabled, err)
		}
		cfg.Admin.Enabled = enabled
	}

	if val, ok := lookup(envAdminPort); ok && strings.TrimSpace(val) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envAdminPort, val)
		}
		cfg.Admin.Port = port
	}

	if val, ok := lookup(envAdminToken); ok && strings.TrimSpace(val) != "" {
		cfg.Admin.Token = strings.TrimSpace(val)
	}

	if val, ok := lookup(envLogLevel); ok && strings.TrimSpace(val) != "" {
		cfg.Log.Level = strings.TrimSpace(val)
	}

	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() error {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		cfg.HTTP.ShutdownTimeout = DurationFrom(defaultShutdownTimeout)
	}
	if cfg.HTTP.BodyLimitBytes <= 0 {
		cfg.HTTP.BodyLimitBytes = defaultBodyLimitBytes
	}
	if strings.TrimSpace(cfg.Fixtures.Path) == "" {
		cfg.Fixtures.Path = defaultFixturesPath
	}
	if cfg.Recorder.Capacity <= 0 {
		cfg.Recorder.Capacity = defaultRecorderCapacity
	}
	if cfg.Recorder.BodyLimitBytes <= 0 {
		cfg.Recorder.BodyLimitBytes = defaultRecorderBodyLimit
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		cfg.RateLimit.Window = DurationFrom(defaultRateLimitWindow)
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = defaultRateLimitMax
	}
	if cfg.Events.MaxConcurrent <= 0 {
		cfg.Events.MaxConcurrent = defaultEventsMaxConcurrent
	}
	if cfg.Events.IdleTimeout.AsDuration() <= 0 {
		cfg.Events.IdleTimeout = DurationFrom(defaultEventsIdleTimeout)
	}
	if cfg.Events.SendBuffer <= 0 {
		cfg.Events.SendBuffer = defaultEventsSendBuffer
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = defaultAdminPort
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		svc.Name = strings.TrimSpace(svc.Name)
		svc.Prefix = normalizePrefix(svc.Prefix, svc.Name)
		if svc.Upstream.Configured() {
			svc.Upstream.BaseURL = strings.TrimSpace(svc.Upstream.BaseURL)
			if svc.Upstream.HealthPath != "" {
				svc.Upstream.HealthPath = ensureLeadingSlash(strings.TrimSpace(svc.Upstream.HealthPath))
			}
			if svc.Upstream.Timeout.AsDuration() <= 0 {
				svc.Upstream.Timeout = DurationFrom(defaultUpstreamTimeout)
			}
			if svc.Upstream.TLS.InsecureSkipVerify {
				svc.Upstream.TLS.Enabled = true
			}
		}
		if svc.Throttle.Enabled() && svc.Throttle.Burst <= 0 {
			svc.Throttle.Burst = 1
		}

		for j := range svc.Routes {
			route := &svc.Routes[j]
			route.Name = strings.TrimSpace(route.Name)
			route.Method = strings.ToUpper(strings.TrimSpace(route.Method))
			if route.Method == "" {
				route.Method = "GET"
			}
			route.Path = ensureLeadingSlash(strings.TrimSpace(route.Path))
			if strings.TrimSpace(route.Fixture) == "" && svc.Name != "" && route.Name != "" {
				route.Fixture = svc.Name + "." + route.Name
			}
			if route.Status == 0 {
				route.Status = defaultRouteStatus
			}
			if strings.TrimSpace(route.ContentType) == "" {
				route.ContentType = defaultRouteContentType
			}
		}
	}

	for i := range cfg.Callbacks {
		cb := &cfg.Callbacks[i]
		cb.Name = strings.TrimSpace(cb.Name)
		if strings.TrimSpace(cb.SignatureHeader) == "" {
			cb.SignatureHeader = defaultCallbackSignatureHeader
		}
		if cb.MaxAttempts <= 0 {
			cb.MaxAttempts = defaultCallbackMaxAttempts
		}
		if cb.InitialBackoff.AsDuration() <= 0 {
			cb.InitialBackoff = DurationFrom(defaultCallbackBackoff)
		}
		if cb.Timeout.AsDuration() <= 0 {
			cb.Timeout = DurationFrom(defaultCallbackTimeout)
		}
	}

	return nil
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.HTTP.Port <= 0 {
		errs = append(errs, fmt.Errorf("http.port must be positive"))
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdownTimeout must be positive"))
	}
	if strings.TrimSpace(cfg.Fixtures.Path) == "" {
		errs = append(errs, fmt.Errorf("fixtures.path must not be empty"))
	}
	if cfg.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.max must be positive"))
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.window must be positive"))
	}
	if cfg.Admin.Enabled && cfg.Admin.Port == cfg.HTTP.Port {
		errs = append(errs, fmt.Errorf("admin.port must differ from http.port"))
	}
	if err := validateLogLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(cfg.Services) == 0 {
		errs = append(errs, fmt.Errorf("at least one service required"))
	}

	seenServices := make(map[string]struct{})
	seenPrefixes := make(map[string]struct{})
	for _, svc := range cfg.Services {
		name := strings.ToLower(svc.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("service name must not be empty"))
			continue
		}
		if _, exists := seenServices[name]; exists {
			errs = append(errs, fmt.Errorf("duplicate service name: %s", svc.Name))
			continue
		}
		seenServices[name] = struct{}{}

		if _, exists := seenPrefixes[svc.Prefix]; exists {
			errs = append(errs, fmt.Errorf("service %s reuses prefix %s", svc.Name, svc.Prefix))
		}
		seenPrefixes[svc.Prefix] = struct{}{}

		if svc.Record && !svc.Upstream.Configured() {
			errs = append(errs, fmt.Errorf("service %s enables record mode without upstream.baseURL", svc.Name))
		}
		if svc.Upstream.Configured() {
			if _, err := url.ParseRequestURI(svc.Upstream.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("service %s upstream.baseURL invalid: %w", svc.Name, err))
			}
			if svc.Upstream.TLS.ClientCertFile != "" && svc.Upstream.TLS.ClientKeyFile == "" {
				errs = append(errs, fmt.Errorf("service %s tls client key required when cert provided", svc.Name))
			}
			if svc.Upstream.TLS.ClientKeyFile != "" && svc.Upstream.TLS.ClientCertFile == "" {
				errs = append(errs, fmt.Errorf("service %s tls client cert required when key provided", svc.Name))
			}
		}

		if len(svc.Routes) == 0 && !svc.Record {
			errs = append(errs, fmt.Errorf("service %s requires at least one route or record mode", svc.Name))
		}

		seenRoutes := make(map[string]struct{})
		for _, route := range svc.Routes {
			if route.Name == "" {
				errs = append(errs, fmt.Errorf("service %s route name must not be empty", svc.Name))
				continue
			}
			if _, exists := seenRoutes[route.Name]; exists {
				errs = append(errs, fmt.Errorf("service %s duplicate route name: %s", svc.Name, route.Name))
				continue
			}
			seenRoutes[route.Name] = struct{}{}

			if !validMethod(route.Method) {
				errs = append(errs, fmt.Errorf("service %s route %s has invalid method %q", svc.Name, route.Name, route.Method))
			}
			if route.Status < 100 || route.Status > 599 {
				errs = append(errs, fmt.Errorf("service %s route %s has invalid status %d", svc.Name, route.Name, route.Status))
			}
			if strings.TrimSpace(route.Fixture) == "" {
				errs = append(errs, fmt.Errorf("service %s route %s requires a fixture key", svc.Name, route.Name))
			}
		}
	}

	seenCallbacks := make(map[string]struct{})
	for _, cb := range cfg.Callbacks {
		if cb.Name == "" {
			errs = append(errs, fmt.Errorf("callback name must not be empty"))
			continue
		}
		if _, exists := seenCallbacks[cb.Name]; exists {
			errs = append(errs, fmt.Errorf("duplicate callback name: %s", cb.Name))
			continue
		}
		seenCallbacks[cb.Name] = struct{}{}

		if cb.TargetURL == "" {
			errs = append(errs, fmt.Errorf("callback %s requires targetURL", cb.Name))
		} else if _, err := url.ParseRequestURI(cb.TargetURL); err != nil {
			errs = append(errs, fmt.Errorf("callback %s targetURL invalid: %w", cb.Name, err))
		}
		if strings.TrimSpace(cb.Fixture) == "" {
			errs = append(errs, fmt.Errorf("callback %s requires a fixture key", cb.Name))
		}
	}

	for _, contract := range cfg.Contracts {
		if strings.TrimSpace(contract.Path) == "" {
			errs = append(errs, fmt.Errorf("contract path must not be empty"))
			continue
		}
		if contract.Service != "" {
			if _, ok := seenServices[strings.ToLower(contract.Service)]; !ok {
				errs = append(errs, fmt.Errorf("contract %s references unknown service %s", contract.Path, contract.Service))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Service returns the named service configuration.
func (cfg Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range cfg.Services {
		if strings.EqualFold(svc.Name, name) {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Callback returns the named callback configuration.
func (cfg Config) Callback(name string) (CallbackConfig, bool) {
	for _, cb := range cfg.Callbacks {
		if cb.Name == name {
			return cb, true
		}
	}
	return CallbackConfig{}, false
}

func validMethod(method string) bool {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}

func validateLogLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("log.level %q not recognised", level)
	}
}

func normalizePrefix(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = name
	}
	prefix = ensureLeadingSlash(prefix)
	return strings.TrimSuffix(prefix, "/")
}

func parsePositiveDurationMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitAndTrim(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func ensureLeadingSlash(path string) string {
	if path == "" {
		return "/"
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
