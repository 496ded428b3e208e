// Package proxy constructs the pass-through handlers record mode uses to
// reach live upstreams, with stub-specific defaults: TLS configuration,
// service headers, problem+json error handling, HTTP/2-ready transports, and
// response capture for staging fixture candidates.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/stub/problem"
	"golang.org/x/net/http2"
)

const defaultCaptureLimitBytes int64 = 1 << 20 // 1 MiB

// TLSConfig represents TLS settings applied to upstream requests.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	CAFile             string
	ClientCertFile     string
	ClientKeyFile      string
}

// Capture receives the body of a successfully proxied JSON response so the
// caller can stage it as a fixture candidate. It runs on the proxy goroutine
// before the response is written downstream.
type Capture func(ctx context.Context, fixtureKey string, status int, body []byte)

// Options configure the pass-through proxy for one service upstream.
type Options struct {
	Target            string
	Service           string
	TLS               TLSConfig
	Capture           Capture
	CaptureLimitBytes int64
	Logger            pkglog.Logger
}

type fixtureKeyContextKey struct{}

// WithFixtureKey marks the request so its upstream response is staged under
// key. Requests without a key pass through uncaptured.
func WithFixtureKey(r *http.Request, key string) *http.Request {
	if r == nil || strings.TrimSpace(key) == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), fixtureKeyContextKey{}, key))
}

func fixtureKeyFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	key, _ := r.Context().Value(fixtureKeyContextKey{}).(string)
	return key
}

// New constructs a pass-through proxy handler for the given upstream.
func New(opts Options) (http.Handler, error) {
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = pkglog.Shared()
	}
	captureLimit := opts.CaptureLimitBytes
	if captureLimit <= 0 {
		captureLimit = defaultCaptureLimitBytes
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.FlushInterval = 200 * time.Millisecond

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 10,
	}

	if opts.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	h2cTransport := buildH2CTransport(target)
	proxy.Transport = &grpcAwareTransport{base: transport, h2c: h2cTransport}

	originalDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		originalDirector(r)
		r.URL.Scheme = target.Scheme
		r.URL.Host = target.Host
		r.Host = target.Host

		if opts.Service != "" {
			r.Header.Set("X-Stub-Service", opts.Service)
		}
	}

	if opts.Capture != nil {
		proxy.ModifyResponse = captureResponse(opts.Capture, captureLimit)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Errorw("record-mode upstream failure", "error", err, "url", r.URL.String(), "service", opts.Service)
		detail := fmt.Sprintf("Failed to reach live upstream for service %s", opts.Service)
		problem.Write(w, http.StatusBadGateway, "Upstream Service Unavailable", detail, r.Header.Get("X-Trace-Id"), r.URL.Path)
	}

	return proxy, nil
}

// captureResponse tees JSON response bodies into the capture callback.
// Streaming and non-JSON responses pass through untouched so record mode does
// not stall SSE or gRPC traffic.
func captureResponse(capture Capture, limit int64) func(*http.Response) error {
	return func(res *http.Response) error {
		if res == nil || res.Request == nil {
			return nil
		}
		key := fixtureKeyFromRequest(res.Request)
		if key == "" {
			return nil
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil
		}
		contentType := strings.ToLower(res.Header.Get("Content-Type"))
		if !strings.HasPrefix(contentType, "application/json") {
			return nil
		}
		if res.ContentLength > limit {
			return nil
		}

		body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
		if err != nil {
			return fmt.Errorf("capture upstream response: %w", err)
		}

		rest := res.Body
		res.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(body), rest), closer: rest}

		if int64(len(body)) > limit {
			return nil
		}

		capture(res.Request.Context(), key, res.StatusCode, body)
		return nil
	}
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

func buildH2CTransport(target *url.URL) *http2.Transport {
	if target == nil || target.Scheme != "http" {
		return nil
	}

	return &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.Dial(network, addr)
		},
	}
}

type grpcAwareTransport struct {
	base *http.Transport
	h2c  *http2.Transport
}

func (t *grpcAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.shouldUseH2C(req) {
		h2cReq := cloneRequest(req)
		sanitizeH2CRequest(h2cReq)
		return t.h2c.RoundTrip(h2cReq)
	}
	return t.base.RoundTrip(req)
}

func (t *grpcAwareTransport) shouldUseH2C(req *http.Request) bool {
	if t.h2c == nil || req == nil || req.URL == nil {
		return false
	}
	if req.URL.Scheme != "http" {
		return false
	}
	ct := strings.ToLower(req.Header.Get("Content-Type"))
	return strings.Contains(ct, "application/grpc")
}

func (t *grpcAwareTransport) CloseIdleConnections() {
	if t.base != nil {
		t.base.CloseIdleConnections()
	}
	if t.h2c != nil {
		t.h2c.CloseIdleConnections()
	}
}

func cloneRequest(req *http.Request) *http.Request {
	if req == nil {
		return nil
	}
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	clone.GetBody = req.GetBody
	clone.ContentLength = req.ContentLength
	clone.Host = req.Host
	clone.RequestURI = ""
	return clone
}

func sanitizeH2CRequest(req *http.Request) {
	if req == nil {
		return
	}
	for _, key := range []string{"Connection", "Proxy-Connection", "Upgrade", "Keep-Alive", "Transfer-Encoding"} {
		req.Header.Del(key)
	}
	req.Proto = "HTTP/2.0"
	req.ProtoMajor = 2
	req.ProtoMinor = 0
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %q: %w", cfg.CAFile, err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse CA bundle %q: %w", cfg.CAFile, errInvalidPEM)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		if cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
			return nil, errors.New("client certificate and key must both be provided")
		}

		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

var errInvalidPEM = errors.New("invalid PEM block")
