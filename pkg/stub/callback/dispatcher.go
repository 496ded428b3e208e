// Package callback simulates the asynchronous notifications a real upstream
// would send to the system under test: payment settlements, refund results,
// provisioning events. A trigger builds the payload from a staged fixture,
// signs it and POSTs it to the configured target, retrying transient
// failures with capped exponential backoff.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
	"github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
)

// maxBackoff caps the delay between delivery attempts.
const maxBackoff = 4 * time.Second

var (
	// ErrUnknownCallback reports a trigger for a name not in configuration.
	ErrUnknownCallback = errors.New("unknown callback")
	// ErrNotStaged reports a trigger whose payload fixture is not staged.
	ErrNotStaged = errors.New("callback fixture not staged")
	// ErrClosed reports a trigger after shutdown began.
	ErrClosed = errors.New("callback dispatcher closed")

	errRetryable = errors.New("retryable delivery failure")
)

// Options configure a Dispatcher.
type Options struct {
	Callbacks []config.CallbackConfig
	Store     *fixture.Store
	Client    *http.Client
	Logger    pkglog.Logger
}

// Dispatcher owns every configured callback and the deliveries in flight.
type Dispatcher struct {
	callbacks map[string]config.CallbackConfig
	store     *fixture.Store
	client    *http.Client
	logger    pkglog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight int
	wg       sync.WaitGroup
}

// New builds a Dispatcher from validated callback configuration.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("callback: fixture store required")
	}

	client := opts.Client
	if client == nil {
		// Per-attempt deadlines come from each callback's timeout.
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pkglog.Shared()
	}

	callbacks := make(map[string]config.CallbackConfig, len(opts.Callbacks))
	for _, cb := range opts.Callbacks {
		if _, exists := callbacks[cb.Name]; exists {
			return nil, fmt.Errorf("callback: duplicate name %s", cb.Name)
		}
		callbacks[cb.Name] = cb
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		callbacks: callbacks,
		store:     opts.Store,
		client:    client,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Trigger starts an asynchronous delivery of the named callback and returns
// once the payload has been resolved. Delivery failures are logged, not
// returned; a trigger is the stub's promise to try, mirroring how a real
// upstream fires webhooks.
func (d *Dispatcher) Trigger(name string) error {
	cb, payload, err := d.resolve(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.inflight++
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.inflight--
			d.mu.Unlock()
			d.wg.Done()
		}()
		if err := d.deliver(d.ctx, cb, payload); err != nil {
			d.logger.Errorw("callback delivery failed",
				"callback", cb.Name, "target", cb.TargetURL, "error", err)
		}
	}()
	return nil
}

// InFlight reports deliveries started but not yet finished.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Deliver resolves and delivers the named callback synchronously.
func (d *Dispatcher) Deliver(ctx context.Context, name string) error {
	cb, payload, err := d.resolve(name)
	if err != nil {
		return err
	}
	return d.deliver(ctx, cb, payload)
}

// Shutdown stops accepting triggers and waits for in-flight deliveries. When
// ctx expires first, remaining deliveries are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) resolve(name string) (config.CallbackConfig, []byte, error) {
	cb, ok := d.callbacks[name]
	if !ok {
		return config.CallbackConfig{}, nil, fmt.Errorf("%w: %s", ErrUnknownCallback, name)
	}

	doc := d.store.Read()
	payload, ok := doc[cb.Fixture]
	if !ok {
		return config.CallbackConfig{}, nil, fmt.Errorf("%w: %q", ErrNotStaged, cb.Fixture)
	}
	return cb, payload, nil
}

func (d *Dispatcher) deliver(ctx context.Context, cb config.CallbackConfig, payload []byte) error {
	backoff := cb.InitialBackoff.AsDuration()
	for attempt := 1; attempt <= cb.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cb.Timeout.AsDuration())
		err := d.deliverOnce(attemptCtx, cb, payload, attempt)
		cancel()
		if err == nil {
			d.logger.Infow("callback delivered",
				"callback", cb.Name, "target", cb.TargetURL, "attempt", attempt)
			return nil
		}

		retryable := errors.Is(err, errRetryable)
		d.logger.Warnw("callback delivery attempt failed",
			"callback", cb.Name,
			"attempt", attempt,
			"maxAttempts", cb.MaxAttempts,
			"retryable", retryable,
			"error", err,
		)

		if !retryable || attempt == cb.MaxAttempts {
			return err
		}

		select {
		case <-time.After(backoff):
			backoff = increaseBackoff(backoff, maxBackoff)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("callback delivery exhausted retries")
}

func (d *Dispatcher) deliverOnce(ctx context.Context, cb config.CallbackConfig, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stub-Callback", cb.Name)
	req.Header.Set("X-Stub-Callback-Attempt", fmt.Sprintf("%d", attempt))
	if cb.Secret != "" {
		req.Header.Set(cb.SignatureHeader, Signature(payload, cb.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: target status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("target returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: target status %d", errRetryable, resp.StatusCode)
	}
}

// Signature computes the header value for a payload: an HMAC-SHA256 digest
// in the sha256=<hex> form. Test suites use it to verify received callbacks.
func Signature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func increaseBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
