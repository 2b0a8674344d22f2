// ABOUTME: Fire-and-forget webhook delivery for completed calculations
// ABOUTME: Rate limits per service, validates targets, and posts on the async pool

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

const (
	DefaultTimeout = 5 * time.Second
	EventCompleted = "calculation.completed"
	UserAgent      = "SpreadAPI-Webhook/1.0"
	SecretHeader   = "X-Webhook-Secret"
)

// Target is where an event goes.
type Target struct {
	ServiceID string
	URL       string
	Secret    string
}

// Event is the calculation being reported.
type Event struct {
	Inputs  map[string]any
	Outputs []service.Value
}

// Payload is the JSON body posted to the target.
type Payload struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	ServiceID string          `json:"serviceId"`
	Inputs    map[string]any  `json:"inputs"`
	Outputs   []service.Value `json:"outputs"`
}

// Options configure a Dispatcher. Zero values use defaults.
type Options struct {
	Timeout    time.Duration
	RateLimit  int
	RateWindow time.Duration
	Resolver   Resolver
	Logger     *slog.Logger
}

// Dispatcher sends webhooks without ever blocking the caller.
type Dispatcher struct {
	pool     *async.Pool
	limiter  *Limiter
	client   *http.Client
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// validate is replaced in tests that post to loopback servers.
	validate func(ctx context.Context, raw string) error
}

// NewDispatcher creates a dispatcher that runs deliveries on pool.
func NewDispatcher(pool *async.Pool, opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		pool:     pool,
		limiter:  NewLimiter(opts.RateLimit, opts.RateWindow),
		resolver: opts.Resolver,
		timeout:  timeout,
		logger:   logger.With("component", "webhook"),
		now:      time.Now,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         safeDialer(timeout).DialContext,
				TLSHandshakeTimeout: timeout,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	d.validate = func(ctx context.Context, raw string) error {
		_, err := ValidateURL(ctx, d.resolver, raw)
		return err
	}
	return d
}

// Limiter exposes the per-service rate limiter.
func (d *Dispatcher) Limiter() *Limiter { return d.limiter }

// Notify queues a delivery. It returns immediately; rate-limited, rejected
// and failed deliveries are logged and dropped.
func (d *Dispatcher) Notify(target Target, event Event) {
	if target.URL == "" {
		return
	}
	if !d.limiter.Allow(target.ServiceID) {
		d.logger.Debug("webhook rate limited", "service_id", target.ServiceID)
		return
	}

	payload := Payload{
		Event:     EventCompleted,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		ServiceID: target.ServiceID,
		Inputs:    event.Inputs,
		Outputs:   event.Outputs,
	}
	d.pool.Submit("webhook "+target.ServiceID, func(ctx context.Context) error {
		return d.deliver(ctx, target, payload)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, target Target, payload Payload) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.validate(ctx, target.URL); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if target.Secret != "" {
		req.Header.Set(SecretHeader, target.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook for %s: %w", target.ServiceID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for %s returned %s", target.ServiceID, resp.Status)
	}
	d.logger.Debug("webhook delivered", "service_id", target.ServiceID, "status", resp.StatusCode)
	return nil
}
