package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/metrics"
	"github.com/austindbirch/pier39_pixel/internal/tracing"
)

const (
	DefaultTimeout = 5 * time.Second
	MaxRetries     = 3
	BaseDelay      = time.Second

	DeliveryIDHeader = "X-Pixel-Delivery-Id"
	maxBodyLen       = 64 * 1024
)

// Sleeper waits between attempts
type Sleeper func(ctx context.Context, d time.Duration) error

// Client sends conversion events to a collector with per-attempt timeout and
// exponential backoff retry. It is safe for concurrent use.
type Client struct {
	trackingURL string
	httpClient  *http.Client
	logger      *logging.Logger
	timeout     time.Duration
	maxRetries  int
	baseDelay   time.Duration
	sleep       Sleeper
	deadLetters Publisher
	newID       func() string
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTrackingURL overrides the environment's tracking URL
func WithTrackingURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.trackingURL = url
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithDeadLetters publishes a DeadLetter for every conversion dropped after
// retries are exhausted
func WithDeadLetters(p Publisher) Option {
	return func(c *Client) { c.deadLetters = p }
}

// NewClient creates a delivery client for the given environment
func NewClient(env config.Environment, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.New("pixel-delivery")
	}
	c := &Client{
		trackingURL: env.BaseTrackingURL,
		httpClient:  &http.Client{},
		logger:      logger,
		timeout:     DefaultTimeout,
		maxRetries:  MaxRetries,
		baseDelay:   BaseDelay,
		sleep:       sleepContext,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TrackingURL returns the collector URL conversions are sent to
func (c *Client) TrackingURL() string {
	return c.trackingURL
}

// TrackConversion sends one conversion and returns the collector's data. The
// failure is logged here and returned to the caller.
func (c *Client) TrackConversion(ctx context.Context, event TrackingEvent) (*TrackConversionResponse, error) {
	deliveryID := c.newID()
	ctx = withDeliveryID(ctx, deliveryID)
	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		attribute.String("delivery_id", deliveryID),
		attribute.String("event_id", event.EventID),
		attribute.String("url", c.trackingURL),
	)
	defer span.End()

	c.logger.WithContext(ctx).WithEvent(event.EventID).WithDelivery(deliveryID).
		WithField("url", c.trackingURL).
		Info("Sending conversion tracking request")

	start := time.Now()
	data, attempts, err := c.send(ctx, c.trackingURL, event)
	metrics.RecordSendLatency(time.Since(start))
	span.SetAttributes(attribute.Int("delivery.attempts", attempts))

	if err != nil {
		reason := classifyReason(err)
		tracing.SetSpanError(ctx, err)
		metrics.RecordDropped(reason)
		c.logger.WithContext(ctx).WithEvent(event.EventID).WithDelivery(deliveryID).
			WithError(err).
			WithFields(map[string]any{"trackingData": event, "attempts": attempts, "reason": reason}).
			Errorf("API error: TrackConversion - %s", err.Error())
		c.publishDeadLetter(ctx, event, deliveryID, attempts, reason, err)
		return nil, err
	}

	resp := &TrackConversionResponse{Raw: data}
	if err := json.Unmarshal(data, resp); err != nil {
		// The data field is passed through without validation
		c.logger.WithContext(ctx).WithEvent(event.EventID).WithDelivery(deliveryID).
			WithError(err).
			Debug("conversion response data has an unexpected shape")
	}

	c.logger.WithContext(ctx).WithEvent(event.EventID).WithDelivery(deliveryID).
		WithFields(map[string]any{"response": resp, "attempts": attempts}).
		Info("Conversion tracking request successful")
	return resp, nil
}

// Send POSTs payload as JSON to url and returns the envelope's data. Every
// failure (timeout, non-2xx, failed envelope) is retried the same way up to
// the retry limit; the last failure is returned.
func (c *Client) Send(ctx context.Context, url string, payload any) (json.RawMessage, error) {
	data, _, err := c.send(ctx, url, payload)
	return data, err
}

func (c *Client) send(ctx context.Context, url string, payload any) (json.RawMessage, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal payload: %w", err)
	}

	// Only the per-attempt timeout may abort a send; the caller cannot.
	ctx = context.WithoutCancel(ctx)

	for retryCount := 0; ; retryCount++ {
		tracing.AddSpanEvent(ctx, "delivery.attempt", attribute.Int("attempt", retryCount+1))
		data, err := c.attempt(ctx, url, body)
		var local *localError
		if errors.As(err, &local) {
			return nil, retryCount, local.err
		}
		metrics.RecordAttempt(err == nil)
		if err == nil {
			return data, retryCount + 1, nil
		}
		if retryCount >= c.maxRetries {
			return nil, retryCount + 1, err
		}

		reason := classifyReason(err)
		metrics.RecordRetry(reason)
		delay := backoffDelay(retryCount, c.baseDelay)
		tracing.AddSpanEvent(ctx, "delivery.retry",
			attribute.String("reason", reason),
			attribute.String("delay", delay.String()),
		)
		c.logger.WithContext(ctx).WithDelivery(deliveryIDFrom(ctx)).
			WithFields(map[string]any{
				"url":        url,
				"retryCount": retryCount,
				"error":      err.Error(),
				"reason":     reason,
				"delay":      delay.String(),
			}).
			Warnf("Request failed, retrying... (%d/%d)", retryCount+1, c.maxRetries)

		_ = c.sleep(ctx, delay)
	}
}

// localError wraps failures that happen before any network I/O; they are not retried
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }

func (c *Client) attempt(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &localError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if id := deliveryIDFrom(ctx); id != "" {
		req.Header.Set(DeliveryIDHeader, id)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := handleResponse(resp)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return data, err
}

func handleResponse(resp *http.Response) (json.RawMessage, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyLen))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			StatusText: strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "),
		}
	}

	var env ResponseEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyLen)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !env.usable() {
		return nil, &APIError{Message: env.failureMessage(), Errors: env.Errors}
	}
	return env.Data, nil
}

// backoffDelay is 2^retryCount * base: 1s, 2s, 4s with the default base
func backoffDelay(retryCount int, base time.Duration) time.Duration {
	return base * time.Duration(1<<retryCount)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) publishDeadLetter(ctx context.Context, event TrackingEvent, deliveryID string, attempts int, reason string, err error) {
	if c.deadLetters == nil {
		return
	}
	dl := NewDeadLetter(event, deliveryID, attempts, statusOf(err), err.Error(), reason)
	dl.TraceHeaders = tracing.InjectTraceHeaders(ctx)
	if pubErr := c.deadLetters.Publish(ctx, dl); pubErr != nil {
		tracing.SetSpanError(ctx, pubErr)
		c.logger.WithContext(ctx).WithEvent(event.EventID).WithDelivery(deliveryID).
			WithError(pubErr).
			Error("dlq publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "delivery.dlq", attribute.String("reason", reason))
}

type deliveryIDKey struct{}

func withDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryIDKey{}, id)
}

func deliveryIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(deliveryIDKey{}).(string)
	return id
}
