package pixel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/metrics"
	"github.com/austindbirch/pier39_pixel/internal/tracing"
)

type SDKConfig struct {
	Env        config.Environment
	IsTestMode bool
}

// SDK validates conversion commands, enriches them and hands them to a Sender.
// It is immutable after construction and safe for concurrent use.
type SDK struct {
	cfg      SDKConfig
	logger   *logging.Logger
	sender   Sender
	sessions SessionSource
	page     Page

	inflight sync.WaitGroup
}

func New(cfg SDKConfig, logger *logging.Logger, sender Sender, sessions SessionSource, page Page) *SDK {
	if logger == nil {
		logger = logging.New(PixelName)
	}
	return &SDK{
		cfg:      cfg,
		logger:   logger,
		sender:   sender,
		sessions: sessions,
		page:     page,
	}
}

func (s *SDK) Config() SDKConfig {
	return s.cfg
}

func (s *SDK) Logger() *logging.Logger {
	return s.logger
}

// Track runs one tracking operation to completion and returns what went
// wrong, if anything. Every failure is also logged.
func (s *SDK) Track(ctx context.Context, eventType string, data EventData) error {
	ctx, span := tracing.StartSpan(ctx, "pixel.track",
		attribute.String("event_type", eventType),
		attribute.String("event_id", data.EventID),
	)
	defer span.End()

	event, err := s.prepare(ctx, eventType, data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return s.deliver(ctx, eventType, data, event)
}

// TrackAsync validates in the calling goroutine, then resolves the session
// and delivers in the background. The channel receives the outcome and is
// closed.
func (s *SDK) TrackAsync(ctx context.Context, eventType string, data EventData) <-chan error {
	done := make(chan error, 1)

	ctx, span := tracing.StartSpan(ctx, "pixel.track",
		attribute.String("event_type", eventType),
		attribute.String("event_id", data.EventID),
	)
	event, err := s.prepare(ctx, eventType, data)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		span.End()
		done <- err
		close(done)
		return done
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer close(done)
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("track conversion panicked: %v", r)
				s.logger.WithContext(ctx).WithEvent(event.EventID).WithError(err).
					WithFields(map[string]any{"eventType": eventType, "data": data}).
					Error("Failed to track conversion")
				done <- err
			}
		}()
		done <- s.deliver(ctx, eventType, data, event)
	}()
	return done
}

// Wait blocks until every background delivery started by TrackAsync finished
func (s *SDK) Wait() {
	s.inflight.Wait()
}

func (s *SDK) prepare(ctx context.Context, eventType string, data EventData) (delivery.TrackingEvent, error) {
	if eventType != EventTypeConversion {
		metrics.RecordTrack("invalid")
		s.logger.WithContext(ctx).
			WithFields(map[string]any{"eventType": eventType, "data": data}).
			Errorf("Invalid event type: %s", eventType)
		return delivery.TrackingEvent{}, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if data.EventID == "" {
		metrics.RecordTrack("invalid")
		s.logger.WithContext(ctx).
			WithField("data", data).
			Error("Missing required field: eventId")
		return delivery.TrackingEvent{}, ErrMissingEventID
	}

	test := data.Test || s.cfg.IsTestMode
	event := delivery.TrackingEvent{
		EventID:      data.EventID,
		Test:         test,
		Timestamp:    data.Timestamp,
		URL:          data.URL,
		UserAgent:    data.UserAgent,
		PixelVersion: PixelVersion,
	}

	if test {
		event.SessionID = testSessionID
	}

	now := time.Now
	if s.page != nil {
		now = s.page.Now
		if event.URL == "" {
			event.URL = s.page.URL()
		}
		if event.UserAgent == "" {
			event.UserAgent = s.page.UserAgent()
		}
	}
	if event.Timestamp == 0 {
		event.Timestamp = now().UnixMilli()
	}
	return event, nil
}

// resolveSession fills in the session id. It may do I/O, so TrackAsync runs
// it off the caller's goroutine.
func (s *SDK) resolveSession(ctx context.Context, event *delivery.TrackingEvent) {
	if event.Test || s.sessions == nil {
		return
	}
	id, err := s.sessions.SessionID(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithEvent(event.EventID).WithError(err).
			Warn("session lookup failed, tracking without sessionId")
	}
	event.SessionID = id
}

func (s *SDK) deliver(ctx context.Context, eventType string, data EventData, event delivery.TrackingEvent) error {
	s.resolveSession(ctx, &event)
	log := s.logger.WithContext(ctx).WithEvent(event.EventID)

	if event.Test {
		metrics.RecordTrack("test")
		log.WithField("trackingData", event).Info("Test conversion tracked")
		return nil
	}

	s.logger.WithContext(ctx).WithEvent(event.EventID).
		WithField("trackingData", event).
		Info("Tracking conversion event")

	if _, err := s.sender.TrackConversion(ctx, event); err != nil {
		metrics.RecordTrack("failed")
		s.logger.WithContext(ctx).WithEvent(event.EventID).WithError(err).
			WithFields(map[string]any{"eventType": eventType, "data": data}).
			Error("Failed to track conversion")
		return fmt.Errorf("track conversion %s: %w", event.EventID, err)
	}

	metrics.RecordTrack("sent")
	s.logger.WithContext(ctx).WithEvent(event.EventID).
		WithField("eventId", event.EventID).
		Info("Conversion event tracked successfully")
	return nil
}
