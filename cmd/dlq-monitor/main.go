package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/health"
	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/metrics"
	"github.com/austindbirch/pier39_pixel/internal/tracing"
)

// dlqBacklog is the number of dead letters waiting on the monitor channel
var dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "pixel_dlq_backlog",
	Help: "Dropped-conversion dead letters waiting on the monitor channel",
})

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("pixel-dlq-monitor", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))

	shutdown, err := tracing.InitTracing(ctx, "pixel-dlq-monitor")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(dlqBacklog)

	nsqdHTTPAddr := nsqdHTTP(cfg.NSQ.NsqdTCPAddr)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(health.Check{
		Name: "nsqd",
		Ping: func(ctx context.Context) error { return pingNSQD(ctx, nsqdHTTPAddr) },
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dlq-monitor HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dlq-monitor HTTP server failed")
		}
	}()

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.MonitorChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(handleDeadLetter(ctx, logger))

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go pollBacklog(pollCtx, logger, nsqdHTTPAddr, cfg.NSQ.DLQTopic, cfg.NSQ.MonitorChannel, 15*time.Second)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.DLQTopic,
		"channel": cfg.NSQ.MonitorChannel,
	}).Info("dlq-monitor started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dlq-monitor")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dlq-monitor stopped")
}

// handleDeadLetter logs each dropped conversion and counts it by reason.
// Dead letters are informational; every message is finished.
func handleDeadLetter(ctx context.Context, logger *logging.Logger) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		var dl delivery.DeadLetter
		if err := json.Unmarshal(m.Body, &dl); err != nil {
			metrics.RecordDLQReceived("bad_payload")
			logger.Plain().WithError(err).Error("bad dead letter payload")
			return nil
		}
		if dl.Type != delivery.DLQType {
			metrics.RecordDLQReceived("unknown_type")
			logger.Plain().WithField("type", dl.Type).Warn("unexpected dead letter type")
			return nil
		}

		ctx := tracing.ExtractTraceHeaders(ctx, dl.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "dlq.received",
			attribute.String("delivery_id", dl.DeliveryID),
			attribute.String("event_id", dl.Event.EventID),
			attribute.String("reason", dl.Reason),
		)
		defer span.End()

		metrics.RecordDLQReceived(dl.Reason)
		logger.WithContext(ctx).WithEvent(dl.Event.EventID).WithDelivery(dl.DeliveryID).
			WithFields(map[string]any{
				"reason":      dl.Reason,
				"attempts":    dl.Attempts,
				"http_status": dl.HTTPStatus,
				"last_error":  dl.LastError,
				"session_id":  dl.Event.SessionID,
				"dropped_at":  dl.At,
			}).
			Warn("conversion dropped")
		return nil
	}
}

func pollBacklog(ctx context.Context, logger *logging.Logger, nsqdHTTPAddr, topic, channel string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	httpClient := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := fetchStats(ctx, httpClient, nsqdHTTPAddr)
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to get NSQ stats")
			continue
		}
		if depth, ok := channelDepth(stats, topic, channel); ok {
			dlqBacklog.Set(float64(depth))
		}
	}
}

func fetchStats(ctx context.Context, hc *http.Client, nsqdHTTPAddr string) (NSQStats, error) {
	var stats NSQStats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr), nil)
	if err != nil {
		return stats, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return stats, nil
}

// channelDepth returns the depth of topic/channel from nsqd stats
func channelDepth(stats NSQStats, topic, channel string) (int64, bool) {
	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.ChannelName == channel {
				return c.Depth, true
			}
		}
	}
	return 0, false
}

func pingNSQD(ctx context.Context, nsqdHTTPAddr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/ping", nsqdHTTPAddr), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping: %s", resp.Status)
	}
	return nil
}

// nsqdHTTP maps the nsqd TCP address to its HTTP address (port 4151)
func nsqdHTTP(tcpAddr string) string {
	return strings.Replace(tcpAddr, ":4150", ":4151", 1)
}
