package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/health"
	"github.com/austindbirch/pier39_pixel/internal/logging"
)

var collectorRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "fake_collector_requests_total",
	Help: "Conversion requests answered by the fake collector, by reply.",
}, []string{"reply"}) // fail, reject, invalid, ok

func init() {
	prometheus.MustRegister(collectorRequests)
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	logger := logging.New("fake-collector", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))
	c := newCollector(cfg.FakeCollector, logger)

	srv := &http.Server{
		Addr:         cfg.FakeCollector.Port,
		Handler:      newRouter(c),
		ReadTimeout:  cfg.FakeCollector.ReadTimeout,
		WriteTimeout: cfg.FakeCollector.WriteTimeout,
		IdleTimeout:  cfg.FakeCollector.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first":   cfg.FakeCollector.FailFirstN,
			"reject_first": cfg.FakeCollector.RejectFirstN,
			"delay_ms":     cfg.FakeCollector.ResponseDelayMS,
		}).Info("fake-collector listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake-collector server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("fake-collector shutdown failed")
	}
}

// collector answers conversion requests with the response envelope, failing
// or rejecting the first requests on demand
type collector struct {
	cfg    config.FakeCollector
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
}

func newCollector(cfg config.FakeCollector, logger *logging.Logger) *collector {
	return &collector{cfg: cfg, logger: logger}
}

func newRouter(c *collector) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", gin.WrapF(health.HTTPHandler()))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/conversion", c.handleConversion)
	return r
}

func (c *collector) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqCount++
	return c.reqCount
}

func (c *collector) handleConversion(ctx *gin.Context) {
	n := c.next()
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, 64*1024))
	if err != nil {
		collectorRequests.WithLabelValues("invalid").Inc()
		c.logger.Plain().
			WithDelivery(ctx.GetHeader(delivery.DeliveryIDHeader)).
			WithField("request", n).
			WithError(err).
			Warn("failed to read conversion body")
		ctx.String(http.StatusBadRequest, "unreadable body")
		return
	}

	if c.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(c.cfg.ResponseDelayMS) * time.Millisecond):
		case <-ctx.Request.Context().Done():
			return
		}
	}

	log := c.logger.Plain().
		WithDelivery(ctx.GetHeader(delivery.DeliveryIDHeader)).
		WithFields(map[string]any{"request": n, "body": truncate(string(body), 160)})

	// Simulate flakiness: first N requests -> 500
	if n <= c.cfg.FailFirstN {
		collectorRequests.WithLabelValues("fail").Inc()
		log.Infof("FAILING (%d/%d)", n, c.cfg.FailFirstN)
		ctx.String(http.StatusInternalServerError, "temporary failure")
		return
	}
	if n <= c.cfg.FailFirstN+c.cfg.RejectFirstN {
		collectorRequests.WithLabelValues("reject").Inc()
		log.Infof("REJECTING (%d/%d)", n-c.cfg.FailFirstN, c.cfg.RejectFirstN)
		ctx.JSON(http.StatusOK, delivery.ResponseEnvelope{
			Success: false,
			Message: "conversion rejected",
			Errors:  map[string]string{"collector": "rejected by fake collector"},
		})
		return
	}

	var ev delivery.TrackingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		collectorRequests.WithLabelValues("invalid").Inc()
		log.WithError(err).Warn("invalid conversion body")
		ctx.JSON(http.StatusOK, delivery.ResponseEnvelope{Success: false, Message: "invalid JSON payload"})
		return
	}
	if ev.EventID == "" {
		collectorRequests.WithLabelValues("invalid").Inc()
		log.Warn("conversion without eventId")
		ctx.JSON(http.StatusOK, delivery.ResponseEnvelope{
			Success: false,
			Errors:  map[string]string{"eventId": "required"},
		})
		return
	}

	collectorRequests.WithLabelValues("ok").Inc()
	log.WithEvent(ev.EventID).WithField("session_id", ev.SessionID).Info("fake-collector OK")
	data, _ := json.Marshal(delivery.TrackConversionResponse{
		Tracked:   true,
		EventID:   ev.EventID,
		Timestamp: time.Now().UnixMilli(),
	})
	ctx.JSON(http.StatusOK, delivery.ResponseEnvelope{Success: true, Data: data})
}

// truncate cuts s to at most n bytes on a rune boundary and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
