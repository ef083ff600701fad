package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownEnvironment is returned when an environment name is not in Environments
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environment holds the collector endpoints for one deployment target
type Environment struct {
	Name            string
	BaseTrackingURL string
	BaseAPIURL      string
}

// Environments is the fixed set of collector deployments the pixel can report to
var Environments = map[string]Environment{
	"production": {
		Name:            "production",
		BaseTrackingURL: "https://track.pier39.ai",
		BaseAPIURL:      "https://api.pier39.ai",
	},
	"staging": {
		Name:            "staging",
		BaseTrackingURL: "https://staging.personapay.tech/advertisers/campaign/conversion/webhook",
		BaseAPIURL:      "https://staging.personapay.tech/advertisers/campaign/conversion/webhook",
	},
	"development": {
		Name:            "development",
		BaseTrackingURL: "https://dev.personapay.tech/advertisers/campaign/conversion/webhook",
		BaseAPIURL:      "https://dev.personapay.tech/advertisers/campaign/conversion/webhook",
	},
}

// LookupEnvironment returns the named environment or ErrUnknownEnvironment
func LookupEnvironment(name string) (Environment, error) {
	env, ok := Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownEnvironment, name, strings.Join(EnvironmentNames(), ", "))
	}
	return env, nil
}

// EnvironmentNames returns the known environment names in sorted order
func EnvironmentNames() []string {
	names := make([]string, 0, len(Environments))
	for n := range Environments {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PixelConfig is the host-provided init configuration (Pier39Config on the page)
type PixelConfig struct {
	IsTestMode  bool   `json:"isTestMode" mapstructure:"test_mode"`
	Environment string `json:"environment" mapstructure:"environment"`
}

// DefaultEnvironment is used when the host does not name one
const DefaultEnvironment = "development"

// WithDefaults fills empty fields
func (p PixelConfig) WithDefaults() PixelConfig {
	if p.Environment == "" {
		p.Environment = DefaultEnvironment
	}
	return p
}

type Delivery struct {
	CollectorURL string        // Overrides the environment tracking URL when set
	Timeout      time.Duration // Per-attempt request timeout
	MaxRetries   int           // Retries after the first attempt
	BaseDelay    time.Duration // Backoff base: delay = 2^retry * BaseDelay
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // Dropped conversions topic
	MonitorChannel string // Channel used by dlq-monitor
	PublishDLQ     bool   // Whether exhausted deliveries are published
}

type Session struct {
	RedisURL   string // Empty means the in-memory cookie jar
	CookieName string
	URLParam   string
}

type FakeCollector struct {
	FailFirstN      int           // Number of requests answered with HTTP 500
	RejectFirstN    int           // Number of requests answered with success=false envelopes
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName       string
	HTTPPort      string // :8090, metrics/health port for dlq-monitor
	LogLevel      string
	Pixel         PixelConfig
	Delivery      Delivery
	NSQ           NSQ
	Session       Session
	FakeCollector FakeCollector
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "pier39-pixel"),
		HTTPPort: getenv("HTTP_PORT", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Pixel: PixelConfig{
			IsTestMode:  getenvBool("PIXEL_TEST_MODE", false),
			Environment: getenv("PIXEL_ENVIRONMENT", DefaultEnvironment),
		},
		Delivery: Delivery{
			CollectorURL: getenv("PIXEL_COLLECTOR_URL", ""),
			Timeout:      getenvDuration("DELIVERY_TIMEOUT", 5*time.Second),
			MaxRetries:   getenvInt("MAX_RETRIES", 3),
			BaseDelay:    getenvDuration("RETRY_BASE_DELAY", time.Second),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "conversions_dropped"),
			MonitorChannel: getenv("NSQ_MONITOR_CHANNEL", "dlq-monitor"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Session: Session{
			RedisURL:   getenv("REDIS_URL", ""),
			CookieName: getenv("SESSION_COOKIE_NAME", "pier39_session_id"),
			URLParam:   getenv("SESSION_URL_PARAM", "sessionId"),
		},
		FakeCollector: FakeCollector{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			RejectFirstN:    getenvInt("REJECT_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_COLLECTOR_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_COLLECTOR_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_COLLECTOR_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_COLLECTOR_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// TrackingURL resolves the collector URL for the configured environment
func (c Config) TrackingURL() (string, error) {
	if c.Delivery.CollectorURL != "" {
		return c.Delivery.CollectorURL, nil
	}
	env, err := LookupEnvironment(c.Pixel.Environment)
	if err != nil {
		return "", err
	}
	return env.BaseTrackingURL, nil
}
