package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/pixel"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

var (
	cfgFile        string
	environment    string
	collectorURL   string
	testMode       bool
	timeout        time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	redisURL       string
	sessionCookie  string
	sessionParam   string
	dlqNsqd        string
	dlqTopic       string
	outputJSON     bool
	logLevel       string

	// out is where command results are printed
	out io.Writer = os.Stdout
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pixelctl",
	Short: "Pier39 pixel CLI - Track conversions and exercise the pixel SDK",
	Long: `Pier39 pixel CLI (pixelctl) is a command line tool for the Pier39
conversion tracking pixel.

You can use it to send conversion events, run host page snippets through
the pixel loader, inspect session ids and generate test traffic against a
collector.

Settings are taken from flags, then $HOME/.pixelctl.yaml and PIXELCTL_*
variables, then the service environment (PIXEL_ENVIRONMENT, MAX_RETRIES,
RETRY_BASE_DELAY, REDIS_URL, ...), then built-in defaults.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pixelctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&environment, "environment", config.DefaultEnvironment, "collector environment (production, staging, development)")
	rootCmd.PersistentFlags().StringVar(&collectorURL, "collector", "", "tracking URL override, e.g. http://localhost:8081/conversion")
	rootCmd.PersistentFlags().BoolVar(&testMode, "test-mode", false, "initialize the SDK in test mode")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", delivery.DefaultTimeout, "per-attempt request timeout")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "max-retries", delivery.MaxRetries, "retries after the first attempt")
	rootCmd.PersistentFlags().DurationVar(&retryBaseDelay, "retry-base-delay", delivery.BaseDelay, "backoff base, retry n waits 2^n times this")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "redis URL for the session cookie store (default is in-memory)")
	rootCmd.PersistentFlags().StringVar(&sessionCookie, "session-cookie", session.DefaultCookieName, "session cookie name")
	rootCmd.PersistentFlags().StringVar(&sessionParam, "session-param", session.DefaultURLParam, "page URL parameter carrying the session id")
	rootCmd.PersistentFlags().StringVar(&dlqNsqd, "dlq-nsqd", "", "nsqd TCP address to publish dropped conversions to")
	rootCmd.PersistentFlags().StringVar(&dlqTopic, "dlq-topic", "conversions_dropped", "topic for dropped conversions")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "SDK log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("environment", rootCmd.PersistentFlags().Lookup("environment"))
	viper.BindPFlag("collector", rootCmd.PersistentFlags().Lookup("collector"))
	viper.BindPFlag("test_mode", rootCmd.PersistentFlags().Lookup("test-mode"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("max_retries", rootCmd.PersistentFlags().Lookup("max-retries"))
	viper.BindPFlag("retry_base_delay", rootCmd.PersistentFlags().Lookup("retry-base-delay"))
	viper.BindPFlag("redis", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("session_cookie", rootCmd.PersistentFlags().Lookup("session-cookie"))
	viper.BindPFlag("session_param", rootCmd.PersistentFlags().Lookup("session-param"))
	viper.BindPFlag("dlq_nsqd", rootCmd.PersistentFlags().Lookup("dlq-nsqd"))
	viper.BindPFlag("dlq_topic", rootCmd.PersistentFlags().Lookup("dlq-topic"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setEnvDefaults makes the service configuration the fallback for every
// setting not given by a flag, the config file or a PIXELCTL_ variable
func setEnvDefaults(v *viper.Viper, c config.Config) {
	v.SetDefault("environment", c.Pixel.Environment)
	v.SetDefault("test_mode", c.Pixel.IsTestMode)
	v.SetDefault("collector", c.Delivery.CollectorURL)
	v.SetDefault("timeout", c.Delivery.Timeout)
	v.SetDefault("max_retries", c.Delivery.MaxRetries)
	v.SetDefault("retry_base_delay", c.Delivery.BaseDelay)
	v.SetDefault("redis", c.Session.RedisURL)
	v.SetDefault("session_cookie", c.Session.CookieName)
	v.SetDefault("session_param", c.Session.URLParam)
	v.SetDefault("dlq_topic", c.NSQ.DLQTopic)
	if c.NSQ.PublishDLQ {
		v.SetDefault("dlq_nsqd", c.NSQ.NsqdTCPAddr)
	}
	// the service default is too chatty for a CLI; only an explicit LOG_LEVEL applies
	if _, ok := os.LookupEnv("LOG_LEVEL"); ok {
		v.SetDefault("log_level", c.LogLevel)
	}
}

// initConfig reads in a .env file, the config file and ENV variables if set.
func initConfig() {
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pixelctl")
	}

	viper.SetEnvPrefix("PIXELCTL")
	viper.AutomaticEnv()
	setEnvDefaults(viper.GetViper(), config.FromEnv())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("environment") {
		if s := viper.GetString("environment"); s != "" {
			environment = s
		}
	}
	if !flags.Changed("collector") {
		collectorURL = viper.GetString("collector")
	}
	if !flags.Changed("test-mode") {
		testMode = viper.GetBool("test_mode")
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("max-retries") {
		if n := viper.GetInt("max_retries"); n >= 0 {
			maxRetries = n
		}
	}
	if !flags.Changed("retry-base-delay") {
		if d := viper.GetDuration("retry_base_delay"); d > 0 {
			retryBaseDelay = d
		}
	}
	if !flags.Changed("redis") {
		redisURL = viper.GetString("redis")
	}
	if !flags.Changed("session-cookie") {
		if s := viper.GetString("session_cookie"); s != "" {
			sessionCookie = s
		}
	}
	if !flags.Changed("session-param") {
		if s := viper.GetString("session_param"); s != "" {
			sessionParam = s
		}
	}
	if !flags.Changed("dlq-nsqd") {
		dlqNsqd = viper.GetString("dlq_nsqd")
	}
	if !flags.Changed("dlq-topic") {
		if s := viper.GetString("dlq_topic"); s != "" {
			dlqTopic = s
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("log-level") {
		if s := viper.GetString("log_level"); s != "" {
			logLevel = s
		}
	}
}

// effectiveConfig is the service configuration after flags and the config
// file have been applied
func effectiveConfig() config.Config {
	c := config.FromEnv()
	c.LogLevel = logLevel
	c.Pixel = config.PixelConfig{IsTestMode: testMode, Environment: environment}.WithDefaults()
	c.Delivery = config.Delivery{
		CollectorURL: collectorURL,
		Timeout:      timeout,
		MaxRetries:   maxRetries,
		BaseDelay:    retryBaseDelay,
	}
	c.Session.RedisURL = redisURL
	c.Session.CookieName = sessionCookie
	c.Session.URLParam = sessionParam
	c.NSQ.DLQTopic = dlqTopic
	c.NSQ.PublishDLQ = dlqNsqd != ""
	if dlqNsqd != "" {
		c.NSQ.NsqdTCPAddr = dlqNsqd
	}
	return c
}

// pixelConfig is the init configuration implied by the global flags
func pixelConfig() config.PixelConfig {
	return effectiveConfig().Pixel
}

// newLogger returns the SDK logger. Log lines go to stderr so results on
// stdout stay machine readable.
func newLogger() *logging.Logger {
	pc := pixelConfig()
	return logging.New(pixel.PixelName,
		logging.WithLevel(logging.ParseLevel(logLevel)),
		logging.WithHandlers(logging.NewConsoleHandler(os.Stderr)),
		logging.WithMetadata(map[string]any{
			"isTestMode":  pc.IsTestMode,
			"environment": pc.Environment,
		}),
	)
}

// clientOptions returns the delivery options implied by the configuration.
// The returned cleanup stops the dead-letter producer, if any.
func clientOptions() ([]delivery.Option, func(), error) {
	c := effectiveConfig()
	opts := []delivery.Option{
		delivery.WithTimeout(c.Delivery.Timeout),
		delivery.WithMaxRetries(c.Delivery.MaxRetries),
		delivery.WithBaseDelay(c.Delivery.BaseDelay),
	}
	if c.Delivery.CollectorURL != "" {
		opts = append(opts, delivery.WithTrackingURL(c.Delivery.CollectorURL))
	}
	cleanup := func() {}
	if c.NSQ.PublishDLQ {
		pub, err := delivery.NewNSQPublisher(c.NSQ.NsqdTCPAddr, c.NSQ.DLQTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dead-letter producer: %w", err)
		}
		opts = append(opts, delivery.WithDeadLetters(pub))
		cleanup = pub.Stop
	}
	return opts, cleanup, nil
}

// sessionConfig names the session cookie and URL parameter
func sessionConfig() session.Config {
	c := effectiveConfig().Session
	return session.Config{CookieName: c.CookieName, URLParam: c.URLParam}
}

// sessionStore returns the cookie store: redis when configured, otherwise an
// in-memory jar that lives for this invocation only.
func sessionStore(ctx context.Context) (session.Store, func(), error) {
	url := effectiveConfig().Session.RedisURL
	if url == "" {
		return session.NewJar(), func() {}, nil
	}
	rdb, err := session.DialRedis(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return session.NewRedisStore(rdb, ""), func() { rdb.Close() }, nil
}

// parseEventData parses a JSON object into event data
func parseEventData(jsonStr string) (pixel.EventData, error) {
	if jsonStr == "" {
		return pixel.EventData{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return pixel.EventData{}, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return pixel.EventDataFromMap(data), nil
}

// printOutput prints v in the requested format
func printOutput(v any) {
	if outputJSON {
		jsonData, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Fprintln(out, string(jsonData))
	} else {
		// Human-readable format
		fmt.Fprintf(out, "%+v\n", v)
	}
}
