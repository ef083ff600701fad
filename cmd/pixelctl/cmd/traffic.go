package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/pier39_pixel/internal/bootstrap"
	"github.com/austindbirch/pier39_pixel/internal/pixel"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Count        int           `json:"count"`
	Rate         int           `json:"rate"`          // Commands per second, 0 means as fast as possible
	TestRatio    float64       `json:"test_ratio"`    // Percentage of events flagged test (0-100)
	InvalidRatio float64       `json:"invalid_ratio"` // Percentage of events without an eventId (0-100)
	Buffered     int           `json:"buffered"`      // Commands issued before the SDK loads
	LoadDelay    time.Duration `json:"load_delay"`    // Simulated SDK script load time
	PageURL      string        `json:"page_url"`
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	TotalCommands int           `json:"total_commands"`
	Buffered      int           `json:"buffered"`
	Tracked       int           `json:"tracked"`
	TestEvents    int           `json:"test_events"`
	Invalid       int           `json:"invalid"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
	RPS           float64       `json:"rps"`
	FinalState    string        `json:"final_state"`
}

// trafficCounter tallies track outcomes reported by the facade
type trafficCounter struct {
	mu      sync.Mutex
	tracked int
	invalid int
	failed  int
}

func (c *trafficCounter) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.tracked++
	case errors.Is(err, pixel.ErrMissingEventID), errors.Is(err, pixel.ErrInvalidEventType):
		c.invalid++
	default:
		c.failed++
	}
}

// countingFacade reports each forwarded command's outcome to a counter
type countingFacade struct {
	next    bootstrap.Facade
	counter *trafficCounter
}

func (f countingFacade) TrackAsync(ctx context.Context, eventType string, data pixel.EventData) <-chan error {
	res := f.next.TrackAsync(ctx, eventType, data)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := <-res
		f.counter.record(err)
		done <- err
	}()
	return done
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test conversion traffic",
	Long: `Generate conversion traffic through the pixel loader.

The first --buffered commands are issued before the SDK has loaded, so they
queue and are replayed once it is live. The rest go straight to the SDK.
Point --collector at the fake collector to see retries and dropped events.

Example:
  pixelctl traffic --count 200 --rate 50 --buffered 20 --collector http://localhost:8081/track`,
	Args: cobra.NoArgs,
	RunE: runTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().Int("count", 100, "number of track commands to issue")
	trafficCmd.Flags().Int("rate", 0, "commands per second (0 means unthrottled)")
	trafficCmd.Flags().Float64("test-ratio", 0, "percentage of events flagged test")
	trafficCmd.Flags().Float64("invalid-ratio", 0, "percentage of events sent without an eventId")
	trafficCmd.Flags().Int("buffered", 10, "commands issued before the SDK loads")
	trafficCmd.Flags().Duration("load-delay", 200*time.Millisecond, "simulated SDK load time")
	trafficCmd.Flags().String("page-url", "https://localhost/checkout/complete", "page URL the events are tracked from")
}

func collectTrafficParameters(cmd *cobra.Command) (*TrafficConfig, error) {
	cfg := &TrafficConfig{}
	cfg.Count, _ = cmd.Flags().GetInt("count")
	cfg.Rate, _ = cmd.Flags().GetInt("rate")
	cfg.TestRatio, _ = cmd.Flags().GetFloat64("test-ratio")
	cfg.InvalidRatio, _ = cmd.Flags().GetFloat64("invalid-ratio")
	cfg.Buffered, _ = cmd.Flags().GetInt("buffered")
	cfg.LoadDelay, _ = cmd.Flags().GetDuration("load-delay")
	cfg.PageURL, _ = cmd.Flags().GetString("page-url")
	return cfg, cfg.validate()
}

func (c *TrafficConfig) validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	if c.TestRatio < 0 || c.TestRatio > 100 {
		return fmt.Errorf("test ratio must be between 0 and 100")
	}
	if c.InvalidRatio < 0 || c.InvalidRatio > 100 {
		return fmt.Errorf("invalid ratio must be between 0 and 100")
	}
	if c.Buffered < 0 {
		return fmt.Errorf("buffered must not be negative")
	}
	if c.Buffered > c.Count {
		c.Buffered = c.Count
	}
	return nil
}

// trafficData builds the event data for one command
func trafficData(rng *rand.Rand, cfg *TrafficConfig) pixel.EventData {
	data := pixel.EventData{EventID: "evt_" + uuid.NewString()}
	if cfg.InvalidRatio > 0 && rng.Float64()*100 < cfg.InvalidRatio {
		data.EventID = ""
	}
	if cfg.TestRatio > 0 && rng.Float64()*100 < cfg.TestRatio {
		data.Test = true
	}
	return data
}

func runTraffic(cmd *cobra.Command, args []string) error {
	cfg, err := collectTrafficParameters(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts, cleanup, err := clientOptions()
	if err != nil {
		return err
	}
	defer cleanup()

	logger := newLogger()
	page := staticPage{url: cfg.PageURL, ua: "pixelctl-traffic/" + Version}
	resolver := session.NewResolver(session.NewJar(), page.URL, sessionConfig())
	if _, err := resolver.Initialize(ctx); err != nil {
		return err
	}

	counter := &trafficCounter{}
	b := bootstrap.New(logger, bootstrap.WithContext(ctx))
	loader := func(ctx context.Context) (bootstrap.Facade, error) {
		select {
		case <-time.After(cfg.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		sdk, err := pixel.NewInitializer().Initialize(pixel.InitConfig{
			Pixel:    pixelConfig(),
			Logger:   logger,
			Sessions: resolver,
			Page:     page,
			Client:   opts,
		})
		if err != nil {
			return nil, err
		}
		return countingFacade{next: sdk, counter: counter}, nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	summary := &TrafficSummary{TotalCommands: cfg.Count, Buffered: cfg.Buffered}

	var sleepDuration time.Duration
	if cfg.Rate > 0 {
		sleepDuration = time.Second / time.Duration(cfg.Rate)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Generating %d commands (%d buffered before load)\n", cfg.Count, cfg.Buffered)
	start := time.Now()
	for i := 0; i < cfg.Count; i++ {
		if i == cfg.Buffered {
			b.Load(ctx, loader)
			<-b.Done()
			if b.State() != bootstrap.StateLive {
				return fmt.Errorf("pixel did not go live")
			}
		}
		data := trafficData(rng, cfg)
		if data.Test {
			summary.TestEvents++
		}
		b.Call(bootstrap.CommandTrack, pixel.EventTypeConversion, data)

		if sleepDuration > 0 {
			time.Sleep(sleepDuration)
		}
	}
	if cfg.Buffered == cfg.Count {
		b.Load(ctx, loader)
		<-b.Done()
	}
	b.Wait()

	summary.Duration = time.Since(start)
	if summary.Duration > 0 {
		summary.RPS = float64(cfg.Count) / summary.Duration.Seconds()
	}
	counter.mu.Lock()
	summary.Tracked = counter.tracked
	summary.Invalid = counter.invalid
	summary.Failed = counter.failed
	counter.mu.Unlock()
	summary.FinalState = b.State().String()

	if outputJSON {
		printOutput(summary)
	} else {
		printTrafficSummary(summary)
	}
	return nil
}

// printTrafficSummary prints the final traffic generation summary
func printTrafficSummary(s *TrafficSummary) {
	pct := func(n int) float64 {
		if s.TotalCommands == 0 {
			return 0
		}
		return float64(n) / float64(s.TotalCommands) * 100
	}
	fmt.Fprintln(out, "✅ Traffic Generation Complete!")
	fmt.Fprintf(out, "Total Commands:    %d\n", s.TotalCommands)
	fmt.Fprintf(out, "Buffered:          %d\n", s.Buffered)
	fmt.Fprintf(out, "Tracked:           %d (%.2f%%)\n", s.Tracked, pct(s.Tracked))
	fmt.Fprintf(out, "  Test events:     %d\n", s.TestEvents)
	fmt.Fprintf(out, "Invalid:           %d (%.2f%%)\n", s.Invalid, pct(s.Invalid))
	fmt.Fprintf(out, "Failed:            %d (%.2f%%)\n", s.Failed, pct(s.Failed))
	fmt.Fprintf(out, "Duration:          %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Rate:              %.2f commands/s\n", s.RPS)
	fmt.Fprintf(out, "Pixel state:       %s\n", s.FinalState)
}
