package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pier39_pixel/internal/pixel"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

// staticPage is a fixed browsing context for events sent from the CLI
type staticPage struct {
	url string
	ua  string
}

func (p staticPage) URL() string       { return p.url }
func (p staticPage) UserAgent() string { return p.ua }
func (p staticPage) Now() time.Time    { return time.Now() }

// trackResult is what the track command reports
type trackResult struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId,omitempty"`
	Test      bool   `json:"test"`
	TestMode  bool   `json:"testMode"`
	Tracked   bool   `json:"tracked"`
	Error     string `json:"error,omitempty"`
}

// trackCmd represents the track command
var trackCmd = &cobra.Command{
	Use:   "track [event-id]",
	Short: "Track a conversion event",
	Long: `Track a single conversion event through the pixel SDK.

The event is validated, enriched with the page URL, user agent, timestamp and
session id, then delivered to the collector with the usual retry policy.

Examples:
  pixelctl track order_123
  pixelctl track order_123 --page-url "https://shop.example/thanks?sessionId=s1"
  pixelctl track order_123 --collector http://localhost:8081/track --json
  pixelctl track --data '{"eventId":"order_9","test":true}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event-type")
		dataJSON, _ := cmd.Flags().GetString("data")
		isTest, _ := cmd.Flags().GetBool("test")
		pageURL, _ := cmd.Flags().GetString("page-url")
		userAgent, _ := cmd.Flags().GetString("user-agent")
		sessionID, _ := cmd.Flags().GetString("session-id")

		data, err := parseEventData(dataJSON)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			data.EventID = args[0]
		}
		if isTest {
			data.Test = true
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		store, closeStore, err := sessionStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		page := staticPage{url: pageURL, ua: userAgent}
		resolver := session.NewResolver(store, page.URL, sessionConfig())
		if sessionID != "" {
			if err := resolver.Set(ctx, sessionID); err != nil {
				return fmt.Errorf("failed to set session id: %w", err)
			}
		}

		opts, cleanup, err := clientOptions()
		if err != nil {
			return err
		}
		defer cleanup()

		sdk, err := pixel.NewInitializer().Initialize(pixel.InitConfig{
			Pixel:    pixelConfig(),
			Logger:   newLogger(),
			Sessions: resolver,
			Page:     page,
			Client:   opts,
		})
		if err != nil {
			return err
		}

		resolved, _ := resolver.SessionID(ctx)
		result := trackResult{
			EventID:   data.EventID,
			EventType: eventType,
			SessionID: resolved,
			Test:      data.Test,
			TestMode:  sdk.Config().IsTestMode,
		}
		trackErr := sdk.Track(ctx, eventType, data)
		if trackErr != nil {
			result.Error = trackErr.Error()
		} else {
			result.Tracked = true
		}

		if outputJSON {
			printOutput(result)
		} else if trackErr == nil {
			fmt.Fprintf(out, "✅ Tracked %s event %s\n", eventType, data.EventID)
			if resolved != "" {
				fmt.Fprintf(out, "  Session: %s\n", resolved)
			}
			if result.Test || result.TestMode {
				fmt.Fprintln(out, "  Test event: not sent to the collector")
			}
		} else {
			fmt.Fprintf(out, "❌ Failed to track %s event %s: %v\n", eventType, data.EventID, trackErr)
		}
		return trackErr
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)

	trackCmd.Flags().String("event-type", pixel.EventTypeConversion, "event type")
	trackCmd.Flags().String("data", "", "event data as a JSON object")
	trackCmd.Flags().Bool("test", false, "mark the event as a test event")
	trackCmd.Flags().String("page-url", "", "page URL the event is tracked from")
	trackCmd.Flags().String("user-agent", "pixelctl/"+Version, "user agent the event is tracked from")
	trackCmd.Flags().String("session-id", "", "store this session id in the cookie store before tracking")
}
