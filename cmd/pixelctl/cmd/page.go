package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pier39_pixel/internal/bootstrap"
	"github.com/austindbirch/pier39_pixel/internal/hostpage"
	"github.com/austindbirch/pier39_pixel/internal/pixel"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

// pageResult is what the page command reports
type pageResult struct {
	URL         string `json:"url"`
	Environment string `json:"environment"`
	TestMode    bool   `json:"testMode"`
	SessionID   string `json:"sessionId,omitempty"`
	Queued      int    `json:"queued"`
	State       string `json:"state"`
}

// pageCmd represents the page command
var pageCmd = &cobra.Command{
	Use:   "page [script.js]",
	Short: "Run a host page script through the pixel loader",
	Long: `Run a host page script the way a browser would with the pixel installed.

The script runs first, so pier39(...) calls it makes are queued. The loader is
then installed, the page's Pier39Config is read and the SDK is loaded. Queued
commands are replayed in order and --after runs once the SDK is live.

Examples:
  pixelctl page checkout.js --url "https://shop.example/thanks?sessionId=s1"
  pixelctl page checkout.js --after 'pier39("track", "conversion", {eventId: "late"})'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		userAgent, _ := cmd.Flags().GetString("user-agent")
		after, _ := cmd.Flags().GetString("after")
		scriptTimeout, _ := cmd.Flags().GetDuration("script-timeout")

		src, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		logger := newLogger()
		page := hostpage.New(url,
			hostpage.WithUserAgent(userAgent),
			hostpage.WithTimeout(scriptTimeout),
			hostpage.WithLogger(logger),
		)
		if err := page.Run(string(src)); err != nil {
			return fmt.Errorf("host page script failed: %w", err)
		}

		b := bootstrap.New(logger, bootstrap.WithContext(ctx))
		if err := page.Install(b); err != nil {
			return err
		}
		queued := b.Pending()

		pc, err := page.Config()
		if err != nil {
			return err
		}
		// Flags win over the page's own config when given explicitly.
		if cmd.Flags().Changed("environment") {
			pc.Environment = environment
		}
		if cmd.Flags().Changed("test-mode") {
			pc.IsTestMode = testMode
		}

		store, closeStore, err := sessionStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		resolver := session.NewResolver(store, page.URL, sessionConfig())
		sessionID, err := resolver.Initialize(ctx)
		if err != nil {
			logger.Plain().WithError(err).Warn("failed to initialize session")
		}

		opts, cleanup, err := clientOptions()
		if err != nil {
			return err
		}
		defer cleanup()

		initializer := pixel.NewInitializer()
		b.Load(ctx, func(context.Context) (bootstrap.Facade, error) {
			return initializer.Initialize(pixel.InitConfig{
				Pixel:    pc,
				Logger:   logger,
				Sessions: resolver,
				Page:     page,
				Client:   opts,
			})
		})
		<-b.Done()

		if after != "" {
			if err := page.Run(after); err != nil {
				return fmt.Errorf("after script failed: %w", err)
			}
		}
		b.Wait()

		result := pageResult{
			URL:         page.URL(),
			Environment: pc.WithDefaults().Environment,
			TestMode:    pc.IsTestMode,
			SessionID:   sessionID,
			Queued:      queued,
			State:       b.State().String(),
		}
		if outputJSON {
			printOutput(result)
		} else {
			fmt.Fprintf(out, "Page: %s\n", result.URL)
			fmt.Fprintf(out, "  Environment: %s\n", result.Environment)
			fmt.Fprintf(out, "  Test mode: %v\n", result.TestMode)
			if result.SessionID != "" {
				fmt.Fprintf(out, "  Session: %s\n", result.SessionID)
			}
			fmt.Fprintf(out, "  Queued commands replayed: %d\n", result.Queued)
			fmt.Fprintf(out, "  Pixel state: %s\n", result.State)
		}
		if b.State() != bootstrap.StateLive {
			return fmt.Errorf("pixel did not go live")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pageCmd)

	pageCmd.Flags().String("url", "https://localhost/", "page URL")
	pageCmd.Flags().String("user-agent", "pixelctl/"+Version, "page user agent")
	pageCmd.Flags().String("after", "", "script to run once the SDK is live")
	pageCmd.Flags().Duration("script-timeout", 2*time.Second, "maximum run time of each script")
}
