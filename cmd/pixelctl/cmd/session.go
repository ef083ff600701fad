package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pier39_pixel/internal/session"
)

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage the pixel session id",
	Long: `Inspect and manage the session id the pixel attaches to conversions.

The session id is read from the pier39_session_id cookie, falling back to the
sessionId query parameter of the page URL. Use --redis to keep the cookie
store between invocations.`,
}

// sessionResult is what the session commands report
type sessionResult struct {
	SessionID string `json:"sessionId,omitempty"`
	Valid     bool   `json:"valid"`
	Store     string `json:"store"`
}

// newSessionResolver builds a resolver over the configured cookie store
func newSessionResolver(cmd *cobra.Command) (context.Context, *session.Resolver, func(), error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	url, _ := cmd.Flags().GetString("url")
	store, closeStore, err := sessionStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := session.NewResolver(store, func() string { return url }, sessionConfig())
	return ctx, resolver, closeStore, nil
}

func storeName() string {
	if redisURL != "" {
		return "redis"
	}
	return "memory"
}

func printSession(ctx context.Context, r *session.Resolver) error {
	id, err := r.SessionID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	result := sessionResult{SessionID: id, Valid: r.HasValid(ctx), Store: storeName()}
	if outputJSON {
		printOutput(result)
		return nil
	}
	if id == "" {
		fmt.Fprintln(out, "No session id")
	} else {
		fmt.Fprintf(out, "Session: %s\n", id)
	}
	fmt.Fprintf(out, "  Store: %s\n", result.Store)
	return nil
}

// sessionShowCmd represents the session show command
var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, r, closeStore, err := newSessionResolver(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		return printSession(ctx, r)
	},
}

// sessionInitCmd represents the session init command
var sessionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Persist the session id found in the page URL",
	Long: `Resolve the session id and store it in the session cookie.

Example:
  pixelctl session init --url "https://shop.example/?sessionId=abc" --redis redis://localhost:6379/0`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, r, closeStore, err := newSessionResolver(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		if _, err := r.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize session: %w", err)
		}
		return printSession(ctx, r)
	},
}

// sessionSetCmd represents the session set command
var sessionSetCmd = &cobra.Command{
	Use:   "set [session-id]",
	Short: "Store a session id in the session cookie",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, r, closeStore, err := newSessionResolver(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := r.Set(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to set session: %w", err)
		}
		return printSession(ctx, r)
	},
}

// sessionClearCmd represents the session clear command
var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the session cookie",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, r, closeStore, err := newSessionResolver(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := r.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		if !outputJSON {
			fmt.Fprintln(out, "Session cleared")
		}
		return printSession(ctx, r)
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionInitCmd)
	sessionCmd.AddCommand(sessionSetCmd)
	sessionCmd.AddCommand(sessionClearCmd)

	sessionCmd.PersistentFlags().String("url", "", "page URL to read the sessionId parameter from")
}
