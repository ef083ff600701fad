package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/delivery"
	"github.com/austindbirch/pier39_pixel/internal/session"
)

// configKeys are the settings config set accepts
var configKeys = map[string]string{
	"environment":      "string",
	"collector":        "string",
	"test_mode":        "bool",
	"timeout":          "duration",
	"max_retries":      "int",
	"retry_base_delay": "duration",
	"redis":            "string",
	"session_cookie":   "string",
	"session_param":    "string",
	"dlq_nsqd":         "string",
	"dlq_topic":        "string",
	"json":             "bool",
	"log_level":        "string",
}

func configKeyNames() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseConfigValue converts a config set value to the type stored for key
func parseConfigValue(key, value string) (any, error) {
	kind, ok := configKeys[key]
	if !ok {
		return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeyNames(), ", "))
	}

	switch kind {
	case "bool":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		default:
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		return d.String(), nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count for %s: %s", key, value)
		}
		return n, nil
	}

	if key == "environment" {
		if _, err := config.LookupEnvironment(value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pixelctl.yaml"), nil
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pixelctl configuration",
	Long:  `Manage pixelctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			settings := map[string]any{
				"environment":      environment,
				"collector":        collectorURL,
				"test_mode":        testMode,
				"timeout":          timeout.String(),
				"max_retries":      maxRetries,
				"retry_base_delay": retryBaseDelay.String(),
				"redis":            redisURL,
				"session_cookie":   sessionCookie,
				"session_param":    sessionParam,
				"dlq_nsqd":         dlqNsqd,
				"dlq_topic":        dlqTopic,
				"json":             outputJSON,
				"log_level":        logLevel,
			}
			printOutput(settings)
			return
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", environment)
		if collectorURL != "" {
			fmt.Fprintf(out, "  Collector: %s\n", collectorURL)
		} else {
			fmt.Fprintln(out, "  Collector: environment default")
		}
		fmt.Fprintf(out, "  Test mode: %v\n", testMode)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  Max retries: %d\n", maxRetries)
		fmt.Fprintf(out, "  Retry base delay: %s\n", retryBaseDelay)
		fmt.Fprintf(out, "  Session store: %s\n", storeName())
		fmt.Fprintf(out, "  Session cookie: %s (URL param %s)\n", sessionCookie, sessionParam)
		if dlqNsqd != "" {
			fmt.Fprintf(out, "  Dead letters: %s topic %s\n", dlqNsqd, dlqTopic)
		}
		fmt.Fprintf(out, "  Log level: %s\n", logLevel)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  pixelctl config set environment staging
  pixelctl config set collector http://localhost:8081/track
  pixelctl config set timeout 2s
  pixelctl config set test_mode true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, v)

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("environment", config.DefaultEnvironment)
		viper.Set("test_mode", false)
		viper.Set("timeout", delivery.DefaultTimeout.String())
		viper.Set("max_retries", delivery.MaxRetries)
		viper.Set("retry_base_delay", delivery.BaseDelay.String())
		viper.Set("json", false)
		viper.Set("log_level", "warn")

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		fmt.Fprintf(out, "Configuration file created: %s\n", path)
		fmt.Fprintln(out, "Default settings:")
		fmt.Fprintf(out, "  environment: %s\n", config.DefaultEnvironment)
		fmt.Fprintln(out, "  test_mode: false")
		fmt.Fprintf(out, "  timeout: %s\n", delivery.DefaultTimeout)
		fmt.Fprintf(out, "  max_retries: %d\n", delivery.MaxRetries)
		fmt.Fprintf(out, "  retry_base_delay: %s\n", delivery.BaseDelay)
		fmt.Fprintln(out, "  json: false")
		fmt.Fprintln(out, "  log_level: warn")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration and verify that redis and nsqd are reachable when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := false
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ pixelctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  ⚠️  Config file: not found (using defaults)")
		}

		cfg := effectiveConfig()
		if target, err := cfg.TrackingURL(); err != nil {
			failed = true
			fmt.Fprintf(out, "  ❌ Environment: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✅ Environment: %s (%s)\n", cfg.Pixel.Environment, target)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if cfg.Session.RedisURL != "" {
			rdb, err := session.DialRedis(ctx, cfg.Session.RedisURL)
			if err != nil {
				failed = true
				fmt.Fprintf(out, "  ❌ Redis: %v\n", err)
			} else {
				rdb.Close()
				fmt.Fprintln(out, "  ✅ Redis: OK")
			}
		}

		if cfg.NSQ.PublishDLQ {
			pub, err := delivery.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
			if err == nil {
				err = pub.Ping()
				pub.Stop()
			}
			if err != nil {
				failed = true
				fmt.Fprintf(out, "  ❌ nsqd: %v\n", err)
			} else {
				fmt.Fprintln(out, "  ✅ nsqd: OK")
			}
		}

		if failed {
			return fmt.Errorf("configuration check failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	// Flags for init command
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
