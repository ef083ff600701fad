package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pier39_pixel/internal/pixel"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information for pixelctl and the pixel SDK it embeds.`,
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			version := map[string]string{
				"version":      Version,
				"pixelVersion": pixel.PixelVersion,
				"gitCommit":    GitCommit,
				"buildTime":    BuildTime,
				"goVersion":    runtime.Version(),
				"goos":         runtime.GOOS,
				"goarch":       runtime.GOARCH,
			}
			printOutput(version)
		} else {
			fmt.Fprintf(out, "pixelctl version %s\n", Version)
			fmt.Fprintf(out, "Pixel SDK: %s %s\n", pixel.PixelName, pixel.PixelVersion)
			fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
