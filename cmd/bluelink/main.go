package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "bluelink",
	Short: "Bluetooth Low Energy sensor and serial gateway",
	Long: `Bluetooth Low Energy (BLE) gateway that connects to sensor tags and
serial devices through the system Bluetooth daemon:

- Keep a set of configured devices connected and their sensors enabled
- Stream sensor measurements to stdout
- Bridge a flow-controlled serial device (dive computers, UART tags) to a
  local pseudo-terminal for use with unmodified serial tools`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serialCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
