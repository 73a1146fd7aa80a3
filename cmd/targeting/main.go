// Command targeting runs the targeting engine's background worker and its
// operational tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"targeting/internal/platform/config"
)

var cfg = config.FromEnv()

var rootCmd = &cobra.Command{
	Use:           "targeting",
	Short:         "Targeting and sampling engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (json or text)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(sampleSizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
