package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "dataflow",
	Short: "dataflow runs local dataflow pipelines",
	Long: `dataflow executes a pipeline of vertices described in YAML on this node,
using cooperative tasklets for non-blocking processors and dedicated
goroutines for blocking ones.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntP("verbosity", "v", 0, "Log verbosity (0 = info, higher is more detailed)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
}

// newLogger builds a zap-backed logr.Logger. logr V levels map onto negative
// zap levels.
func newLogger(cmd *cobra.Command) (logr.Logger, func(), error) {
	verbosity, _ := cmd.Flags().GetInt("verbosity")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	cfg := zap.NewDevelopmentConfig()
	if jsonLogs {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}
