// Package cli provides the command-line interface for tsimport.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/tsimport/internal/client"
	"github.com/raphaelgruber/tsimport/internal/config"
	"github.com/raphaelgruber/tsimport/internal/metrics"
	"github.com/raphaelgruber/tsimport/internal/retry"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	hostFlag   string
	tokenFlag  string
	configFile string

	// Global config, logger and import settings file
	cfg          config.Config
	logger       *slog.Logger
	closeLog     func() error
	fileSettings config.ImportSettings
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tsimport",
	Short: "Stream timelines and evidence files into Timesketch",
	Long: `tsimport uploads CSV, JSONL and binary evidence files (Plaso storage,
Mandiant archives) into a Timesketch sketch.

Records are shaped with formatting rules, batched and sent with retries on
transient failures. Evidence files are sent in chunks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		if configFile != "" {
			var err error
			fileSettings, err = config.LoadImportFile(configFile)
			if err != nil {
				return err
			}
		}

		// Precedence: flag, settings file, environment.
		switch {
		case cmd.Flags().Changed("host"):
			cfg.Host = hostFlag
		case fileSettings.Host != "":
			cfg.Host = fileSettings.Host
		}
		switch {
		case cmd.Flags().Changed("token"):
			cfg.Token = tokenFlag
		case fileSettings.Token != "":
			cfg.Token = fileSettings.Token
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newClient creates an API client from the loaded configuration.
func newClient(collector *metrics.Collector) *client.Client {
	return client.New(client.Options{
		BaseURL:       cfg.Host,
		Token:         cfg.Token,
		SessionCookie: cfg.SessionCookie,
		Timeout:       cfg.ClientTimeout,
		Retry: retry.Config{
			MaxAttempts: cfg.RetryCount,
			BaseDelay:   cfg.RetryBackoff,
			MaxDelay:    cfg.RetryMaxBackoff,
		},
		Logger:  logger,
		Metrics: collector,
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "Timesketch server URL (default $TIMESKETCH_HOST)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "API token (default $TIMESKETCH_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config-file", "c", "", "YAML file with import settings")

	// Add subcommands
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(s3Cmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tsimport %s\n", Version)
	},
}
