// Package cli provides the command-line interface for sail-dataset-upload.
package cli

import (
	"context"
	"crypto/fips140"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/logging"
	"github.com/secureailabs/sail-dataset-upload/internal/version"
)

var (
	// Global flags
	cfgFile  string
	apiURL   string
	logLevel string
	logFile  string
	logJSON  bool
	verbose  bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// FIPSStatus returns FIPS 140-3 mode status string
func FIPSStatus() string {
	if fips140.Enabled() {
		return "[FIPS 140-3]"
	}
	return "[FIPS: disabled]"
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sail-dataset-upload",
		Short: "Encrypt and deliver tabular datasets to a data federation",
		Long: `sail-dataset-upload ` + version.Version + ` - Built: ` + version.BuildTime + ` ` + FIPSStatus() + `

Runs the dataset upload service, pushes files to it, and inspects
delivered dataset packages.

Commands:
  serve    - Run the upload service
  push     - Upload files for a dataset version
  inspect  - Show (and optionally decrypt) a dataset package
  config   - Show or write the configuration file`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logLevel
			if verbose {
				level = "debug"
			}
			logger = logging.NewLogger(logging.Options{
				Level: level,
				File:  logFile,
				JSON:  logJSON,
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Control-plane base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write JSON log lines to stderr")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug level)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ") " + FIPSStatus()

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	if logger != nil {
		logger.Close()
	}
	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPushCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context, cancelled on SIGINT or SIGTERM.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// loadConfig resolves configuration: file, then environment, then global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.ControlPlaneBaseURL = apiURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if logJSON {
		cfg.LogJSON = true
	}
	return cfg, nil
}

// serviceLogger builds the long-running logger from cfg. Flags already
// folded into cfg by loadConfig take precedence.
func serviceLogger(cfg *config.Config) *logging.Logger {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.Options{
		Level: level,
		File:  cfg.LogFile,
		JSON:  cfg.LogJSON,
	})
}
