package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/secureailabs/sail-dataset-upload/internal/api"
	"github.com/secureailabs/sail-dataset-upload/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sail-dataset-upload configuration",
		Long: `Configuration management commands.

Commands:
  init  - Write the resolved configuration to the config file
  show  - Display current configuration
  test  - Test the control-plane connection
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the configuration file",
		Long: `Write defaults, merged with the environment and global flags, to the
configuration file. The proxy password is never written.

Use --force to overwrite an existing file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long:  `Display the configuration after file, environment and flag overrides. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, _ := configPath()
			printConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg *config.Config, path string) {
	c := cfg.Redacted()

	fmt.Fprintln(out, "Control Plane:")
	fmt.Fprintf(out, "  Base URL:        %s\n", c.ControlPlaneBaseURL)
	fmt.Fprintf(out, "  Request Timeout: %s\n", c.RequestTimeout)
	fmt.Fprintf(out, "  Verify TLS:      %t\n", c.ControlPlaneVerifyTLS)
	fmt.Fprintf(out, "  Retry Max:       %d\n", c.ControlPlaneRetryMax)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  Verify TLS:      %t\n", c.StorageVerifyTLS)
	fmt.Fprintf(out, "  Upload Retries:  %d\n", c.UploadRetries)
	fmt.Fprintf(out, "  S3 Region:       %s\n", c.S3Region)
	if c.S3Endpoint != "" {
		fmt.Fprintf(out, "  S3 Endpoint:     %s\n", c.S3Endpoint)
	}
	if c.S3AccessKeyID != "" {
		fmt.Fprintf(out, "  S3 Access Key:   %s\n", c.S3AccessKeyID)
		fmt.Fprintf(out, "  S3 Secret:       %s\n", c.S3SecretAccessKey)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  Listen:          %s\n", c.ListenAddr)
	fmt.Fprintf(out, "  Workspace Root:  %s\n", c.WorkspaceRoot)
	fmt.Fprintf(out, "  Workers:         %d\n", c.Workers)
	fmt.Fprintf(out, "  Queue Size:      %d\n", c.QueueSize)
	fmt.Fprintf(out, "  Max Upload:      %d bytes\n", c.MaxUploadBytes)
	fmt.Fprintf(out, "  Rollback Retries: %d\n", c.RollbackRetries)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Proxy:")
	fmt.Fprintf(out, "  Mode:            %s\n", c.ProxyMode)
	if c.ProxyHost != "" {
		fmt.Fprintf(out, "  Host:            %s:%d\n", c.ProxyHost, c.ProxyPort)
	}
	if c.ProxyUser != "" {
		fmt.Fprintf(out, "  User:            %s\n", c.ProxyUser)
	}
	if c.ProxyPassword != "" {
		fmt.Fprintf(out, "  Password:        %s\n", c.ProxyPassword)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Logging:")
	fmt.Fprintf(out, "  Level:           %s\n", c.LogLevel)
	if c.LogFile != "" {
		fmt.Fprintf(out, "  File:            %s\n", c.LogFile)
	}
	fmt.Fprintf(out, "  JSON:            %t\n", c.LogJSON)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Configuration file: %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "  (file does not exist - using defaults)")
	}
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test control-plane connection",
		Long: `List data federations with the given token to verify the control-plane URL,
proxy settings and credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			out := cmd.OutOrStdout()

			if token == "" {
				token = os.Getenv(EnvUploadToken)
			}
			if token == "" {
				return fmt.Errorf("a token is required (--token or %s)", EnvUploadToken)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			client, err := api.NewClient(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to create API client: %w", err)
			}

			ctx, cancel := context.WithTimeout(GetContext(), 10*time.Second)
			defer cancel()

			fmt.Fprintf(out, "Control plane: %s\n", cfg.ControlPlaneBaseURL)
			federations, err := client.WithToken(token).GetAllDataFederations(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Connection test failed")
				fmt.Fprintf(out, "Connection FAILED: %v\n", err)
				return fmt.Errorf("connection test failed")
			}

			fmt.Fprintf(out, "Connection OK, %d data federation(s) visible\n", len(federations))
			for _, f := range federations {
				fmt.Fprintf(out, "  %s  %s\n", f.ID, f.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\n", path)

			if info, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "Status:   exists, %d bytes, modified %s\n",
					info.Size(), info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status:   does not exist")
				fmt.Fprintln(out, "Create it with: sail-dataset-upload config init")
			}
			return nil
		},
	}
}
