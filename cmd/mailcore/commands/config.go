package commands

import (
	"errors"
	"fmt"

	"github.com/busybox42/mailcore/internal/config"
	"github.com/spf13/cobra"
)

func (a *app) newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cfg.Dump(cmd.OutOrStdout())
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) > 0 {
				path = args[0]
			}
			quietLogging(cmd.ErrOrStderr())

			out := cmd.OutOrStdout()
			cfg, err := config.Load(path)
			if err != nil {
				var joined interface{ Unwrap() []error }
				if errors.As(err, &joined) {
					fmt.Fprintf(out, "Configuration has %d errors:\n", len(joined.Unwrap()))
					for i, e := range joined.Unwrap() {
						fmt.Fprintf(out, "  %d. %s\n", i+1, e)
					}
				}
				return err
			}

			source := cfg.Path
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "Configuration is valid (%s)\n", source)
			fmt.Fprintf(out, "  Server: %s on %s\n", cfg.Server.Hostname, cfg.Server.Listen)
			fmt.Fprintf(out, "  Database: %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  Policy source: %s\n", cfg.Policy.Source)
			fmt.Fprintf(out, "  Queue: %d workers, %s body store\n", cfg.Queue.Workers, cfg.Queue.BodyStore)
			fmt.Fprintf(out, "  Cache: %s\n", cfg.Cache.Type)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "mailcore.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.CreateDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})

	return configCmd
}
