// Package commands implements the mailcore command line
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/busybox42/mailcore/internal/config"
	"github.com/busybox42/mailcore/internal/logging"
	"github.com/spf13/cobra"
)

// BuildInfo is stamped at link time
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// app is the state shared by all commands of one invocation
type app struct {
	info       BuildInfo
	configPath string
	apiURL     string
	cfg        *config.Config
}

// skipConfig lists commands that run without loading the configuration
var skipConfig = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
	"init":       true,
	"validate":   true,
}

// NewRootCommand builds the command tree
func NewRootCommand(info BuildInfo) *cobra.Command {
	a := &app{info: info}

	rootCmd := &cobra.Command{
		Use:   "mailcore",
		Short: "mailcore multi-domain mail transfer agent",
		Long: `mailcore accepts, authenticates, routes, signs and delivers mail for
many hosted domains. Each domain carries its own policy, rate limits and DKIM keys.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig[cmd.Name()] {
				return nil
			}
			if cmd.Name() != "server" {
				// keep command output readable; the server installs its own logger
				quietLogging(cmd.ErrOrStderr())
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a.cfg = cfg

			if cmd.Name() == "server" {
				if _, err := logging.Setup(cfg.LoggingConfig()); err != nil {
					return fmt.Errorf("failed to set up logging: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "Admin API URL (default derived from api.listen)")

	rootCmd.AddCommand(
		a.newServerCmd(),
		a.newQueueCmd(),
		a.newDNSCmd(),
		a.newConfigCmd(),
		a.newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute(info BuildInfo) {
	rootCmd := NewRootCommand(info)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func quietLogging(w io.Writer) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn})))
}
