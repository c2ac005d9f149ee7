package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Shugur-Network/peergate/internal/application"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for peergate
var rootCmd = &cobra.Command{
	Use:   "peergate",
	Short: "peergate is a peer registry and connection admission gate",
	Long:  `Tracks peer liveness from heartbeats, enforces bans and decides whether direct or relayed connections may proceed.`,
	Example: `
  peergate start --db-driver sqlite
  peergate start --db-driver postgres --db-url postgresql://root@localhost:26257/peergate?sslmode=disable
  peergate start --log-level debug --metrics-port 9090
  peergate config check --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version and config check do not need a running logger
		if cmd.Name() == "version" || cmd.Name() == "check" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return applyFlagOverrides(cmd.Flags(), cfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// applyFlagOverrides layers explicitly set CLI flags over the loaded config.
func applyFlagOverrides(flags *pflag.FlagSet, c *config.Config) error {
	if flags.Changed("log-level") {
		lvl, _ := flags.GetString("log-level")
		if err := logger.UpdateLevel(lvl); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		c.Logging.Level = lvl
	}
	if flags.Changed("listen") {
		c.Server.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("db-driver") {
		c.Database.Driver, _ = flags.GetString("db-driver")
	}
	if flags.Changed("db-url") {
		c.Database.URL, _ = flags.GetString("db-url")
	}
	if flags.Changed("metrics-port") {
		c.Metrics.Port, _ = flags.GetInt("metrics-port")
	}
	return config.Validate(c)
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("                                       _       ")
	fmt.Println("  _ __   ___  ___ _ __ __ _  __ _| |_ ___ ")
	fmt.Println(" | '_ \\ / _ \\/ _ \\ '__/ _` |/ _` | __/ _ \\")
	fmt.Println(" | |_) |  __/  __/ | | (_| | (_| | ||  __/")
	fmt.Println(" | .__/ \\___|\\___|_|  \\__, |\\__,_|\\__\\___|")
	fmt.Println(" |_|                  |___/               ")
	fmt.Println()
	fmt.Println("peergate - peer registry and connection admission gate")
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the peergate server",
		Long:  "Start the peergate API, the health sweep, the store sync and the ban refresh loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			printWelcomeBanner()

			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				logger.Info("Using config file", zap.String("config_file", absPath))
			}

			ctx := cmd.Context()
			metrics.RegisterMetrics()

			logger.Info("Starting peergate...", zap.String("version", config.Version))
			app, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize peergate", zap.Error(err))
				return err
			}
			if err := app.Start(ctx); err != nil {
				logger.Error("Failed to start peergate", zap.Error(err))
				app.Shutdown()
				return err
			}
			logger.Info("peergate started successfully!")

			// Block until a signal arrives or the server fails.
			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
			case <-app.Done():
			}
			app.Shutdown()
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of peergate",
		Long:  "Print the version number of peergate along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	return versionCmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Read(cfgFile, nil)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cmd.Flags(), c); err != nil {
				return err
			}
			if c.Database.URL != "" {
				c.Database.URL = "<redacted>"
			}
			out, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})
	return configCmd
}

// init sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("listen", ":8080", "API listen address")
	rootCmd.PersistentFlags().String("db-driver", "sqlite", "Peer store driver (postgres, sqlite, memory)")
	rootCmd.PersistentFlags().String("db-url", "", "PostgreSQL/CockroachDB connection URL")
	rootCmd.PersistentFlags().Int("metrics-port", 2112, "Port for Prometheus metrics server")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newConfigCmd())
}
