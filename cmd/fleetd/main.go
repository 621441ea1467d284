// fleetd is the fleet control-plane daemon: asset registry, health engine,
// build queue, deployment and pipeline orchestration behind a REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetd"
	"fleetd/internal/config"
	"fleetd/internal/logging"
)

const version = "1.0.0"

var (
	cfgPath string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - test-infrastructure fleet control plane",
	Long: `fleetd manages a heterogeneous test fleet: build servers that
cross-compile kernels and BSPs, virtualization hosts that run guest VMs,
and physical boards reached over SSH, serial console and out-of-band
power control.

Clients submit build jobs, deployments and build-deploy-boot-test
pipelines over the REST API; fleetd selects resources, enforces
allocation policy and recovers failing assets.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if verbose {
			logger, err = logging.NewVerbose(cfg.Logging)
		} else {
			logger, err = logging.New(cfg.Logging)
		}
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}

		daemon, err := fleetd.New(cfg, cfgPath, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := daemon.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return daemon.Stop()
		})
		return g.Wait()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetd %s\n", version)
	},
}

// checkCmd validates the configuration without starting anything.
var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("configuration ok")
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(cfgPath)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
