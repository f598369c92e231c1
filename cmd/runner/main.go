package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nspawnrunner/pkg/config"
	"github.com/cuemby/nspawnrunner/pkg/connector"
	"github.com/cuemby/nspawnrunner/pkg/log"
	"github.com/cuemby/nspawnrunner/pkg/metrics"
	"github.com/cuemby/nspawnrunner/pkg/rootfs"
	"github.com/cuemby/nspawnrunner/pkg/supervisor"
	"github.com/cuemby/nspawnrunner/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Per-host job runner supervising one container at a time",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("config-file", "", "Path to the runner's TOML configuration file (required)")
	rootCmd.Flags().String("test-env", "", "Environment id to exercise with the local dummy connector instead of a real coordinator")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics on")
	_ = rootCmd.MarkFlagRequired("config-file")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runnerConnector is the common shape of the two CoordinatorConnector
// implementations run() can select between, narrowed to what main needs to
// drive the run loop.
type runnerConnector interface {
	SetDispatcher(connector.Dispatcher)
	Run(ctx context.Context) error
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config-file")
	testEnv, _ := cmd.Flags().GetString("test-env")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider := rootfs.NewZFSProvider()
	sup := supervisor.New(cfg, provider)

	var conn runnerConnector
	if testEnv != "" {
		envID, err := types.ParseEnvironmentId(testEnv)
		if err != nil {
			return fmt.Errorf("parse --test-env: %w", err)
		}
		dummy := connector.NewDummyRunnerConnector(envID, nil)
		dummy.SetDispatcher(sup)
		sup.SetConnector(dummy)
		conn = dummy
	} else {
		sse := connector.NewSSERunnerConnector(cfg)
		sse.SetDispatcher(sup)
		sup.SetConnector(sse)
		conn = sse
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		log.Logger.Info().Str("addr", metricsAddr).Msg("runner: serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("runner: metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = conn.Run(ctx)
	_ = metricsServer.Close()
	if err != nil && err != context.Canceled {
		return fmt.Errorf("connector run loop: %w", err)
	}
	return nil
}
