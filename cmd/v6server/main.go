package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantage6/vantage6/pkg/api"
	"github.com/vantage6/vantage6/pkg/blob"
	"github.com/vantage6/vantage6/pkg/config"
	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/metrics"
	"github.com/vantage6/vantage6/pkg/session"
	"github.com/vantage6/vantage6/pkg/socket"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "v6server",
	Short: "vantage6 coordinator - federated task execution server",
	Long: `The vantage6 coordinator accepts analysis tasks from researchers,
fans them out to the nodes of a collaboration, and collects the
encrypted results. Nodes connect over HTTP and a websocket push
channel; state is replicated with Raft when HA is configured.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vantage6 server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	startCmd.Flags().StringP("config", "c", "server.yaml", "Path to the server config file")
	joinCmd.Flags().StringP("config", "c", "server.yaml", "Path to the server config file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(joinCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator",
	Long: `Start the coordinator from a config file. With HA settings present
and bootstrap enabled this also initializes a new single-server Raft
cluster; peers then join with "v6server join".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return runServer(path, true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start the coordinator and wait to join an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return runServer(path, false)
	},
}

func runServer(configPath string, bootstrap bool) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	logger := log.WithComponent("server")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("store", "api")

	mgr, err := manager.NewManager(&manager.Config{
		ServerID:  cfg.ServerID,
		BindAddr:  cfg.BindAddr,
		DataDir:   cfg.DataDir,
		JWTSecret: cfg.JWTSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	metrics.UpdateComponent("store", true, "")

	if cfg.BindAddr != "" {
		if bootstrap && cfg.Bootstrap {
			if err := mgr.Bootstrap(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			logger.Info().Str("server_id", cfg.ServerID).Msg("cluster bootstrapped")
		} else {
			if err := mgr.Join(); err != nil {
				return fmt.Errorf("failed to start raft: %w", err)
			}
		}
	}

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return err
	}

	hub := socket.NewHub(mgr)
	mgr.SetDispatcher(hub)
	orch := session.NewOrchestrator(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	go mgr.RunCleanupLoop(ctx, manager.CleanupPolicy{
		RunsDataCleanupDays: cfg.Cleanup.RunsDataCleanupDays,
		CleanupInputs:       cfg.Cleanup.CleanupInputs,
		Interval:            cfg.Cleanup.Interval,
	}, blobs)

	srv := api.NewServer(mgr, orch, hub, api.Options{Addr: cfg.Addr, Blobs: blobs, LocalAddress: cfg.LocalAddress})
	errCh := make(chan error, 1)
	go func() {
		metrics.UpdateComponent("api", true, "")
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Addr).Msg("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}

// openBlobStore builds the configured result blob adapter; a nil return
// with nil error means inline results only.
func openBlobStore(cfg *config.ServerConfig) (blob.Adapter, error) {
	switch cfg.Blob.Type {
	case "":
		return nil, nil
	case "filesystem":
		return blob.NewFilesystemStore(cfg.Blob.Directory)
	case "azure":
		return blob.NewAzureStore(cfg.Blob.ConnectionString, cfg.Blob.Container)
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Blob.Type)
	}
}
