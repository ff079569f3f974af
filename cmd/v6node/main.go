package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vantage6/vantage6/pkg/config"
	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/node"
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
	Use:   "v6node",
	Short: "vantage6 node - executes federated analysis tasks",
	Long: `The vantage6 node runs at a data station. It authenticates against
the coordinator with its API key, listens for tasks addressed to its
organization, and executes each one in an isolated algorithm
container with access to the locally configured data sources.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vantage6 node version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	startCmd.Flags().StringP("config", "c", "node.yaml", "Path to the node config file")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadNode(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		agent, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
