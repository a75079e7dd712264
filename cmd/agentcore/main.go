package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(run).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(serve func(context.Context, *config.Config) error) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:          "agentcore",
		Short:        "Serve an ACP coding agent over WebSocket for Bedrock AgentCore",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "Port to listen on (overrides PORT)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.EnsureWorkspace(); err != nil {
		return err
	}
	printBanner(cfg)

	store, err := checkpoint.Open(ctx, cfg.CheckpointDB)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(server.Options{
		Config:   cfg,
		Store:    store,
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func printBanner(cfg *config.Config) {
	checkpoints := cfg.CheckpointDB
	if checkpoints == "" {
		checkpoints = "in-memory"
	}
	fmt.Fprintln(os.Stderr, "ACP agent for Bedrock AgentCore")
	fmt.Fprintf(os.Stderr, "  Workspace:   %s\n", cfg.WorkspaceDir)
	fmt.Fprintf(os.Stderr, "  Mode:        %s\n", cfg.AgentMode)
	fmt.Fprintf(os.Stderr, "  Model:       %s (%s)\n", cfg.ModelID, cfg.Provider)
	fmt.Fprintf(os.Stderr, "  Region:      %s\n", cfg.Region)
	fmt.Fprintf(os.Stderr, "  Checkpoints: %s\n", checkpoints)
	fmt.Fprintf(os.Stderr, "  WebSocket:   ws://0.0.0.0:%d/ws\n", cfg.Port)
	fmt.Fprintf(os.Stderr, "  Health:      http://0.0.0.0:%d/ping\n", cfg.Port)
}
