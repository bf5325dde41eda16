package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blossom-gate/internal/api"
	"blossom-gate/internal/config"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/pkg/logger"
)

// main 是 blossomd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "blossomd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "blossomd",
		Short:         "Execution gate: intent path guard and settlement funding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to blossom.json")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconcile consumer and scheduled finalizer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run one finalizer sweep over submitted credits and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reconcile(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	})
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("BLOSSOM_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "blossom.json")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Service:     "blossom-gate",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	log := logger.Named("blossomd")
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Address != "" && cfg.Metrics.Address != cfg.Server.Address
	server := api.NewServer(cfg.Server.Address, app.guard, app.guarantor, app.ledger,
		api.WithReconciler(app.finalizer),
		api.WithMetricsEndpoint(cfg.Metrics.Enabled && !separateMetrics),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	if separateMetrics {
		group.Go(func() error {
			return metrics.StartServer(groupCtx, cfg.Metrics.Address)
		})
	}
	if cfg.Finalizer.Enabled {
		group.Go(func() error {
			return app.finalizer.RunSchedule(groupCtx, cfg.Finalizer.Schedule)
		})
		if cfg.Finalizer.ConsumeQueue && app.queue != nil {
			group.Go(func() error {
				return app.finalizer.Consume(groupCtx, app.queue, cfg.Finalizer.Workers)
			})
		}
	}
	log.Info("blossomd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("ledger", cfg.Storage.Ledger.Driver),
		slog.String("sessions", cfg.Storage.Sessions.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Any("chains", app.registry.Chains()),
	)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("blossomd 已停止")
	return nil
}

func reconcile(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, sweepErr := app.finalizer.Sweep(ctx)
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(stats); err != nil {
		return err
	}
	return sweepErr
}
