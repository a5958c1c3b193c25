package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clickforge/internal/config"
	"clickforge/internal/db"
	"clickforge/internal/session"
	"clickforge/internal/store"
	"clickforge/internal/upgrade"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, "clickforge-worker")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	catalog, err := upgrade.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error("catalog load failed", "path", cfg.CatalogPath, "err", err)
		os.Exit(1)
	}
	reconciler := upgrade.NewReconciler(
		catalog,
		store.New(pool, logger),
		session.New(cfg.GameSessionURL, cfg.GameSessionAPIKey, cfg.GameSessionTimeout),
		logger,
	)

	if cfg.RunOnce {
		report, err := reconciler.RunOnce(ctx)
		if err != nil {
			logger.Error("reconcile failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "delivered", report.Delivered, "failed", report.Failed, "refunds_outstanding", len(report.Unresolved))
		return
	}

	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()

	logger.Info("worker started", "every", cfg.Every.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			report, err := reconciler.RunOnce(ctx)
			if err != nil {
				logger.Error("reconcile failed", "err", err)
				continue
			}
			if report.Delivered > 0 || report.Failed > 0 || len(report.Unresolved) > 0 {
				logger.Info("reconcile complete", "delivered", report.Delivered, "failed", report.Failed, "refunds_outstanding", len(report.Unresolved))
			}
		}
	}
}
