package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audit-trail-app/backend/internal/app"
	"audit-trail-app/backend/internal/bootstrap"
	"audit-trail-app/backend/internal/config"
	"audit-trail-app/backend/internal/infra/logger"

	"go.uber.org/zap"
)

var (
	migrationSteps = flag.Int("migration-steps", 1, "每次运行最多执行的迁移批次数，0 表示跳过迁移")
	timeout        = flag.Duration("timeout", 5*time.Minute, "单次运行的超时时间")
)

// main 执行一次传输调度：镜像、归档、清理，然后推进进行中的迁移。适合由 cron 定时调用。
func main() {
	flag.Parse()

	zapLogger, err := logger.Init()
	if err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	sugar := zapLogger.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("transfer run failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	auditCfg, err := config.LoadAuditSettings()
	if err != nil {
		return fmt.Errorf("load audit settings: %w", err)
	}
	transferCfg, err := config.LoadTransferSettings()
	if err != nil {
		return fmt.Errorf("load transfer settings: %w", err)
	}

	resources, err := app.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		if err := resources.Close(); err != nil {
			sugar.Warnw("resource cleanup error", "error", err)
		}
	}()

	core, err := bootstrap.BuildCore(ctx, sugar, resources, auditCfg, transferCfg)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer func() { _ = core.Close() }()

	report, tickErr := core.Runner.Tick(ctx)
	sugar.Infow("transfer tick done", "mirrored", report.Mirrored, "archived", report.Archived, "pruned", report.Pruned)

	var migrateErr error
	for i := 0; i < *migrationSteps; i++ {
		progress, ok, err := core.Runner.MigrationStep(ctx)
		if err != nil {
			migrateErr = fmt.Errorf("migration step: %w", err)
			break
		}
		if !ok {
			break
		}
		sugar.Infow("migration step done", "index", progress.Index, "count", progress.Count,
			"total", progress.Total, "complete", progress.Complete)
		if progress.Complete {
			break
		}
	}
	return errors.Join(tickErr, migrateErr)
}
