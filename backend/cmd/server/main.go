/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 19:55:11
 * @FilePath: \audit-trail-app\backend\cmd\server\main.go
 * @LastEditTime: 2026-10-16 10:07:31
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audit-trail-app/backend/internal/app"
	"audit-trail-app/backend/internal/bootstrap"
	"audit-trail-app/backend/internal/config"
	"audit-trail-app/backend/internal/infra/logger"
)

const shutdownTimeout = 10 * time.Second

// main 启动审计管理接口。
func main() {
	zapLogger, err := logger.Init()
	if err != nil {
		panic(fmt.Sprintf("init logger failed: %v", err))
	}
	defer logger.Sync()
	sugar := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditCfg, err := config.LoadAuditSettings()
	if err != nil {
		sugar.Fatalw("load audit settings failed", "error", err)
	}
	transferCfg, err := config.LoadTransferSettings()
	if err != nil {
		sugar.Fatalw("load transfer settings failed", "error", err)
	}
	serverCfg, err := config.LoadServerSettings()
	if err != nil {
		sugar.Fatalw("load server settings failed", "error", err)
	}

	resources, err := app.Bootstrap(ctx)
	if err != nil {
		sugar.Fatalw("bootstrap failed", "error", err)
	}
	defer func() {
		if err := resources.Close(); err != nil {
			sugar.Warnw("resource cleanup error", "error", err)
		}
	}()

	application, err := bootstrap.BuildApplication(ctx, sugar, resources, auditCfg, transferCfg, serverCfg)
	if err != nil {
		sugar.Fatalw("build application failed", "error", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			sugar.Warnw("close connections failed", "error", err)
		}
	}()

	if application.Scheduler != nil {
		application.Scheduler.Start()
	}

	srv := &http.Server{
		Addr:              ":" + serverCfg.Port,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", srv.Addr, "resources", resources.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("graceful shutdown failed", "error", err)
	}
	if application.Scheduler != nil {
		application.Scheduler.Stop(shutdownCtx)
	}
}
