package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler 按 cron 表达式在进程内周期执行 Runner，作为外部 cron 调用 cmd/transfer 的替代。
type Scheduler struct {
	cron    *cron.Cron
	runner  *Runner
	timeout time.Duration
	logger  *zap.SugaredLogger

	// running 防止上一次调度未结束时重入。
	running sync.Mutex
}

// NewScheduler 解析 spec 并登记调度任务，支持标准五段式与 @every 等描述符。
func NewScheduler(runner *Runner, spec string, timeout time.Duration, logger *zap.SugaredLogger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Scheduler{cron: cron.New(), runner: runner, timeout: timeout, logger: logger}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid transfer schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start 在后台启动调度。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Infow("transfer scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop 停止调度并等待正在执行的任务结束或 ctx 到期。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warnw("transfer scheduler stop timed out")
	}
}

func (s *Scheduler) run() {
	if !s.running.TryLock() {
		s.logger.Warnw("previous transfer run still in progress, skipping")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce 执行一次调度与一步迁移，错误只记录日志。
func (s *Scheduler) RunOnce(ctx context.Context) {
	if _, err := s.runner.Tick(ctx); err != nil {
		s.logger.Errorw("scheduled transfer tick failed", "error", err)
	}
	progress, ok, err := s.runner.MigrationStep(ctx)
	switch {
	case err != nil:
		s.logger.Errorw("scheduled migration step failed", "error", err)
	case ok:
		s.logger.Infow("scheduled migration step done", "index", progress.Index, "count", progress.Count, "complete", progress.Complete)
	}
}
