package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audit-trail-app/backend/internal/infra/cursor"
	"audit-trail-app/backend/internal/service/connection"

	"go.uber.org/zap"
)

// 断点名称。
const (
	cursorMirror    = "mirror"
	cursorMigration = "migration"
	cursorArchive   = "archive"
)

// RunnerSettings 描述定时任务每次执行的策略，零值表示不执行对应步骤。
type RunnerSettings struct {
	BatchSize         int
	MirrorInclude     []int
	MirrorExclude     []int
	ArchiveAfter      time.Duration
	ArchiveKeepLatest int
	PruneAfter        time.Duration
	PruneKeepLatest   int
}

// MirrorCursor 是镜像任务的断点。
type MirrorCursor struct {
	LastOccurrenceID uint64  `json:"last_occurrence_id"`
	LastCreatedOn    float64 `json:"last_created_on"`
}

// ArchiveCursor 记录最近一次归档的结果，供管理界面展示。
type ArchiveCursor struct {
	LastRun  time.Time `json:"last_run"`
	Archived int64     `json:"archived"`
}

// MigrationCursor 保存进行中的迁移，Request 为下一步的请求。
type MigrationCursor struct {
	Request  MigrateRequest  `json:"request"`
	Progress MigrateProgress `json:"progress"`
}

// TickReport 汇总一次调度的结果。
type TickReport struct {
	Mirrored int   `json:"mirrored"`
	Archived int64 `json:"archived"`
	Pruned   int64 `json:"pruned"`
}

// Runner 在每次调度中依次执行镜像、归档与清理，断点保存在 cursor.Store 中。
type Runner struct {
	svc      *Service
	conns    *connection.Service
	cursors  cursor.Store
	settings RunnerSettings
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewRunner 创建调度执行器。
func NewRunner(svc *Service, conns *connection.Service, cursors cursor.Store, settings RunnerSettings, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{svc: svc, conns: conns, cursors: cursors, settings: settings, now: time.Now, logger: logger}
}

// Tick 执行一次调度。各步骤互不影响，错误合并后返回。
func (r *Runner) Tick(ctx context.Context) (TickReport, error) {
	var (
		report TickReport
		errs   []error
	)

	if n, err := r.mirrorStep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	} else {
		report.Mirrored = n
	}
	if n, err := r.archiveStep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	} else {
		report.Archived = n
	}
	if n, err := r.pruneStep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("prune: %w", err))
	} else {
		report.Pruned = n
	}

	r.logger.Infow("transfer tick finished", "mirrored", report.Mirrored, "archived", report.Archived, "pruned", report.Pruned)
	return report, errors.Join(errs...)
}

func (r *Runner) configured(ctx context.Context, role connection.Role) (bool, error) {
	name, err := r.conns.RoleConnection(ctx, role)
	return name != "", err
}

func (r *Runner) mirrorStep(ctx context.Context) (int, error) {
	ok, err := r.configured(ctx, connection.RoleMirror)
	if err != nil || !ok {
		return 0, err
	}
	var pos MirrorCursor
	if _, err := r.cursors.Load(ctx, cursorMirror, &pos); err != nil {
		return 0, err
	}
	result, err := r.svc.Mirror(ctx, MirrorRequest{
		LastOccurrenceID: pos.LastOccurrenceID,
		LastCreatedOn:    pos.LastCreatedOn,
		Include:          r.settings.MirrorInclude,
		Exclude:          r.settings.MirrorExclude,
		Limit:            r.settings.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	if result.Last != nil {
		pos = MirrorCursor{LastOccurrenceID: result.Last.ID, LastCreatedOn: result.Last.CreatedOn}
		if err := r.cursors.Save(ctx, cursorMirror, pos); err != nil {
			return result.Count, err
		}
	}
	return result.Count, nil
}

func (r *Runner) archiveStep(ctx context.Context) (int64, error) {
	if r.settings.ArchiveAfter <= 0 && r.settings.ArchiveKeepLatest <= 0 {
		return 0, nil
	}
	ok, err := r.configured(ctx, connection.RoleArchive)
	if err != nil || !ok {
		return 0, err
	}
	req := ArchiveRequest{KeepLatest: r.settings.ArchiveKeepLatest, Limit: r.settings.BatchSize}
	if r.settings.ArchiveAfter > 0 {
		req.Before = r.now().Add(-r.settings.ArchiveAfter)
	}
	result, err := r.svc.Archive(ctx, req)
	if err != nil {
		return 0, err
	}
	deleted, err := r.svc.DeleteAfterArchive(ctx, result.IDs)
	if err != nil {
		return 0, err
	}
	return deleted, r.cursors.Save(ctx, cursorArchive, ArchiveCursor{LastRun: r.now(), Archived: deleted})
}

func (r *Runner) pruneStep(ctx context.Context) (int64, error) {
	req := PruneRequest{KeepLatest: r.settings.PruneKeepLatest, Limit: r.settings.BatchSize}
	if r.settings.PruneAfter > 0 {
		req.Before = r.now().Add(-r.settings.PruneAfter)
	}
	if req.Before.IsZero() && req.KeepLatest <= 0 {
		return 0, nil
	}
	return r.svc.Prune(ctx, req)
}

// StartMigration 保存一个新的迁移断点，覆盖未完成的迁移。
func (r *Runner) StartMigration(ctx context.Context, direction Direction, connectionName string) error {
	if _, ok := ParseDirection(string(direction)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}
	if connectionName == "" {
		return ErrConnectionRequired
	}
	state := MigrationCursor{Request: MigrateRequest{
		Direction:  direction,
		Connection: connectionName,
		Limit:      r.settings.BatchSize,
	}}
	return r.cursors.Save(ctx, cursorMigration, state)
}

// MigrationStep 执行保存的迁移的下一步。没有进行中的迁移时 ok=false。
func (r *Runner) MigrationStep(ctx context.Context) (MigrateProgress, bool, error) {
	var state MigrationCursor
	found, err := r.cursors.Load(ctx, cursorMigration, &state)
	if err != nil || !found {
		return MigrateProgress{}, false, err
	}
	progress, err := r.svc.Migrate(ctx, state.Request)
	if err != nil {
		return progress, true, err
	}
	if progress.Complete {
		return progress, true, r.cursors.Delete(ctx, cursorMigration)
	}
	state.Progress = progress
	state.Request.Index = progress.Index
	state.Request.IDOffset = progress.IDOffset
	return progress, true, r.cursors.Save(ctx, cursorMigration, state)
}

// Status 返回镜像与迁移断点，供管理接口展示。
func (r *Runner) Status(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	var mirror MirrorCursor
	if ok, err := r.cursors.Load(ctx, cursorMirror, &mirror); err != nil {
		return nil, err
	} else if ok {
		out[cursorMirror] = mirror
	}
	var archive ArchiveCursor
	if ok, err := r.cursors.Load(ctx, cursorArchive, &archive); err != nil {
		return nil, err
	} else if ok {
		out[cursorArchive] = archive
	}
	var migration MigrationCursor
	if ok, err := r.cursors.Load(ctx, cursorMigration, &migration); err != nil {
		return nil, err
	} else if ok {
		out[cursorMigration] = migration
	}
	return out, nil
}
