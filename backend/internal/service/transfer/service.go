package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audit-trail-app/backend/internal/infra/metrics"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"

	"go.uber.org/zap"
)

var (
	// ErrConnectionRequired 表示迁移请求未指定外部连接。
	ErrConnectionRequired = errors.New("migration needs an external connection name")
	// ErrUnknownDirection 表示迁移方向既不是 forward 也不是 back。
	ErrUnknownDirection = errors.New("unknown migration direction")
)

// Notifier 接收传输完成后的系统事件。
type Notifier interface {
	Emit(ctx context.Context, code int, data map[string]any)
}

type noopNotifier struct{}

func (noopNotifier) Emit(context.Context, int, map[string]any) {}

// PruneRequest 描述一次保留策略清理，Before 与 KeepLatest 二选一，Before 优先。
type PruneRequest struct {
	Before     time.Time `json:"before"`
	KeepLatest int       `json:"keep_latest"`
	Limit      int       `json:"limit"`
}

// Service 把传输步骤绑定到连接服务：解析源/目标句柄、记录指标并发出系统事件。
type Service struct {
	conns    *connection.Service
	cache    *repository.TableCache
	notifier Notifier
	logger   *zap.SugaredLogger
}

// ServiceOption 用于定制 Service。
type ServiceOption func(*Service)

// WithNotifier 设置系统事件的接收方。
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService 创建传输服务。
func NewService(conns *connection.Service, cache *repository.TableCache, opts ...ServiceOption) *Service {
	s := &Service{
		conns:    conns,
		cache:    cache,
		notifier: noopNotifier{},
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify 返回使用另一个事件接收方的副本，常用于把事件归到当前请求的操作者名下。
func (s *Service) Notify(n Notifier) *Service {
	if n == nil {
		return s
	}
	clone := *s
	clone.notifier = n
	return &clone
}

func (s *Service) observe(operation string, started time.Time, rows int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ObserveTransferBatch(operation, status, time.Since(started), rows)
}

// Migrate 执行一步迁移。完成后默认连接切换到目标库，并发出迁移完成事件。
func (s *Service) Migrate(ctx context.Context, req MigrateRequest) (progress MigrateProgress, err error) {
	if req.Connection == "" {
		return MigrateProgress{}, ErrConnectionRequired
	}
	if req.Direction == "" {
		req.Direction = DirectionForward
	}
	if _, ok := ParseDirection(string(req.Direction)); !ok {
		return MigrateProgress{}, fmt.Errorf("%w: %q", ErrUnknownDirection, req.Direction)
	}

	started := time.Now()
	defer func() { s.observe("migrate", started, progress.Count, err) }()

	external, err := s.conns.Get(ctx, req.Connection)
	if err != nil {
		return MigrateProgress{}, err
	}
	defer external.Close()

	local := s.conns.Local().Occurrences(s.cache)
	remote := external.Occurrences(s.cache)
	src, dst := local, remote
	if req.Direction == DirectionBack {
		src, dst = remote, local
	}

	progress, err = Migrate(ctx, src, dst, req)
	if err != nil {
		return progress, err
	}
	s.logger.Infow("migration step finished", "direction", req.Direction, "connection", req.Connection,
		"index", req.Index, "count", progress.Count, "complete", progress.Complete)
	if !progress.Complete {
		return progress, nil
	}

	adapter := req.Connection
	label := "to the external database"
	if req.Direction == DirectionBack {
		adapter = ""
		label = "back to the local database"
	}
	if err := s.conns.AssignRole(ctx, connection.RoleAdapter, adapter); err != nil {
		return progress, fmt.Errorf("switch adapter connection: %w", err)
	}
	s.notifier.Emit(ctx, registry.CodeMigrationFinished, map[string]any{
		"EventCount": progress.Total,
		"Direction":  label,
	})
	return progress, nil
}

// Mirror 把默认库中游标之后的记录追加到镜像库。
func (s *Service) Mirror(ctx context.Context, req MirrorRequest) (result MirrorResult, err error) {
	started := time.Now()
	defer func() { s.observe("mirror", started, result.Count, err) }()

	source, err := s.conns.Default(ctx)
	if err != nil {
		return MirrorResult{}, err
	}
	target, err := s.conns.Mirror(ctx)
	if err != nil {
		return MirrorResult{}, err
	}
	defer target.Close()

	return Mirror(ctx, source.Occurrences(s.cache), target.Occurrences(s.cache), req)
}

// Archive 把默认库中选中的记录写入归档库，源数据保持不变。
func (s *Service) Archive(ctx context.Context, req ArchiveRequest) (result ArchiveResult, err error) {
	started := time.Now()
	defer func() { s.observe("archive", started, len(result.IDs), err) }()

	source, err := s.conns.Default(ctx)
	if err != nil {
		return ArchiveResult{}, err
	}
	target, err := s.conns.Archive(ctx)
	if err != nil {
		return ArchiveResult{}, err
	}
	defer target.Close()

	return Archive(ctx, source.Occurrences(s.cache), target.Occurrences(s.cache), req)
}

// DeleteAfterArchive 删除已归档的记录，并发出归档完成事件。
func (s *Service) DeleteAfterArchive(ctx context.Context, ids []uint64) (deleted int64, err error) {
	started := time.Now()
	defer func() { s.observe("archive_delete", started, int(deleted), err) }()

	source, err := s.conns.Default(ctx)
	if err != nil {
		return 0, err
	}
	deleted, err = DeleteAfterArchive(ctx, source.Occurrences(s.cache), ids)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		s.notifier.Emit(ctx, registry.CodeArchiveBatchDone, map[string]any{"EventCount": deleted})
	}
	return deleted, nil
}

// Prune 按保留策略删除默认库中的旧记录。
func (s *Service) Prune(ctx context.Context, req PruneRequest) (deleted int64, err error) {
	started := time.Now()
	defer func() { s.observe("prune", started, int(deleted), err) }()

	source, err := s.conns.Default(ctx)
	if err != nil {
		return 0, err
	}
	repo := source.Occurrences(s.cache)
	switch {
	case !req.Before.IsZero():
		deleted, err = repo.PruneBefore(ctx, req.Before, req.Limit)
	case req.KeepLatest > 0:
		deleted, err = repo.PruneKeepLatest(ctx, req.KeepLatest, req.Limit)
	default:
		return 0, nil
	}
	if err != nil {
		return deleted, fmt.Errorf("prune occurrences: %w", err)
	}
	if deleted > 0 {
		s.notifier.Emit(ctx, registry.CodeEventsPruned, map[string]any{"EventCount": deleted})
	}
	return deleted, nil
}
