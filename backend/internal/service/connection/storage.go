package connection

import (
	"context"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository"
)

// Storage 把事件仓储绑定到当前的连接配置：写入走默认句柄，读取遵循归档模式。
type Storage struct {
	svc   *Service
	cache *repository.TableCache
}

// NewStorage 创建按连接解析的事件存储。
func NewStorage(svc *Service, cache *repository.TableCache) *Storage {
	return &Storage{svc: svc, cache: cache}
}

// Cache 返回表存在性缓存。
func (s *Storage) Cache() *repository.TableCache {
	return s.cache
}

// Writer 返回默认连接上的事件仓储。
func (s *Storage) Writer(ctx context.Context) (*repository.OccurrenceRepository, error) {
	handle, err := s.svc.Default(ctx)
	if err != nil {
		return nil, err
	}
	return handle.Occurrences(s.cache), nil
}

// Reader 返回读路径使用的仓储，用完后必须调用 release。
func (s *Storage) Reader(ctx context.Context) (*repository.OccurrenceRepository, func(), error) {
	if !s.svc.IsArchiveMode() {
		repo, err := s.Writer(ctx)
		return repo, func() {}, err
	}
	handle, err := s.svc.Archive(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := handle.Close(); err != nil {
			s.svc.logger.Warnw("close archive handle failed", "error", err)
		}
	}
	return handle.Occurrences(s.cache), release, nil
}

// Create 写入一条事件及其元数据。
func (s *Storage) Create(ctx context.Context, occ *audit.Occurrence, meta map[string]any) error {
	repo, err := s.Writer(ctx)
	if err != nil {
		return err
	}
	return repo.Create(ctx, occ, meta)
}

// Latest 返回默认连接上最新的 n 条事件。
func (s *Storage) Latest(ctx context.Context, n int, codes ...int) ([]audit.Occurrence, error) {
	repo, err := s.Writer(ctx)
	if err != nil {
		return nil, err
	}
	return repo.Latest(ctx, n, codes...)
}

// ArchiveMode 报告读取是否正指向归档库。
func (s *Storage) ArchiveMode() bool {
	return s.svc.IsArchiveMode()
}
