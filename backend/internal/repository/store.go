package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository/query"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotInstalled 表示目标表尚未创建，调用方应视为空结果处理。
var ErrNotInstalled = errors.New("audit table is not installed")

// DefaultTableCacheTTL 是表存在性缓存的默认有效期。
const DefaultTableCacheTTL = 60 * time.Second

// TableCache 缓存“某连接上某张表是否存在”的检查结果，避免每次写入都查询 information_schema。
type TableCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]tableEntry
	now     func() time.Time
}

type tableEntry struct {
	exists  bool
	expires time.Time
}

// NewTableCache 创建缓存，ttl<=0 时使用默认值。
func NewTableCache(ttl time.Duration) *TableCache {
	if ttl <= 0 {
		ttl = DefaultTableCacheTTL
	}
	return &TableCache{ttl: ttl, entries: make(map[string]tableEntry), now: time.Now}
}

func (c *TableCache) get(key string) (bool, bool) {
	if c == nil {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return false, false
	}
	return entry.exists, true
}

func (c *TableCache) set(key string, exists bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = tableEntry{exists: exists, expires: now.Add(c.ttl)}
}

// Len 返回当前缓存项数量。
func (c *TableCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TableCache) forget(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Reset 清空所有缓存项，切换连接配置后调用。
func (c *TableCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]tableEntry)
	c.mu.Unlock()
}

// Record 限定 Store 可以管理的模型类型。
type Record interface {
	audit.Occurrence | audit.Metadata | audit.Option
}

// ConflictMode 决定批量写入遇到主键冲突时的处理方式。
type ConflictMode int

const (
	// ConflictFail 直接返回数据库错误。
	ConflictFail ConflictMode = iota
	// ConflictUpdate 用新值覆盖已有行。
	ConflictUpdate
	// ConflictIgnore 保留已有行，跳过冲突的新行。
	ConflictIgnore
)

// Page 描述 LoadMulti 的排序与分页。
type Page struct {
	OrderBy string
	Limit   int
	Offset  int
}

// Store 是绑定到单张表 <prefix><suffix> 的通用存储适配器。
// scope 标识所在的数据库，同一 scope 下的句柄共享表存在性缓存。
type Store[T Record] struct {
	db    *gorm.DB
	kind  audit.Kind
	table string
	scope string
	cache *TableCache
}

// NewStore 为指定记录类型创建存储适配器。
func NewStore[T Record](db *gorm.DB, kind audit.Kind, prefix string, cache *TableCache) *Store[T] {
	return &Store[T]{db: db, kind: kind, table: kind.TableName(prefix), cache: cache}
}

// Table 返回完整表名。
func (s *Store[T]) Table() string {
	return s.table
}

// Kind 返回记录类型。
func (s *Store[T]) Kind() audit.Kind {
	return s.kind
}

// DB 返回底层连接。
func (s *Store[T]) DB() *gorm.DB {
	return s.db
}

// InScope 返回使用指定缓存作用域的副本。
func (s *Store[T]) InScope(scope string) *Store[T] {
	clone := *s
	clone.scope = scope
	return &clone
}

// WithDB 返回绑定到另一个连接的副本，表名与缓存保持不变。
func (s *Store[T]) WithDB(db *gorm.DB) *Store[T] {
	clone := *s
	clone.db = db
	return &clone
}

func (s *Store[T]) cacheKey() string {
	if s.scope != "" {
		return s.scope + ":" + s.table
	}
	return fmt.Sprintf("%p:%s", s.db.Config, s.table)
}

func (s *Store[T]) scoped(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Install 创建表及附加索引，表已存在时为空操作。
func (s *Store[T]) Install(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	db := s.db.WithContext(ctx)
	migrator := db.Table(s.table).Migrator()
	if migrator.HasTable(s.table) {
		s.cache.set(s.cacheKey(), true)
		return nil
	}
	if err := migrator.CreateTable(new(T)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	for _, stmt := range s.kind.IndexClauses(s.table) {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index on %s: %w", s.table, err)
		}
	}
	s.cache.set(s.cacheKey(), true)
	return nil
}

// Uninstall 删除表。
func (s *Store[T]) Uninstall(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	defer s.cache.forget(s.cacheKey())
	if err := s.db.WithContext(ctx).Migrator().DropTable(s.table); err != nil {
		return fmt.Errorf("drop table %s: %w", s.table, err)
	}
	return nil
}

// IsInstalled 检查表是否存在，结果按 TTL 缓存。
func (s *Store[T]) IsInstalled(ctx context.Context) bool {
	if s == nil || s.db == nil {
		return false
	}
	key := s.cacheKey()
	if exists, ok := s.cache.get(key); ok {
		return exists
	}
	exists := s.db.WithContext(ctx).Migrator().HasTable(s.table)
	s.cache.set(key, exists)
	return exists
}

func (s *Store[T]) ensure(ctx context.Context) error {
	if !s.IsInstalled(ctx) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, s.table)
	}
	return nil
}

// Save 写入一条记录：主键为零时插入并回写主键，否则按主键覆盖。
func (s *Store[T]) Save(ctx context.Context, rec *T) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.scoped(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// SaveMany 批量写入，冲突处理由 mode 决定。
func (s *Store[T]) SaveMany(ctx context.Context, recs []T, mode ConflictMode) error {
	if len(recs) == 0 {
		return nil
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return saveMany(s.scoped(ctx), recs, mode)
}

func saveMany[T Record](db *gorm.DB, recs []T, mode ConflictMode) error {
	if len(recs) == 0 {
		return nil
	}
	switch mode {
	case ConflictUpdate:
		db = db.Clauses(clause.OnConflict{UpdateAll: true})
	case ConflictIgnore:
		db = db.Clauses(clause.OnConflict{DoNothing: true})
	}
	return db.CreateInBatches(&recs, 100).Error
}

// Load 按主键读取，表不存在时同样返回 gorm.ErrRecordNotFound。
func (s *Store[T]) Load(ctx context.Context, id uint64) (*T, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, gorm.ErrRecordNotFound
	}
	var rec T
	if err := s.scoped(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadMulti 按条件读取多条记录。
func (s *Store[T]) LoadMulti(ctx context.Context, cond query.Condition, page Page) ([]T, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, nil
	}
	where, args, err := query.Render(cond)
	if err != nil {
		return nil, err
	}
	db := s.scoped(ctx)
	if where != "" {
		db = db.Where(where, args...)
	}
	if page.OrderBy != "" {
		db = db.Order(page.OrderBy)
	}
	if page.Limit > 0 {
		db = db.Limit(page.Limit)
	}
	if page.Offset > 0 {
		db = db.Offset(page.Offset)
	}
	var out []T
	if err := db.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LoadMultiQuery 执行完整的 SELECT 语句并映射为记录。
func (s *Store[T]) LoadMultiQuery(ctx context.Context, stmt string, args ...any) ([]T, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, nil
	}
	var out []T
	if err := s.db.WithContext(ctx).Raw(stmt, args...).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Delete 按主键删除一条记录。
func (s *Store[T]) Delete(ctx context.Context, id uint64) error {
	if err := s.ensure(ctx); err != nil {
		return nil
	}
	return s.scoped(ctx).Where("id = ?", id).Delete(new(T)).Error
}

// DeleteQuery 删除满足条件的记录，返回受影响行数。
func (s *Store[T]) DeleteQuery(ctx context.Context, cond query.Condition) (int64, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, nil
	}
	where, args, err := query.Render(cond)
	if err != nil {
		return 0, err
	}
	if where == "" {
		where = "1 = 1"
	}
	result := s.scoped(ctx).Where(where, args...).Delete(new(T))
	return result.RowsAffected, result.Error
}

// Count 统计满足条件的记录数。
func (s *Store[T]) Count(ctx context.Context, cond query.Condition) (int64, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, nil
	}
	where, args, err := query.Render(cond)
	if err != nil {
		return 0, err
	}
	db := s.scoped(ctx)
	if where != "" {
		db = db.Where(where, args...)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// CountQuery 执行返回单个整数的 COUNT 语句。
func (s *Store[T]) CountQuery(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).Raw(stmt, args...).Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// MaxID 返回当前最大主键，空表返回 0。
func (s *Store[T]) MaxID(ctx context.Context) (uint64, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, nil
	}
	var max sql.NullInt64
	if err := s.scoped(ctx).Select("MAX(id)").Row().Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
