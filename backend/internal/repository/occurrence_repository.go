package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository/query"

	"gorm.io/gorm"
)

// deleteChunk 控制级联删除时单条 IN 语句携带的主键数量。
const deleteChunk = 500

// OccurrenceRepository 封装 occurrences 与 metadata 两张表的读写，保证两者一致。
type OccurrenceRepository struct {
	db          *gorm.DB
	occurrences *Store[audit.Occurrence]
	metadata    *Store[audit.Metadata]
}

// NewOccurrenceRepository 基于给定连接与表前缀创建仓储。
func NewOccurrenceRepository(db *gorm.DB, prefix string, cache *TableCache) *OccurrenceRepository {
	return &OccurrenceRepository{
		db:          db,
		occurrences: NewStore[audit.Occurrence](db, audit.KindOccurrence, prefix, cache),
		metadata:    NewStore[audit.Metadata](db, audit.KindMetadata, prefix, cache),
	}
}

// InScope 返回按 scope 共享表存在性缓存的副本，scope 应唯一标识目标数据库。
func (r *OccurrenceRepository) InScope(scope string) *OccurrenceRepository {
	return &OccurrenceRepository{
		db:          r.db,
		occurrences: r.occurrences.InScope(scope),
		metadata:    r.metadata.InScope(scope),
	}
}

// WithDB 返回绑定到另一个连接的仓储副本。
func (r *OccurrenceRepository) WithDB(db *gorm.DB) *OccurrenceRepository {
	return &OccurrenceRepository{
		db:          db,
		occurrences: r.occurrences.WithDB(db),
		metadata:    r.metadata.WithDB(db),
	}
}

// DB 返回当前绑定的连接。
func (r *OccurrenceRepository) DB() *gorm.DB {
	return r.db
}

// Occurrences 暴露 occurrences 表的通用存储。
func (r *OccurrenceRepository) Occurrences() *Store[audit.Occurrence] {
	return r.occurrences
}

// Metadata 暴露 metadata 表的通用存储。
func (r *OccurrenceRepository) Metadata() *Store[audit.Metadata] {
	return r.metadata
}

// Tables 返回 [occurrences, metadata] 表名，供查询构造器使用。
func (r *OccurrenceRepository) Tables() []string {
	return []string{r.occurrences.Table(), r.metadata.Table()}
}

// Install 创建两张表。
func (r *OccurrenceRepository) Install(ctx context.Context) error {
	if err := r.occurrences.Install(ctx); err != nil {
		return err
	}
	return r.metadata.Install(ctx)
}

// Uninstall 删除两张表，metadata 先删。
func (r *OccurrenceRepository) Uninstall(ctx context.Context) error {
	if err := r.metadata.Uninstall(ctx); err != nil {
		return err
	}
	return r.occurrences.Uninstall(ctx)
}

// IsInstalled 两张表都存在时返回 true。
func (r *OccurrenceRepository) IsInstalled(ctx context.Context) bool {
	return r.occurrences.IsInstalled(ctx) && r.metadata.IsInstalled(ctx)
}

// Create 在一个事务内写入 occurrence 及其 metadata。
// 已提升为列的名称直接写入 occurrence，不再产生 metadata 行。
func (r *OccurrenceRepository) Create(ctx context.Context, occ *audit.Occurrence, meta map[string]any) error {
	if occ == nil {
		return errors.New("occurrence is nil")
	}
	if !r.IsInstalled(ctx) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, r.occurrences.Table())
	}

	names := make([]string, 0, len(meta))
	for name, value := range meta {
		if occ.SetPromoted(name, value) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(r.occurrences.Table()).Create(occ).Error; err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}
		if len(names) == 0 {
			return nil
		}
		rows := make([]audit.Metadata, 0, len(names))
		for _, name := range names {
			row, err := audit.NewMetadata(occ.ID, name, meta[name])
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		if err := tx.Table(r.metadata.Table()).Create(&rows).Error; err != nil {
			return fmt.Errorf("insert metadata: %w", err)
		}
		return nil
	})
}

// Import 在一个事务内写入已有主键的 occurrence 及其 metadata，用于迁移与镜像。
// metadata 总是分配新主键，occurrence_id 按 occurrence 的新主键改写。
func (r *OccurrenceRepository) Import(ctx context.Context, occs []audit.Occurrence, meta map[uint64][]audit.Metadata, idOffset uint64, mode ConflictMode) error {
	if len(occs) == 0 {
		return nil
	}
	if !r.IsInstalled(ctx) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, r.occurrences.Table())
	}

	rows := make([]audit.Occurrence, len(occs))
	var metaRows []audit.Metadata
	for i, occ := range occs {
		sourceID := occ.ID
		occ.ID = sourceID + idOffset
		rows[i] = occ
		for _, m := range meta[sourceID] {
			m.ID = 0
			m.OccurrenceID = occ.ID
			metaRows = append(metaRows, m)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if mode == ConflictUpdate {
			ids := make([]any, len(rows))
			for i, row := range rows {
				ids[i] = row.ID
			}
			if err := tx.Table(r.metadata.Table()).Where("occurrence_id IN ?", ids).Delete(&audit.Metadata{}).Error; err != nil {
				return fmt.Errorf("clear replaced metadata: %w", err)
			}
		}
		if mode == ConflictIgnore {
			existing, err := existingIDs(tx.Table(r.occurrences.Table()), rows)
			if err != nil {
				return err
			}
			rows, metaRows = skipExisting(rows, metaRows, existing)
			if len(rows) == 0 {
				return nil
			}
		}
		if err := saveMany(tx.Table(r.occurrences.Table()), rows, mode); err != nil {
			return fmt.Errorf("import occurrences: %w", err)
		}
		if err := saveMany(tx.Table(r.metadata.Table()), metaRows, ConflictFail); err != nil {
			return fmt.Errorf("import metadata: %w", err)
		}
		return nil
	})
}

func existingIDs(db *gorm.DB, rows []audit.Occurrence) (map[uint64]struct{}, error) {
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var found []uint64
	if err := db.Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("lookup existing occurrences: %w", err)
	}
	out := make(map[uint64]struct{}, len(found))
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func skipExisting(rows []audit.Occurrence, metaRows []audit.Metadata, existing map[uint64]struct{}) ([]audit.Occurrence, []audit.Metadata) {
	if len(existing) == 0 {
		return rows, metaRows
	}
	keptRows := rows[:0]
	for _, row := range rows {
		if _, ok := existing[row.ID]; !ok {
			keptRows = append(keptRows, row)
		}
	}
	keptMeta := metaRows[:0]
	for _, m := range metaRows {
		if _, ok := existing[m.OccurrenceID]; !ok {
			keptMeta = append(keptMeta, m)
		}
	}
	return keptRows, keptMeta
}

// Get 按主键读取 occurrence。
func (r *OccurrenceRepository) Get(ctx context.Context, id uint64) (*audit.Occurrence, error) {
	return r.occurrences.Load(ctx, id)
}

// GetMany 按主键升序返回指定 id 的记录，不存在的 id 被忽略。
func (r *OccurrenceRepository) GetMany(ctx context.Context, ids []uint64) ([]audit.Occurrence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.occurrences.LoadMulti(ctx, query.In{Column: "id", Values: toAny(ids)}, Page{OrderBy: "id ASC"})
}

// Meta 读取 occurrence 的单个属性，已提升的名称直接从列读取。
func (r *OccurrenceRepository) Meta(ctx context.Context, occ *audit.Occurrence, name string) (any, bool, error) {
	if occ == nil {
		return nil, false, nil
	}
	if value, ok := occ.Promoted(name); ok {
		return value, true, nil
	}
	rows, err := r.metadata.LoadMulti(ctx, query.And{
		query.Eq{Column: "occurrence_id", Value: occ.ID},
		query.Eq{Column: "name", Value: name},
	}, Page{OrderBy: "id DESC", Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].Decode(), true, nil
}

// MetaMap 合并 metadata 行与提升列，得到渲染消息所需的完整属性表。
func (r *OccurrenceRepository) MetaMap(ctx context.Context, occ *audit.Occurrence) (map[string]any, error) {
	if occ == nil {
		return nil, nil
	}
	grouped, err := r.MetadataFor(ctx, []uint64{occ.ID})
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(grouped[occ.ID])+16)
	for _, row := range grouped[occ.ID] {
		out[row.Name] = row.Decode()
	}
	for name, value := range occ.PromotedValues() {
		out[name] = value
	}
	out[audit.MetaTimestamp] = occ.CreatedOn
	return out, nil
}

// MetadataFor 批量读取多个 occurrence 的 metadata，按 occurrence_id 分组。
func (r *OccurrenceRepository) MetadataFor(ctx context.Context, ids []uint64) (map[uint64][]audit.Metadata, error) {
	out := make(map[uint64][]audit.Metadata, len(ids))
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		rows, err := r.metadata.LoadMulti(ctx, query.In{Column: "occurrence_id", Values: toAny(ids[start:end])}, Page{OrderBy: "id ASC"})
		if err != nil {
			return nil, fmt.Errorf("load metadata: %w", err)
		}
		for _, row := range rows {
			out[row.OccurrenceID] = append(out[row.OccurrenceID], row)
		}
	}
	return out, nil
}

func (r *OccurrenceRepository) withTables(q query.Query) query.Query {
	q.From = r.Tables()
	return q
}

// Query 执行结构化查询。
func (r *OccurrenceRepository) Query(ctx context.Context, q query.Query) ([]audit.Occurrence, error) {
	stmt, args, err := r.withTables(q).Build()
	if err != nil {
		return nil, err
	}
	return r.occurrences.LoadMultiQuery(ctx, stmt, args...)
}

// Count 返回结构化查询的总数，忽略分页。
func (r *OccurrenceRepository) Count(ctx context.Context, q query.Query) (int64, error) {
	stmt, args, err := r.withTables(q).BuildCount()
	if err != nil {
		return 0, err
	}
	return r.occurrences.CountQuery(ctx, stmt, args...)
}

// DeleteMatching 先解析匹配的 occurrence id，再级联删除 metadata 与 occurrence。
func (r *OccurrenceRepository) DeleteMatching(ctx context.Context, q query.Query) (int64, error) {
	if !r.IsInstalled(ctx) {
		return 0, nil
	}
	stmt, args, err := r.withTables(q).BuildIDs()
	if err != nil {
		return 0, err
	}
	var ids []uint64
	if err := r.db.WithContext(ctx).Raw(stmt, args...).Scan(&ids).Error; err != nil {
		return 0, fmt.Errorf("resolve occurrence ids: %w", err)
	}
	return r.DeleteByIDs(ctx, ids)
}

// DeleteByIDs 级联删除指定 occurrence，返回删除的 occurrence 数量。
func (r *OccurrenceRepository) DeleteByIDs(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 || !r.IsInstalled(ctx) {
		return 0, nil
	}
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			chunk := ids[start:end]
			if err := tx.Table(r.metadata.Table()).Where("occurrence_id IN ?", chunk).Delete(&audit.Metadata{}).Error; err != nil {
				return fmt.Errorf("delete metadata: %w", err)
			}
			result := tx.Table(r.occurrences.Table()).Where("id IN ?", chunk).Delete(&audit.Occurrence{})
			if result.Error != nil {
				return fmt.Errorf("delete occurrences: %w", result.Error)
			}
			deleted += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Latest 按创建时间倒序返回最近 n 条，可选限定事件代码。
func (r *OccurrenceRepository) Latest(ctx context.Context, n int, codes ...int) ([]audit.Occurrence, error) {
	var cond query.Condition
	if len(codes) > 0 {
		cond = query.In{Column: "alert_id", Values: toAny(codes)}
	}
	return r.occurrences.LoadMulti(ctx, cond, Page{OrderBy: "created_on DESC, id DESC", Limit: n})
}

// Page 按主键升序分页读取，供迁移使用。
func (r *OccurrenceRepository) Page(ctx context.Context, offset, limit int) ([]audit.Occurrence, error) {
	return r.occurrences.LoadMulti(ctx, nil, Page{OrderBy: "id ASC", Limit: limit, Offset: offset})
}

// After 读取游标之后的记录：created_on 更新，或 created_on 相同但 id 更大。
func (r *OccurrenceRepository) After(ctx context.Context, lastID uint64, lastCreatedOn float64, extra query.Condition, limit int) ([]audit.Occurrence, error) {
	cond := query.And{
		query.Or{
			query.Cmp{Column: "created_on", Op: ">", Value: lastCreatedOn},
			query.And{
				query.Eq{Column: "created_on", Value: lastCreatedOn},
				query.Cmp{Column: "id", Op: ">", Value: lastID},
			},
		},
	}
	if extra != nil {
		cond = append(cond, extra)
	}
	return r.occurrences.LoadMulti(ctx, cond, Page{OrderBy: "created_on ASC, id ASC", Limit: limit})
}

// CountAll 返回 occurrence 总数。
func (r *OccurrenceRepository) CountAll(ctx context.Context) (int64, error) {
	return r.occurrences.Count(ctx, nil)
}

// MaxID 返回当前最大的 occurrence 主键。
func (r *OccurrenceRepository) MaxID(ctx context.Context) (uint64, error) {
	return r.occurrences.MaxID(ctx)
}

// IDsBefore 返回创建时间不晚于 cutoff 的最早 limit 条记录的主键。
func (r *OccurrenceRepository) IDsBefore(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	rows, err := r.occurrences.LoadMulti(ctx, query.Cmp{Column: "created_on", Op: "<=", Value: audit.Timestamp(cutoff)},
		Page{OrderBy: "created_on ASC, id ASC", Limit: limit})
	if err != nil {
		return nil, err
	}
	return occurrenceIDs(rows), nil
}

// IDsBeyondLatest 返回排在最新 keep 条之外的最早 limit 条记录主键。
func (r *OccurrenceRepository) IDsBeyondLatest(ctx context.Context, keep, limit int) ([]uint64, error) {
	if !r.occurrences.IsInstalled(ctx) {
		return nil, nil
	}
	table := r.occurrences.Table()
	stmt := fmt.Sprintf(
		"SELECT id FROM %s WHERE id NOT IN (SELECT id FROM (SELECT id FROM %s ORDER BY created_on DESC, id DESC LIMIT ?) keep_rows) ORDER BY created_on ASC, id ASC",
		table, table,
	)
	args := []any{keep}
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}
	var ids []uint64
	if err := r.db.WithContext(ctx).Raw(stmt, args...).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("select ids beyond latest %d: %w", keep, err)
	}
	return ids, nil
}

// PruneBefore 删除不晚于 cutoff 的记录，limit>0 时单次最多删除 limit 条。
func (r *OccurrenceRepository) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	ids, err := r.IDsBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return r.DeleteByIDs(ctx, ids)
}

// PruneKeepLatest 只保留最新 keep 条记录。
func (r *OccurrenceRepository) PruneKeepLatest(ctx context.Context, keep, limit int) (int64, error) {
	ids, err := r.IDsBeyondLatest(ctx, keep, limit)
	if err != nil {
		return 0, err
	}
	return r.DeleteByIDs(ctx, ids)
}

func occurrenceIDs(rows []audit.Occurrence) []uint64 {
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
