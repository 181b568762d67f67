// Package transfer 在两个事件仓储之间分批搬运 occurrence 与 metadata，实现迁移、镜像与归档。
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/repository/query"
)

// DefaultBatchSize 是未指定 limit 时的单批行数。
const DefaultBatchSize = 100

// ErrNoArchivePolicy 表示归档请求既没有截止时间也没有保留条数。
var ErrNoArchivePolicy = errors.New("archive request needs a cutoff or a keep-latest count")

// Direction 是迁移方向。
type Direction string

const (
	// DirectionForward 从本地库迁往外部库。
	DirectionForward Direction = "forward"
	// DirectionBack 从外部库迁回本地库。
	DirectionBack Direction = "back"
)

// ParseDirection 解析迁移方向。
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(raw) {
	case DirectionForward, DirectionBack:
		return Direction(raw), true
	}
	return "", false
}

// MigrateRequest 描述一步迁移。Index 从 0 开始，IDOffset 取上一步返回的值。
type MigrateRequest struct {
	Direction  Direction `json:"direction"`
	Connection string    `json:"connection"`
	Index      int       `json:"index"`
	Limit      int       `json:"limit"`
	IDOffset   uint64    `json:"id_offset"`
}

// MigrateProgress 是一步迁移的结果，Index 为下一步应请求的页号。
type MigrateProgress struct {
	Index    int    `json:"index"`
	Complete bool   `json:"complete"`
	Count    int    `json:"count"`
	Total    int64  `json:"total"`
	IDOffset uint64 `json:"id_offset"`
}

// MirrorRequest 描述一次镜像，游标为上次最后一条记录的 id 与创建时间。
type MirrorRequest struct {
	LastOccurrenceID uint64  `json:"last_occurrence_id"`
	LastCreatedOn    float64 `json:"last_created_on"`
	Include          []int   `json:"include,omitempty"`
	Exclude          []int   `json:"exclude,omitempty"`
	Limit            int     `json:"limit"`
}

// MirrorResult 返回本批数量与最后一条记录，调用方据此保存新游标。
type MirrorResult struct {
	Count int               `json:"count"`
	Last  *audit.Occurrence `json:"last,omitempty"`
}

// ArchiveRequest 按截止时间或“只保留最新 N 条”选择待归档记录，Before 优先。
type ArchiveRequest struct {
	Before     time.Time `json:"before"`
	KeepLatest int       `json:"keep_latest"`
	Limit      int       `json:"limit"`
}

// ArchiveResult 返回已写入归档库的 occurrence id。
type ArchiveResult struct {
	IDs []uint64 `json:"ids"`
}

func batchSize(limit int) int {
	if limit <= 0 {
		return DefaultBatchSize
	}
	return limit
}

// copyBatch 把给定 occurrence 及其 metadata 写入目标库。
func copyBatch(ctx context.Context, src, dst *repository.OccurrenceRepository, rows []audit.Occurrence, offset uint64, mode repository.ConflictMode) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	meta, err := src.MetadataFor(ctx, ids)
	if err != nil {
		return err
	}
	if err := dst.Install(ctx); err != nil {
		return fmt.Errorf("install destination tables: %w", err)
	}
	return dst.Import(ctx, rows, meta, offset, mode)
}

// Migrate 按 index*limit 分页复制一批记录。正向迁移在第一步取目标库 MAX(id)+1 作为主键偏移，
// 目标库为空时偏移为 0；反向迁移保留原主键。读到不足一页时视为完成并删除源表。
func Migrate(ctx context.Context, src, dst *repository.OccurrenceRepository, req MigrateRequest) (MigrateProgress, error) {
	limit := batchSize(req.Limit)
	if req.Index < 0 {
		return MigrateProgress{}, fmt.Errorf("invalid migration index %d", req.Index)
	}

	offset := req.IDOffset
	if req.Index == 0 {
		offset = 0
		if err := dst.Install(ctx); err != nil {
			return MigrateProgress{}, fmt.Errorf("install destination tables: %w", err)
		}
		if req.Direction != DirectionBack {
			maxID, err := dst.MaxID(ctx)
			if err != nil {
				return MigrateProgress{}, fmt.Errorf("read destination max id: %w", err)
			}
			if maxID > 0 {
				offset = maxID + 1
			}
		}
	}

	rows, err := src.Page(ctx, req.Index*limit, limit)
	if err != nil {
		return MigrateProgress{}, fmt.Errorf("read migration page %d: %w", req.Index, err)
	}
	if err := copyBatch(ctx, src, dst, rows, offset, repository.ConflictUpdate); err != nil {
		return MigrateProgress{}, fmt.Errorf("write migration page %d: %w", req.Index, err)
	}

	progress := MigrateProgress{
		Index:    req.Index + 1,
		Count:    len(rows),
		Total:    int64(req.Index*limit + len(rows)),
		IDOffset: offset,
	}
	if len(rows) < limit {
		progress.Complete = true
		if err := src.Uninstall(ctx); err != nil {
			return progress, fmt.Errorf("drop migrated source tables: %w", err)
		}
	}
	return progress, nil
}

// Mirror 追加复制游标之后的记录，已存在的主键跳过，从不删除源数据。
func Mirror(ctx context.Context, src, dst *repository.OccurrenceRepository, req MirrorRequest) (MirrorResult, error) {
	var filters query.And
	if len(req.Include) > 0 {
		filters = append(filters, query.In{Column: "alert_id", Values: intsToAny(req.Include)})
	}
	if len(req.Exclude) > 0 {
		filters = append(filters, query.NotIn{Column: "alert_id", Values: intsToAny(req.Exclude)})
	}
	var extra query.Condition
	if len(filters) > 0 {
		extra = filters
	}

	rows, err := src.After(ctx, req.LastOccurrenceID, req.LastCreatedOn, extra, batchSize(req.Limit))
	if err != nil {
		return MirrorResult{}, fmt.Errorf("read mirror batch: %w", err)
	}
	if len(rows) == 0 {
		return MirrorResult{}, nil
	}
	if err := copyBatch(ctx, src, dst, rows, 0, repository.ConflictIgnore); err != nil {
		return MirrorResult{}, fmt.Errorf("write mirror batch: %w", err)
	}
	last := rows[len(rows)-1]
	return MirrorResult{Count: len(rows), Last: &last}, nil
}

// Archive 把选中的记录原样写入归档库，不删除源数据；删除由 DeleteAfterArchive 单独完成。
func Archive(ctx context.Context, src, dst *repository.OccurrenceRepository, req ArchiveRequest) (ArchiveResult, error) {
	limit := batchSize(req.Limit)
	var (
		ids []uint64
		err error
	)
	switch {
	case !req.Before.IsZero():
		ids, err = src.IDsBefore(ctx, req.Before, limit)
	case req.KeepLatest > 0:
		ids, err = src.IDsBeyondLatest(ctx, req.KeepLatest, limit)
	default:
		return ArchiveResult{}, ErrNoArchivePolicy
	}
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("select archive batch: %w", err)
	}

	rows, err := src.GetMany(ctx, ids)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("read archive batch: %w", err)
	}
	if err := copyBatch(ctx, src, dst, rows, 0, repository.ConflictUpdate); err != nil {
		return ArchiveResult{}, fmt.Errorf("write archive batch: %w", err)
	}

	archived := make([]uint64, len(rows))
	for i, row := range rows {
		archived[i] = row.ID
	}
	return ArchiveResult{IDs: archived}, nil
}

// DeleteAfterArchive 级联删除已确认写入归档库的记录。
func DeleteAfterArchive(ctx context.Context, src *repository.OccurrenceRepository, ids []uint64) (int64, error) {
	return src.DeleteByIDs(ctx, ids)
}

func intsToAny(values []int) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
