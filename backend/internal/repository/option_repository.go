package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/repository/query"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OptionRepository 提供 options 表的键值读写。
type OptionRepository struct {
	store *Store[audit.Option]
}

// NewOptionRepository 构造仓储实例。
func NewOptionRepository(db *gorm.DB, prefix string, cache *TableCache) *OptionRepository {
	return &OptionRepository{store: NewStore[audit.Option](db, audit.KindOption, prefix, cache)}
}

// Install 创建 options 表。
func (r *OptionRepository) Install(ctx context.Context) error {
	return r.store.Install(ctx)
}

// Uninstall 删除 options 表。
func (r *OptionRepository) Uninstall(ctx context.Context) error {
	return r.store.Uninstall(ctx)
}

// Get 读取设置项，不存在时 ok=false。
func (r *OptionRepository) Get(ctx context.Context, name string) (string, bool, error) {
	rows, err := r.store.LoadMulti(ctx, query.Eq{Column: "option_name", Value: name}, Page{Limit: 1})
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Value, true, nil
}

// Set 按名称写入设置项，已存在时覆盖。
func (r *OptionRepository) Set(ctx context.Context, name, value string) error {
	if name == "" {
		return errors.New("option name is empty")
	}
	if err := r.store.ensure(ctx); err != nil {
		return err
	}
	row := audit.Option{Name: name, Value: value}
	err := r.store.scoped(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "option_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"option_value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save option %s: %w", name, err)
	}
	return nil
}

// Delete 删除设置项。
func (r *OptionRepository) Delete(ctx context.Context, name string) error {
	_, err := r.store.DeleteQuery(ctx, query.Eq{Column: "option_name", Value: name})
	return err
}

// ListPrefix 返回名称以 prefix 开头的全部设置项。
func (r *OptionRepository) ListPrefix(ctx context.Context, prefix string) ([]audit.Option, error) {
	rows, err := r.store.LoadMulti(ctx, query.Cmp{Column: "option_name", Op: "LIKE", Value: prefix + "%"}, Page{OrderBy: "option_name ASC"})
	if err != nil {
		return nil, err
	}
	// LIKE 中的 _ 是通配符，这里再按字面前缀过滤一次。
	out := rows[:0]
	for _, row := range rows {
		if strings.HasPrefix(row.Name, prefix) {
			out = append(out, row)
		}
	}
	return out, nil
}
