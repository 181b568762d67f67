/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:39:17
 * @FilePath: \audit-trail-app\backend\internal\repository\user_repository.go
 * @LastEditTime: 2026-10-16 11:45:45
 */
package repository

import (
	"context"
	"time"

	"audit-trail-app/backend/internal/domain/user"

	"gorm.io/gorm"
)

// UserRepository 读取宿主用户表 <prefix>users。
type UserRepository struct {
	db    *gorm.DB
	table string
}

// NewUserRepository 创建用户仓储实例，表名为 prefix + "users"。
func NewUserRepository(db *gorm.DB, prefix string) *UserRepository {
	return &UserRepository{db: db, table: prefix + "users"}
}

func (r *UserRepository) scoped(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.table)
}

// Install 创建用户表，仅用于本地模式与测试；线上使用宿主已有的表。
func (r *UserRepository) Install(ctx context.Context) error {
	return r.scoped(ctx).AutoMigrate(&user.User{})
}

// Create 写入用户记录。
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	return r.scoped(ctx).Create(u).Error
}

// FindByID 根据主键查找用户，不存在时返回 gorm.ErrRecordNotFound。
func (r *UserRepository) FindByID(ctx context.Context, id uint64) (*user.User, error) {
	var u user.User
	if err := r.scoped(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByUsername 通过用户名查找用户。
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	var u user.User
	if err := r.scoped(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// TouchLogin 更新最近登录时间。
func (r *UserRepository) TouchLogin(ctx context.Context, id uint64, at time.Time) error {
	result := r.scoped(ctx).Where("id = ?", id).Update("last_login_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
