/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 22:37:41
 * @FilePath: \audit-trail-app\backend\internal\service\user\service.go
 * @LastEditTime: 2026-10-16 11:59:47
 */
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/repository"
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrUnknownUser 表示登录名在宿主用户表中不存在。
	ErrUnknownUser = errors.New("unknown username")
	// ErrWrongPassword 表示用户存在但密码不匹配。
	ErrWrongPassword = errors.New("password does not match")
)

// Service 是审计管道看到的宿主用户目录，同时提供凭证校验。
type Service struct {
	users *repository.UserRepository
}

// NewService 构造用户服务层实例。
func NewService(users *repository.UserRepository) *Service {
	return &Service{users: users}
}

// FindUser 实现 audit.UserDirectory。
func (s *Service) FindUser(ctx context.Context, id uint64) (*auditsvc.Principal, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auditsvc.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return Principal(u), nil
}

// Principal 把宿主用户转换为审计管道使用的身份。
func Principal(u *domain.User) *auditsvc.Principal {
	if u == nil {
		return nil
	}
	return &auditsvc.Principal{ID: u.ID, Username: u.Username, Roles: u.RoleList()}
}

// Authenticate 校验用户名与密码。区分未知用户与密码错误，便于记录不同的事件。
func (s *Service) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return u, ErrWrongPassword
	}
	return u, nil
}

// Create 以 bcrypt 哈希保存密码并写入用户。
func (s *Service) Create(ctx context.Context, u *domain.User, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash
	u.Roles = domain.JoinRoles(strings.Split(u.Roles, ","))
	return s.users.Create(ctx, u)
}

// HashPassword 使用 bcrypt 对明文密码加盐哈希。
func HashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
