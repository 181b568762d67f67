/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:40:06
 * @FilePath: \audit-trail-app\backend\internal\service\auth\service.go
 * @LastEditTime: 2026-10-16 11:52:16
 */
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	auditdomain "audit-trail-app/backend/internal/domain/audit"
	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/infra/token"
	auditsvc "audit-trail-app/backend/internal/service/audit"
	"audit-trail-app/backend/internal/service/registry"
	usersvc "audit-trail-app/backend/internal/service/user"

	"go.uber.org/zap"
)

// ErrInvalidLogin 对调用方隐藏失败的具体原因。
var ErrInvalidLogin = errors.New("invalid username or password")

// TokenManager 抽象出签发访问令牌的能力。
type TokenManager interface {
	Issue(user *domain.User) (token.TokenPair, error)
}

// Service 处理登录与登出，并把结果写入审计日志（1000/1001/1002/1003）。
type Service struct {
	users  *usersvc.Service
	repo   loginRecorder
	tokens TokenManager
	now    func() time.Time
	logger *zap.SugaredLogger
}

type loginRecorder interface {
	TouchLogin(ctx context.Context, id uint64, at time.Time) error
}

// NewService 创建鉴权服务。
func NewService(users *usersvc.Service, repo loginRecorder, tokens TokenManager, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{users: users, repo: repo, tokens: tokens, now: time.Now, logger: logger}
}

// Login 校验凭证并签发令牌。事件通过 req 进入当前请求的管道，在请求结束时统一提交。
func (s *Service) Login(ctx context.Context, req *auditsvc.Request, username, password string) (*domain.User, token.TokenPair, error) {
	log := s.logger.With("operation", "login", "username", username)

	user, err := s.users.Authenticate(ctx, username, password)
	switch {
	case errors.Is(err, usersvc.ErrUnknownUser):
		log.Warnw("login for unknown user")
		req.Trigger(ctx, registry.CodeFailedLoginUnknown, map[string]any{
			"Attempts": 1,
			"Users":    username,
		}, true)
		return nil, token.TokenPair{}, ErrInvalidLogin
	case errors.Is(err, usersvc.ErrWrongPassword):
		log.Warnw("password mismatch", "user_id", user.ID)
		req.Trigger(ctx, registry.CodeFailedLogin, map[string]any{
			"Attempts":      1,
			auditdomain.MetaUsername:      user.Username,
			auditdomain.MetaCurrentUserID: user.ID,
		}, true)
		return nil, token.TokenPair{}, ErrInvalidLogin
	case err != nil:
		return nil, token.TokenPair{}, err
	}

	if err := s.repo.TouchLogin(ctx, user.ID, s.now()); err != nil {
		return nil, token.TokenPair{}, fmt.Errorf("update last login: %w", err)
	}
	pair, err := s.tokens.Issue(user)
	if err != nil {
		return nil, token.TokenPair{}, err
	}

	principal := usersvc.Principal(user)
	req.Trigger(ctx, registry.CodeUserLogin, map[string]any{
		auditdomain.MetaUsername:         principal.Username,
		auditdomain.MetaCurrentUserID:    principal.ID,
		auditdomain.MetaCurrentUserRoles: principal.Roles,
		auditdomain.MetaSessionID:        pair.SessionID,
	}, true)
	log.Infow("login success", "user_id", user.ID)
	return user, pair, nil
}

// Logout 记录登出事件。令牌本身无状态，到期后自然失效。
func (s *Service) Logout(ctx context.Context, req *auditsvc.Request) {
	req.Trigger(ctx, registry.CodeUserLogout, nil, true)
}
