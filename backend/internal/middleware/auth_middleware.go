/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:41:15
 * @FilePath: \audit-trail-app\backend\internal\middleware\auth_middleware.go
 * @LastEditTime: 2026-10-16 11:38:14
 */
package middleware

import (
	"errors"
	"net/http"
	"strings"

	response "audit-trail-app/backend/internal/infra/common"
	"audit-trail-app/backend/internal/infra/token"
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdentityMiddleware 校验 Bearer Token，并把登录用户与切换用户写入上下文。
type IdentityMiddleware struct {
	tokens   *token.JWTManager
	users    auditsvc.UserDirectory
	optional bool
	logger   *zap.SugaredLogger
}

// NewIdentityMiddleware 创建鉴权中间件。optional 为 true 时缺少令牌的请求以匿名身份继续。
func NewIdentityMiddleware(tokens *token.JWTManager, users auditsvc.UserDirectory, optional bool, logger *zap.SugaredLogger) *IdentityMiddleware {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IdentityMiddleware{tokens: tokens, users: users, optional: optional, logger: logger}
}

// Handle 返回 Gin 中间件。
func (m *IdentityMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			if m.optional {
				c.Next()
				return
			}
			response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "missing authorization header", nil)
			c.Abort()
			return
		}

		claims, err := m.tokens.Parse(strings.TrimSpace(authHeader[7:]))
		if err != nil {
			response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "invalid token", nil)
			c.Abort()
			return
		}

		c.Set(principalKey, &auditsvc.Principal{ID: claims.UserID, Username: claims.Username, Roles: claims.Roles})
		c.Set(sessionIDKey, claims.SessionID)

		if claims.SwitchedUser != 0 && m.users != nil {
			switched, err := m.users.FindUser(c.Request.Context(), claims.SwitchedUser)
			switch {
			case err == nil:
				c.Set(switchedUserKey, switched)
			case errors.Is(err, auditsvc.ErrUserNotFound):
				m.logger.Warnw("switched user no longer exists", "user_id", claims.SwitchedUser)
			default:
				m.logger.Warnw("switched user lookup failed", "user_id", claims.SwitchedUser, "error", err)
			}
		}
		c.Next()
	}
}

// RequireRole 要求登录用户具有任一指定角色。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := Principal(c)
		if p == nil {
			response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "login required", nil)
			c.Abort()
			return
		}
		for _, have := range p.Roles {
			for _, want := range roles {
				if have == want {
					c.Next()
					return
				}
			}
		}
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "insufficient role", nil)
		c.Abort()
	}
}
