package middleware

import (
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"github.com/gin-gonic/gin"
)

// OfflineAuthMiddleware 在本地模式下注入固定用户，绕过 JWT 校验流程。
type OfflineAuthMiddleware struct {
	principal *auditsvc.Principal
}

// NewOfflineAuthMiddleware 构造用于离线模式的鉴权中间件。
func NewOfflineAuthMiddleware(principal auditsvc.Principal) *OfflineAuthMiddleware {
	return &OfflineAuthMiddleware{principal: &principal}
}

// Handle 将固定用户写入上下文。
func (m *OfflineAuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(principalKey, m.principal)
		c.Next()
	}
}
