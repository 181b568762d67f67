package middleware

import (
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"github.com/gin-gonic/gin"
)

// Authenticator 抽象鉴权中间件，实现 Handle() 的结构体即可插入路由。
type Authenticator interface {
	Handle() gin.HandlerFunc
}

// gin 上下文中使用的键。
const (
	principalKey    = "audit.principal"
	switchedUserKey = "audit.switched_user"
	sessionIDKey    = "audit.session_id"
	auditRequestKey = "audit.request"
)

// Principal 返回当前请求的登录用户，未登录时为 nil。
func Principal(c *gin.Context) *auditsvc.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*auditsvc.Principal); ok {
			return p
		}
	}
	return nil
}

func switchedUser(c *gin.Context) *auditsvc.Principal {
	if v, ok := c.Get(switchedUserKey); ok {
		if p, ok := v.(*auditsvc.Principal); ok {
			return p
		}
	}
	return nil
}

// AuditRequest 返回 AuditPipeline 为当前请求创建的管道。
func AuditRequest(c *gin.Context) *auditsvc.Request {
	if v, ok := c.Get(auditRequestKey); ok {
		if r, ok := v.(*auditsvc.Request); ok {
			return r
		}
	}
	return nil
}
