package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	response "audit-trail-app/backend/internal/infra/common"
	auditsvc "audit-trail-app/backend/internal/service/audit"
	"audit-trail-app/backend/internal/service/registry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 用于透传请求 id。
const RequestIDHeader = "X-Request-ID"

// AuditPipeline 为每个请求创建审计管道，请求结束后统一提交延迟事件。
// 必须挂在鉴权中间件之后，才能拿到登录用户。
func AuditPipeline(manager *auditsvc.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		sessionID, _ := c.Get(sessionIDKey)
		sid, _ := sessionID.(string)
		req := manager.NewRequest(auditsvc.RequestContext{
			RequestID:    requestID,
			RemoteAddr:   c.Request.RemoteAddr,
			Header:       c.Request.Header,
			UserAgent:    c.Request.UserAgent(),
			User:         Principal(c),
			SwitchedUser: switchedUser(c),
			SessionID:    sid,
		})
		c.Set(auditRequestKey, req)

		defer func() {
			if rec := recover(); rec != nil {
				req.Trigger(c.Request.Context(), registry.CodeUncaughtPanic, map[string]any{
					"Message": fmt.Sprintf("%v", rec),
					"Stack":   string(debug.Stack()),
					"Path":    c.FullPath(),
				}, false)
				if !c.Writer.Written() {
					response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error", nil)
				}
				c.Abort()
			}
			req.CommitPipeline(c.Request.Context())
		}()

		c.Next()
	}
}

// sessionTracker 从请求上下文中读取会话 id，供 Manager 补全事件。
type sessionTracker struct{}

// SessionTracker 返回基于 RequestContext.SessionID 的会话跟踪实现。
func SessionTracker() auditsvc.SessionTracker {
	return sessionTracker{}
}

func (sessionTracker) SessionID(_ context.Context, rc auditsvc.RequestContext) string {
	return rc.SessionID
}
