package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"audit-trail-app/backend/internal/domain/audit"
	response "audit-trail-app/backend/internal/infra/common"
	appLogger "audit-trail-app/backend/internal/infra/logger"
	"audit-trail-app/backend/internal/infra/ratelimit"
	"audit-trail-app/backend/internal/middleware"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConnectionTestLimit 控制每个用户测试连接的频率。
type ConnectionTestLimit struct {
	Limit  int
	Window time.Duration
}

// ConnectionHandler 管理命名连接、角色分配与归档模式。
type ConnectionHandler struct {
	conns   *connection.Service
	limiter ratelimit.Limiter
	limit   ConnectionTestLimit
	logger  *zap.SugaredLogger
}

// NewConnectionHandler 构造 handler。limiter 为 nil 时不限流。
func NewConnectionHandler(conns *connection.Service, limiter ratelimit.Limiter, limit ConnectionTestLimit) *ConnectionHandler {
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &ConnectionHandler{
		conns:   conns,
		limiter: limiter,
		limit:   limit,
		logger:  appLogger.Component("connection.handler"),
	}
}

// List 返回全部命名连接（不含密码）与角色分配。
func (h *ConnectionHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.conns.ListConnections(ctx)
	if err != nil {
		h.logger.Errorw("list connections failed", "error", err)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "list connections failed", nil)
		return
	}
	roles, err := h.roles(c)
	if err != nil {
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"connections":  list,
		"roles":        roles,
		"archive_mode": h.conns.IsArchiveMode(),
	}, nil)
}

// Save 新建或更新连接。密码留空表示沿用原密码。
func (h *ConnectionHandler) Save(c *gin.Context) {
	var cfg audit.ConnectionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	if name := c.Param("name"); name != "" {
		cfg.Name = name
	}
	if err := h.conns.SaveConnection(c.Request.Context(), cfg); err != nil {
		h.fail(c, "save connection", err)
		return
	}
	h.logger.Infow("connection saved", "connection", cfg.Name, "hostname", cfg.Hostname)
	response.Success(c, http.StatusOK, gin.H{"connection": cfg.Redacted()}, nil)
}

// Delete 删除连接，仍被角色引用时返回 409。
func (h *ConnectionHandler) Delete(c *gin.Context) {
	if err := h.conns.DeleteConnection(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, "delete connection", err)
		return
	}
	response.NoContent(c)
}

type testConnectionRequest struct {
	audit.ConnectionConfig
	// Saved 为 true 时测试已保存的同名连接，忽略请求中的其它字段。
	Saved bool `json:"saved"`
}

// Test 测试连接可用性，失败时返回错误类别与 MySQL 错误号。
func (h *ConnectionHandler) Test(c *gin.Context) {
	if !h.allowTest(c) {
		return
	}
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}

	var err error
	if req.Saved {
		err = h.conns.TestNamed(c.Request.Context(), req.Name)
	} else {
		err = h.conns.TestConnection(c.Request.Context(), req.ConnectionConfig)
	}
	if err != nil {
		h.fail(c, "test connection", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"ok": true}, nil)
}

func (h *ConnectionHandler) allowTest(c *gin.Context) bool {
	if h.limiter == nil || h.limit.Limit <= 0 {
		return true
	}
	key := "conn-test:" + c.ClientIP()
	if p := middleware.Principal(c); p != nil {
		key = "conn-test:user:" + strconv.FormatUint(p.ID, 10)
	}
	res, err := h.limiter.Allow(c.Request.Context(), key, h.limit.Limit, h.limit.Window)
	if err != nil {
		h.logger.Warnw("rate limiter unavailable", "error", err)
		return true
	}
	if !res.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
		response.Fail(c, http.StatusTooManyRequests, response.ErrTooManyRequests, "too many connection tests", gin.H{"retry_after_seconds": int(res.RetryAfter.Seconds())})
		return false
	}
	return true
}

type assignRoleRequest struct {
	Connection string `json:"connection"`
}

// AssignRole 设置 adapter/archive/mirror 角色使用的连接，并记录 6002 事件。
func (h *ConnectionHandler) AssignRole(c *gin.Context) {
	role, ok := connection.ParseRole(c.Param("role"))
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "unknown role", nil)
		return
	}
	var req assignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	ctx := c.Request.Context()
	name := strings.TrimSpace(req.Connection)
	previous, err := h.conns.RoleConnection(ctx, role)
	if err != nil {
		h.fail(c, "load role", err)
		return
	}
	if err := h.conns.AssignRole(ctx, role, name); err != nil {
		h.fail(c, "assign role", err)
		return
	}

	if previous != name {
		label := name
		if label == "" {
			label = "none"
		}
		if req := middleware.AuditRequest(c); req != nil {
			req.Trigger(ctx, registry.CodeStorageConnChanged, map[string]any{
				"Role":       string(role),
				"Connection": label,
				"Previous":   previous,
			}, true)
		}
	}
	response.Success(c, http.StatusOK, gin.H{"role": role, "connection": name}, nil)
}

type archiveModeRequest struct {
	Enabled bool `json:"enabled"`
}

// ArchiveMode 开关归档模式。
func (h *ConnectionHandler) ArchiveMode(c *gin.Context) {
	var req archiveModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	if req.Enabled {
		if err := h.conns.EnableArchiveMode(c.Request.Context()); err != nil {
			h.fail(c, "enable archive mode", err)
			return
		}
	} else {
		h.conns.DisableArchiveMode()
	}
	response.Success(c, http.StatusOK, gin.H{"archive_mode": h.conns.IsArchiveMode()}, nil)
}

func (h *ConnectionHandler) roles(c *gin.Context) (map[connection.Role]string, error) {
	out := make(map[connection.Role]string, 3)
	for _, role := range connection.Roles() {
		name, err := h.conns.RoleConnection(c.Request.Context(), role)
		if err != nil {
			h.fail(c, "load roles", err)
			return nil, err
		}
		out[role] = name
	}
	return out, nil
}

// fail 把连接服务的错误映射为统一的错误响应。
func (h *ConnectionHandler) fail(c *gin.Context, op string, err error) {
	var connErr *connection.ConnectionError
	switch {
	case errors.As(err, &connErr):
		status := http.StatusBadGateway
		if connErr.Kind == connection.KindConfiguration {
			status = http.StatusBadRequest
		}
		response.Fail(c, status, response.ErrConnectionFailed, connErr.Error(), gin.H{
			"kind":   connErr.Kind,
			"number": connErr.Number,
		})
	case errors.Is(err, connection.ErrUnknownConnection):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound, err.Error(), nil)
	case errors.Is(err, connection.ErrReservedName):
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
	case errors.Is(err, connection.ErrConnectionInUse):
		response.Fail(c, http.StatusConflict, response.ErrConflict, err.Error(), nil)
	case errors.Is(err, connection.ErrArchiveNotConfigured):
		response.Fail(c, http.StatusConflict, response.ErrArchiveUnavailable, err.Error(), nil)
	default:
		h.logger.Errorw(op+" failed", "error", err)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, fmt.Sprintf("%s failed", op), nil)
	}
}
