/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:42:09
 * @FilePath: \audit-trail-app\backend\internal\handler\auth_handler.go
 * @LastEditTime: 2026-10-16 10:42:06
 */
package handler

import (
	"errors"
	"net/http"

	response "audit-trail-app/backend/internal/infra/common"
	appLogger "audit-trail-app/backend/internal/infra/logger"
	"audit-trail-app/backend/internal/middleware"
	authsvc "audit-trail-app/backend/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler 负责登录与登出接口。
type AuthHandler struct {
	service *authsvc.Service
	logger  *zap.SugaredLogger
}

// NewAuthHandler 构造 AuthHandler。
func NewAuthHandler(service *authsvc.Service) *AuthHandler {
	return &AuthHandler{service: service, logger: appLogger.Component("auth.handler")}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 校验凭证并返回访问令牌。成功与失败都会写入审计日志。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	auditReq := middleware.AuditRequest(c)
	if auditReq == nil {
		h.logger.Errorw("login route mounted without audit pipeline")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "audit pipeline unavailable", nil)
		return
	}

	user, tokens, err := h.service.Login(c.Request.Context(), auditReq, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, authsvc.ErrInvalidLogin) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials, err.Error(), nil)
			return
		}
		h.logger.Errorw("login failed", "error", err, "username", req.Username)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "login failed", nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"user": user, "tokens": tokens}, nil)
}

// Logout 记录登出事件。
func (h *AuthHandler) Logout(c *gin.Context) {
	if req := middleware.AuditRequest(c); req != nil {
		h.service.Logout(c.Request.Context(), req)
	}
	response.NoContent(c)
}
