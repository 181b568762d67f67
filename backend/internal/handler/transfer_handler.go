package handler

import (
	"errors"
	"net/http"
	"time"

	response "audit-trail-app/backend/internal/infra/common"
	appLogger "audit-trail-app/backend/internal/infra/logger"
	"audit-trail-app/backend/internal/middleware"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/transfer"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TransferHandler 暴露迁移、镜像、归档与清理的单步接口，供管理界面轮询调用。
type TransferHandler struct {
	svc    *transfer.Service
	runner *transfer.Runner
	logger *zap.SugaredLogger
}

// NewTransferHandler 构造 handler。
func NewTransferHandler(svc *transfer.Service, runner *transfer.Runner) *TransferHandler {
	return &TransferHandler{svc: svc, runner: runner, logger: appLogger.Component("transfer.handler")}
}

// service 返回把系统事件记到当前操作者名下的传输服务。
func (h *TransferHandler) service(c *gin.Context) *transfer.Service {
	if req := middleware.AuditRequest(c); req != nil {
		return h.svc.Notify(req)
	}
	return h.svc
}

// Migrate 执行一步迁移，客户端用返回的 index/id_offset 发起下一步，直到 complete。
func (h *TransferHandler) Migrate(c *gin.Context) {
	var req transfer.MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	progress, err := h.service(c).Migrate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "migrate", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"progress": progress}, nil)
}

type startMigrationRequest struct {
	Direction  transfer.Direction `json:"direction" binding:"required"`
	Connection string             `json:"connection" binding:"required"`
}

// StartMigration 登记一个由后台调度推进的迁移。
func (h *TransferHandler) StartMigration(c *gin.Context) {
	var req startMigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	if err := h.runner.StartMigration(c.Request.Context(), req.Direction, req.Connection); err != nil {
		h.fail(c, "start migration", err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"direction": req.Direction, "connection": req.Connection}, nil)
}

// Mirror 把游标之后的事件追加到镜像库。
func (h *TransferHandler) Mirror(c *gin.Context) {
	var req transfer.MirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	result, err := h.service(c).Mirror(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "mirror", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": result}, nil)
}

type retentionRequest struct {
	Before     *time.Time `json:"before"`
	OlderThan  string     `json:"older_than"`
	KeepLatest int        `json:"keep_latest"`
	Limit      int        `json:"limit"`
}

// cutoff 返回 before 或 now-older_than，两者都为空时为零值。
func (r retentionRequest) cutoff(now time.Time) (time.Time, error) {
	if r.Before != nil {
		return *r.Before, nil
	}
	if r.OlderThan == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(r.OlderThan)
	if err != nil || d <= 0 {
		return time.Time{}, errors.New("older_than must be a positive duration")
	}
	return now.Add(-d), nil
}

// Archive 把选中的事件复制到归档库，源数据保留到 ConfirmArchive 调用。
func (h *TransferHandler) Archive(c *gin.Context) {
	var req retentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	before, err := req.cutoff(time.Now())
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	result, err := h.service(c).Archive(c.Request.Context(), transfer.ArchiveRequest{
		Before:     before,
		KeepLatest: req.KeepLatest,
		Limit:      req.Limit,
	})
	if err != nil {
		h.fail(c, "archive", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": result}, nil)
}

type confirmArchiveRequest struct {
	IDs []uint64 `json:"ids" binding:"required"`
}

// ConfirmArchive 删除已归档的事件。
func (h *TransferHandler) ConfirmArchive(c *gin.Context) {
	var req confirmArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	deleted, err := h.service(c).DeleteAfterArchive(c.Request.Context(), req.IDs)
	if err != nil {
		h.fail(c, "delete archived", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": deleted}, nil)
}

// Prune 按保留策略删除旧事件。
func (h *TransferHandler) Prune(c *gin.Context) {
	var req retentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	before, err := req.cutoff(time.Now())
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	if before.IsZero() && req.KeepLatest <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "before, older_than or keep_latest is required", nil)
		return
	}
	deleted, err := h.service(c).Prune(c.Request.Context(), transfer.PruneRequest{
		Before:     before,
		KeepLatest: req.KeepLatest,
		Limit:      req.Limit,
	})
	if err != nil {
		h.fail(c, "prune", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": deleted}, nil)
}

// Tick 立即执行一次后台调度，并推进进行中的迁移。
func (h *TransferHandler) Tick(c *gin.Context) {
	ctx := c.Request.Context()
	report, tickErr := h.runner.Tick(ctx)
	progress, migrating, err := h.runner.MigrationStep(ctx)
	if err != nil {
		h.fail(c, "migration step", err)
		return
	}
	body := gin.H{"report": report}
	if migrating {
		body["migration"] = progress
	}
	if tickErr != nil {
		h.logger.Warnw("transfer tick finished with errors", "error", tickErr)
		body["errors"] = tickErr.Error()
	}
	response.Success(c, http.StatusOK, body, nil)
}

// Status 返回各任务的断点。
func (h *TransferHandler) Status(c *gin.Context) {
	status, err := h.runner.Status(c.Request.Context())
	if err != nil {
		h.fail(c, "load status", err)
		return
	}
	response.Success(c, http.StatusOK, status, nil)
}

func (h *TransferHandler) fail(c *gin.Context, op string, err error) {
	var connErr *connection.ConnectionError
	switch {
	case errors.Is(err, transfer.ErrNoArchivePolicy),
		errors.Is(err, transfer.ErrConnectionRequired),
		errors.Is(err, transfer.ErrUnknownDirection):
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
	case errors.Is(err, connection.ErrUnknownConnection):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound, err.Error(), nil)
	case errors.Is(err, repository.ErrNotInstalled):
		response.Fail(c, http.StatusConflict, response.ErrConflict, err.Error(), nil)
	case errors.As(err, &connErr):
		response.Fail(c, http.StatusBadGateway, response.ErrConnectionFailed, connErr.Error(), gin.H{"kind": connErr.Kind, "number": connErr.Number})
	default:
		h.logger.Errorw(op+" failed", "error", err)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, op+" failed", nil)
	}
}
