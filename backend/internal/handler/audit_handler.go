package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"audit-trail-app/backend/internal/domain/audit"
	response "audit-trail-app/backend/internal/infra/common"
	appLogger "audit-trail-app/backend/internal/infra/logger"
	"audit-trail-app/backend/internal/repository/query"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 25
	maxPageSize     = 500
)

// AuditHandler 提供事件列表、详情、删除与事件目录接口。
type AuditHandler struct {
	storage  *connection.Storage
	registry *registry.Registry
	logger   *zap.SugaredLogger
}

// NewAuditHandler 构造 handler。
func NewAuditHandler(storage *connection.Storage, reg *registry.Registry) *AuditHandler {
	return &AuditHandler{storage: storage, registry: reg, logger: appLogger.Component("audit.handler")}
}

// occurrenceView 是列表与详情返回的事件结构，Message 为按定义渲染后的文本。
type occurrenceView struct {
	audit.Occurrence
	Message  string         `json:"message"`
	Category string         `json:"category,omitempty"`
	Agent    *agentView     `json:"agent,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// List 按筛选条件分页列出事件。归档模式下读取归档库。
func (h *AuditHandler) List(c *gin.Context) {
	q, page, pageSize, err := parseOccurrenceQuery(c)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	repo, release, err := h.storage.Reader(ctx)
	if err != nil {
		h.failStorage(c, "open reader", err)
		return
	}
	defer release()

	total, err := repo.Count(ctx, q)
	if err != nil {
		h.failStorage(c, "count occurrences", err)
		return
	}
	rows, err := repo.Query(ctx, q)
	if err != nil {
		h.failStorage(c, "list occurrences", err)
		return
	}

	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	meta, err := repo.MetadataFor(ctx, ids)
	if err != nil {
		h.failStorage(c, "load metadata", err)
		return
	}

	items := make([]occurrenceView, 0, len(rows))
	for _, row := range rows {
		items = append(items, h.view(row, meta[row.ID], false))
	}

	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	response.Success(c, http.StatusOK, gin.H{"items": items, "archive_mode": h.storage.ArchiveMode()}, response.MetaPagination{
		Page:         page,
		PageSize:     pageSize,
		TotalItems:   int(total),
		TotalPages:   totalPages,
		CurrentCount: len(items),
	})
}

// Get 返回单个事件及全部元数据。
func (h *AuditHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid id", nil)
		return
	}
	ctx := c.Request.Context()
	repo, release, err := h.storage.Reader(ctx)
	if err != nil {
		h.failStorage(c, "open reader", err)
		return
	}
	defer release()

	occ, err := repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound, "occurrence not found", nil)
			return
		}
		h.failStorage(c, "get occurrence", err)
		return
	}
	meta, err := repo.MetadataFor(ctx, []uint64{id})
	if err != nil {
		h.failStorage(c, "load metadata", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"occurrence": h.view(*occ, meta[id], true)}, nil)
}

type deleteOccurrencesRequest struct {
	IDs      []uint64 `json:"ids"`
	AlertIDs []int    `json:"alert_ids"`
	UserID   *uint64  `json:"user_id"`
	Before   float64  `json:"before"`
}

// Delete 级联删除匹配的事件，总是作用于当前写入库。
func (h *AuditHandler) Delete(c *gin.Context) {
	var req deleteOccurrencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error(), nil)
		return
	}
	var conds []query.Condition
	if len(req.IDs) > 0 {
		conds = append(conds, query.In{Column: "occ.id", Values: anySlice(req.IDs)})
	}
	if len(req.AlertIDs) > 0 {
		conds = append(conds, query.In{Column: "occ.alert_id", Values: anySlice(req.AlertIDs)})
	}
	if req.UserID != nil {
		conds = append(conds, query.Eq{Column: "occ.user_id", Value: *req.UserID})
	}
	if req.Before > 0 {
		conds = append(conds, query.Cmp{Column: "occ.created_on", Op: "<", Value: req.Before})
	}
	if len(conds) == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "at least one condition is required", nil)
		return
	}

	ctx := c.Request.Context()
	repo, err := h.storage.Writer(ctx)
	if err != nil {
		h.failStorage(c, "open writer", err)
		return
	}
	deleted, err := repo.DeleteMatching(ctx, query.Query{Conditions: conds})
	if err != nil {
		h.failStorage(c, "delete occurrences", err)
		return
	}
	h.logger.Infow("occurrences deleted", "deleted", deleted)
	response.Success(c, http.StatusOK, gin.H{"deleted": deleted}, nil)
}

// Alerts 返回已注册的事件定义，以及重复注册的代码。
func (h *AuditHandler) Alerts(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"alerts":     h.registry.Alerts(),
		"duplicates": h.registry.Duplicates(),
		"deprecated": registry.DeprecatedCodes(),
	}, nil)
}

func (h *AuditHandler) view(occ audit.Occurrence, rows []audit.Metadata, withMeta bool) occurrenceView {
	values := make(map[string]any, len(rows)+16)
	for _, row := range rows {
		values[row.Name] = row.Decode()
	}
	for name, value := range occ.PromotedValues() {
		values[name] = value
	}
	values[audit.MetaTimestamp] = occ.CreatedOn

	out := occurrenceView{Occurrence: occ, Agent: parseAgent(occ.UserAgent)}
	if def, ok := h.registry.Lookup(occ.AlertID); ok {
		out.Message = def.Render(values)
		out.Category = def.Category
	}
	if withMeta {
		out.Meta = values
	}
	return out
}

func (h *AuditHandler) failStorage(c *gin.Context, op string, err error) {
	h.logger.Errorw(op+" failed", "error", err)
	if errors.Is(err, connection.ErrArchiveNotConfigured) {
		response.Fail(c, http.StatusConflict, response.ErrArchiveUnavailable, err.Error(), nil)
		return
	}
	var connErr *connection.ConnectionError
	if errors.As(err, &connErr) {
		response.Fail(c, http.StatusBadGateway, response.ErrConnectionFailed, connErr.Error(), gin.H{"kind": connErr.Kind, "number": connErr.Number})
		return
	}
	response.Fail(c, http.StatusInternalServerError, response.ErrInternal, op+" failed", nil)
}

// parseOccurrenceQuery 把查询参数转换为结构化查询：
// alert_id 可重复，object/event_type/username/client_ip 精确匹配，from/to 为 Unix 秒。
func parseOccurrenceQuery(c *gin.Context) (query.Query, int, int, error) {
	page, err := positiveInt(c.DefaultQuery("page", "1"), 1)
	if err != nil {
		return query.Query{}, 0, 0, errors.New("invalid page")
	}
	pageSize, err := positiveInt(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)), defaultPageSize)
	if err != nil {
		return query.Query{}, 0, 0, errors.New("invalid page_size")
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var conds []query.Condition
	if raw := c.QueryArray("alert_id"); len(raw) > 0 {
		codes := make([]any, 0, len(raw))
		for _, part := range splitAll(raw) {
			code, err := strconv.Atoi(part)
			if err != nil {
				return query.Query{}, 0, 0, errors.New("invalid alert_id")
			}
			codes = append(codes, code)
		}
		conds = append(conds, query.In{Column: "occ.alert_id", Values: codes})
	}
	for param, column := range map[string]string{
		"object":     "occ.object",
		"event_type": "occ.event_type",
		"username":   "occ.username",
		"client_ip":  "occ.client_ip",
	} {
		if v := strings.TrimSpace(c.Query(param)); v != "" {
			conds = append(conds, query.Eq{Column: column, Value: v})
		}
	}
	if v := c.Query("user_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return query.Query{}, 0, 0, errors.New("invalid user_id")
		}
		conds = append(conds, query.Eq{Column: "occ.user_id", Value: id})
	}
	if v := c.Query("site_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return query.Query{}, 0, 0, errors.New("invalid site_id")
		}
		conds = append(conds, query.Eq{Column: "occ.site_id", Value: id})
	}
	if v := c.Query("severity"); v != "" {
		code := audit.SeverityCode(v)
		if n, err := strconv.Atoi(v); err == nil {
			code = n
		}
		conds = append(conds, query.Eq{Column: "occ.severity", Value: code})
	}
	if v := c.Query("from"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return query.Query{}, 0, 0, errors.New("invalid from")
		}
		conds = append(conds, query.Cmp{Column: "occ.created_on", Op: ">=", Value: ts})
	}
	if v := c.Query("to"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return query.Query{}, 0, 0, errors.New("invalid to")
		}
		conds = append(conds, query.Cmp{Column: "occ.created_on", Op: "<", Value: ts})
	}

	order := query.Order{Column: "occ.created_on", Desc: true}
	if strings.EqualFold(c.Query("order"), "asc") {
		order.Desc = false
	}
	q := query.Query{
		Conditions: conds,
		OrderBy:    []query.Order{order, {Column: "occ.id", Desc: order.Desc}},
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
		Search:     strings.TrimSpace(c.Query("search")),
	}
	return q, page, pageSize, nil
}

func positiveInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

func splitAll(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func anySlice[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
