package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	domain "audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/infra/metrics"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/service/registry"

	"go.uber.org/zap"
)

// identity 是经过解析后的操作者。
type identity struct {
	UserID   uint64
	Username string
	Roles    []string
}

// item 是管道中排队等待提交的事件。
type item struct {
	code     int
	data     map[string]any
	cond     func() bool
	identity identity
}

// Request 保存单个请求内的管道队列、已触发集合与近期检查缓存，请求结束后丢弃。
type Request struct {
	manager *Manager
	rc      RequestContext
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	pipeline  []item
	triggered map[int]struct{}
	recent    map[string]bool
	flushed   bool
}

// Context 返回创建请求时传入的环境信息。
func (r *Request) Context() RequestContext {
	return r.rc
}

// Trigger 触发一个事件。deferred 为 true 时进入管道，等待请求结束统一提交。
func (r *Request) Trigger(ctx context.Context, code int, data map[string]any, deferred bool) {
	r.propose(ctx, code, data, nil, deferred)
}

// Emit 把事件放入管道，随请求结束一起提交。
func (r *Request) Emit(ctx context.Context, code int, data map[string]any) {
	r.propose(ctx, code, data, nil, true)
}

// TriggerIf 登记一个事件，cond 在管道提交时才求值。
func (r *Request) TriggerIf(ctx context.Context, code int, data map[string]any, cond func() bool) {
	r.propose(ctx, code, data, cond, true)
}

func (r *Request) propose(ctx context.Context, code int, data map[string]any, cond func() bool, deferred bool) {
	m := r.manager
	payload := make(map[string]any, len(data)+8)
	for k, v := range data {
		payload[k] = v
	}
	metrics.RecordEvent("triggered")

	if r.filteredBeforeIdentity(payload) {
		metrics.RecordEvent("filtered")
		return
	}

	id := r.resolveIdentity(payload)
	if m.filter.UserExcluded(id.Username, id.Roles) {
		metrics.RecordEvent("filtered")
		return
	}

	if _, ok := payload[domain.MetaTimestamp]; !ok {
		payload[domain.MetaTimestamp] = domain.Timestamp(m.now())
	}

	it := item{code: code, data: payload, cond: cond, identity: id}

	r.mu.Lock()
	if deferred && !r.flushed {
		r.pipeline = append(r.pipeline, it)
		r.mu.Unlock()
		metrics.RecordEvent("queued")
		return
	}
	r.mu.Unlock()

	// 管道已经提交过，后续的延迟事件不再排队，直接按条件提交。
	if cond != nil && !cond() {
		return
	}
	if err := r.commit(ctx, it); err != nil {
		metrics.RecordDrop("storage")
		r.logger.Errorw("commit audit event failed", "code", code, "error", err)
	}
}

// filteredBeforeIdentity 执行不依赖身份解析的过滤：来源 IP、文章类型与状态、请求中的已知用户。
func (r *Request) filteredBeforeIdentity(payload map[string]any) bool {
	m := r.manager
	ip := domain.StringValue(payload[domain.MetaClientIP])
	if ip == "" {
		ip, _ = r.rc.ClientIPs(m.cfg.TrustProxy)
	}
	if m.filter.IPExcluded(ip) {
		return true
	}
	postType := domain.StringValue(payload[domain.MetaPostType])
	postStatus := domain.StringValue(payload[domain.MetaPostStatus])
	if m.filter.PostExcluded(postType, postStatus) {
		return true
	}
	if u := r.rc.User; u != nil && m.filter.UserExcluded(u.Username, u.Roles) {
		return true
	}
	return false
}

// resolveIdentity 按 切换用户 -> 载荷 Username -> 当前登录用户 的顺序确定操作者。
func (r *Request) resolveIdentity(payload map[string]any) identity {
	if su := r.rc.SwitchedUser; su != nil {
		return identity{UserID: su.ID, Username: su.Username, Roles: su.Roles}
	}
	if name := domain.StringValue(payload[domain.MetaUsername]); name != "" {
		id := identity{
			Username: name,
			UserID:   uint64(domain.IntValue(payload[domain.MetaCurrentUserID])),
			Roles:    domain.StringSlice(payload[domain.MetaCurrentUserRoles]),
		}
		if len(id.Roles) == 0 && r.rc.User != nil && r.rc.User.Username == name {
			id.Roles = r.rc.User.Roles
		}
		return id
	}
	if u := r.rc.User; u != nil {
		return identity{UserID: u.ID, Username: u.Username, Roles: u.Roles}
	}
	return identity{UserID: uint64(domain.IntValue(payload[domain.MetaCurrentUserID]))}
}

// errDropped 表示事件被有意丢弃，不需要重试。
var errDropped = errors.New("audit event dropped")

// commit 写入单个事件。被有意丢弃时返回 nil，只有可重试的存储错误才返回 error。
func (r *Request) commit(ctx context.Context, it item) error {
	err := r.commitItem(ctx, it)
	if errors.Is(err, errDropped) {
		return nil
	}
	return err
}

func (r *Request) commitItem(ctx context.Context, it item) error {
	m := r.manager
	if m.IsDisabled(it.code) {
		metrics.RecordDrop("disabled")
		return errDropped
	}

	def, ok := m.registry.Alert(it.code)
	if !ok {
		m.registry.Reload()
		def, ok = m.registry.Alert(it.code)
	}
	if !ok {
		metrics.RecordDrop("unregistered")
		r.logger.Errorw("alert code is not registered, event dropped", "code", it.code)
		return errDropped
	}

	data := r.enrich(ctx, def, it)
	occ := &domain.Occurrence{
		AlertID:   it.code,
		CreatedOn: createdOn(data[domain.MetaTimestamp], m.now),
		SiteID:    uint64(domain.IntValue(data[domain.MetaSiteID])),
	}
	delete(data, domain.MetaTimestamp)
	delete(data, domain.MetaSiteID)

	if err := m.storage.Create(ctx, occ, data); err != nil {
		if errors.Is(err, repository.ErrNotInstalled) {
			metrics.RecordDrop("not_installed")
			r.logger.Warnw("audit tables are not installed, event dropped", "code", it.code)
			return errDropped
		}
		return fmt.Errorf("store alert %d: %w", it.code, err)
	}

	r.mu.Lock()
	r.triggered[it.code] = struct{}{}
	r.mu.Unlock()
	metrics.RecordEvent("committed")
	return nil
}

// CommitPipeline 按先进先出顺序提交管道中的事件，在请求结束时调用一次。
// 每个事件先出队再提交，提交失败的事件追加回队尾，再次调用时重试。
func (r *Request) CommitPipeline(ctx context.Context) {
	r.mu.Lock()
	r.flushed = true
	r.mu.Unlock()

	var failed []item
	for {
		r.mu.Lock()
		if len(r.pipeline) == 0 {
			r.pipeline = append(r.pipeline, failed...)
			r.mu.Unlock()
			return
		}
		it := r.pipeline[0]
		r.pipeline = r.pipeline[1:]
		r.mu.Unlock()

		if it.cond != nil && !it.cond() {
			continue
		}
		if err := r.commit(ctx, it); err != nil {
			r.logger.Errorw("commit queued audit event failed", "code", it.code, "error", err)
			failed = append(failed, it)
		}
	}
}

// Pending 返回仍在队列中的事件数量。
func (r *Request) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipeline)
}

// WillTrigger 判断事件是否在本请求的管道中等待提交。
func (r *Request) WillTrigger(code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.pipeline {
		if it.code == code {
			return true
		}
	}
	return false
}

// HasTriggered 判断事件是否已在本请求中写入。
func (r *Request) HasTriggered(code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.triggered[code]
	return ok
}

// WillOrHasTriggered 合并 WillTrigger 与 HasTriggered。
func (r *Request) WillOrHasTriggered(code int) bool {
	return r.WillTrigger(code) || r.HasTriggered(code)
}

// LogError 通过事件通道记录一条内部错误。
func (r *Request) LogError(ctx context.Context, message string, details map[string]any) {
	r.logger.Errorw(message, "context", details)
	r.internal(ctx, registry.CodeLogError, message, details)
}

// LogWarn 通过事件通道记录一条内部警告。
func (r *Request) LogWarn(ctx context.Context, message string, details map[string]any) {
	r.logger.Warnw(message, "context", details)
	r.internal(ctx, registry.CodeLogWarning, message, details)
}

// LogInfo 通过事件通道记录一条内部提示。
func (r *Request) LogInfo(ctx context.Context, message string, details map[string]any) {
	r.logger.Infow(message, "context", details)
	r.internal(ctx, registry.CodeLogInfo, message, details)
}

func (r *Request) internal(ctx context.Context, code int, message string, details map[string]any) {
	data := map[string]any{"Message": message}
	if len(details) > 0 {
		data["Context"] = details
	}
	r.Trigger(ctx, code, data, false)
}
