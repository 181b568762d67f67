package audit

import (
	"context"
	"sort"
	"strconv"
	"strings"

	domain "audit-trail-app/backend/internal/domain/audit"
)

// WasTriggered 判断最近一条已存储的事件是否属于给定代码之一。
func (r *Request) WasTriggered(ctx context.Context, codes ...int) bool {
	latest, err := r.manager.storage.Latest(ctx, 1)
	if err != nil {
		r.logger.Warnw("load latest occurrence failed", "error", err)
		return false
	}
	return len(latest) > 0 && containsCode(codes, latest[0].AlertID)
}

// WasTriggeredRecently 检查最近几条事件中是否有给定代码且发生在时间窗口内。
// 结果在本请求内按代码组合缓存，重复调用不再查询数据库。
func (r *Request) WasTriggeredRecently(ctx context.Context, codes ...int) bool {
	key := codesKey(codes)
	r.mu.Lock()
	if hit, ok := r.recent[key]; ok {
		r.mu.Unlock()
		return hit
	}
	r.mu.Unlock()

	m := r.manager
	latest, err := m.storage.Latest(ctx, m.cfg.RecentDepth)
	if err != nil {
		r.logger.Warnw("load recent occurrences failed", "error", err)
		return false
	}
	now := m.now()
	hit := false
	for _, occ := range latest {
		if !containsCode(codes, occ.AlertID) {
			continue
		}
		if now.Sub(domain.FromTimestamp(occ.CreatedOn)) <= m.cfg.RecentWindow {
			hit = true
			break
		}
	}

	r.mu.Lock()
	r.recent[key] = hit
	r.mu.Unlock()
	return hit
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func codesKey(codes []int) string {
	sorted := append([]int(nil), codes...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, code := range sorted {
		parts[i] = strconv.Itoa(code)
	}
	return strings.Join(parts, ",")
}
