package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "audit-trail-app/backend/internal/domain/audit"
)

// 匿名或系统操作时使用的用户名标签。
const (
	LabelSystem      = "System"
	LabelUnknownUser = "Unknown User"
	LabelDeleted     = "Deleted"
)

// enrich 在写入前补齐环境与身份字段，返回新的载荷副本。
func (r *Request) enrich(ctx context.Context, def domain.Definition, it item) map[string]any {
	m := r.manager
	data := make(map[string]any, len(it.data)+12)
	for k, v := range it.data {
		data[k] = v
	}

	mainIP, otherIPs := r.rc.ClientIPs(m.cfg.TrustProxy)
	if isEmpty(data[domain.MetaClientIP]) && mainIP != "" {
		data[domain.MetaClientIP] = mainIP
	}
	if m.cfg.TrustProxy && isEmpty(data[domain.MetaOtherIPs]) && len(otherIPs) > 0 {
		data[domain.MetaOtherIPs] = otherIPs
	}
	if isEmpty(data[domain.MetaUserAgent]) {
		if ua := r.rc.userAgent(); ua != "" {
			data[domain.MetaUserAgent] = ua
		}
	}

	username, userID, roles := r.resolveUser(ctx, def, it.identity)
	data[domain.MetaUsername] = username
	data[domain.MetaCurrentUserID] = userID
	if isEmpty(data[domain.MetaCurrentUserRoles]) && len(roles) > 0 {
		data[domain.MetaCurrentUserRoles] = roles
	}

	if m.sessions != nil && isEmpty(data[domain.MetaSessionID]) {
		if sid := m.sessions.SessionID(ctx, r.rc); sid != "" {
			data[domain.MetaSessionID] = sid
		}
	}

	data[domain.MetaSeverity] = severityCode(data[domain.MetaSeverity], def.Severity)
	if isEmpty(data[domain.MetaObject]) && def.Object != "" {
		data[domain.MetaObject] = def.Object
	}
	if isEmpty(data[domain.MetaEventType]) && def.EventType != "" {
		data[domain.MetaEventType] = def.EventType
	}

	if m.cfg.Multisite {
		if isEmpty(data[domain.MetaSiteID]) {
			data[domain.MetaSiteID] = m.cfg.SiteID
		}
		if isEmpty(data[domain.MetaSiteURL]) && m.cfg.SiteURL != "" {
			data[domain.MetaSiteURL] = m.cfg.SiteURL
		}
	}
	return data
}

// resolveUser 生成最终的用户名/用户 id/角色。
// id 为 0 时按事件 object 给出 System、"<集成> System" 或 Unknown User；
// 其余情况通过用户目录查询，用户已删除时标记为 Deleted。
func (r *Request) resolveUser(ctx context.Context, def domain.Definition, id identity) (string, uint64, []string) {
	m := r.manager
	if id.UserID == 0 {
		if id.Username != "" {
			return id.Username, 0, id.Roles
		}
		return m.systemLabel(def.Object), 0, nil
	}
	if m.users == nil {
		return id.Username, id.UserID, id.Roles
	}
	user, err := m.users.FindUser(ctx, id.UserID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			r.logger.Warnw("user lookup failed", "user_id", id.UserID, "error", err)
			return id.Username, id.UserID, id.Roles
		}
		return LabelDeleted, id.UserID, id.Roles
	}
	if user == nil {
		return LabelDeleted, id.UserID, id.Roles
	}
	roles := id.Roles
	if len(roles) == 0 {
		roles = user.Roles
	}
	username := id.Username
	if username == "" {
		username = user.Username
	}
	return username, id.UserID, roles
}

func (m *Manager) systemLabel(object string) string {
	if object == "system" {
		return LabelSystem
	}
	if label, ok := m.cfg.SystemLabels[object]; ok && label != "" {
		return fmt.Sprintf("%s %s", label, LabelSystem)
	}
	return LabelUnknownUser
}

// severityCode 把载荷或定义中的级别转换为数值编码，无法映射时为 200。
func severityCode(value any, declared domain.Severity) int {
	switch v := value.(type) {
	case nil:
		return declared.Code()
	case string:
		if v == "" {
			return declared.Code()
		}
		if n := domain.IntValue(v); n > 0 {
			return int(n)
		}
		return domain.SeverityCode(v)
	case domain.Severity:
		return v.Code()
	default:
		if n := domain.IntValue(v); n > 0 {
			return int(n)
		}
		return declared.Code()
	}
}

func createdOn(value any, now func() time.Time) float64 {
	if ts, ok := domain.FloatValue(value); ok && ts > 0 {
		return ts
	}
	return domain.Timestamp(now())
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
