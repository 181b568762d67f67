package audit

import (
	"math"
	"strings"
	"time"
)

// Occurrence 对应 occurrences 表的一行，即一次事件触发。
// ClientIP 之后的字段是从 metadata 提升出来的列，便于直接过滤。
type Occurrence struct {
	ID         uint64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SiteID     uint64  `gorm:"column:site_id;not null;default:0" json:"site_id"`
	AlertID    int     `gorm:"column:alert_id;not null" json:"alert_id"`
	CreatedOn  float64 `gorm:"column:created_on;not null" json:"created_on"`
	ClientIP   string  `gorm:"column:client_ip;size:255" json:"client_ip"`
	Severity   int     `gorm:"column:severity;not null;default:0" json:"severity"`
	Object     string  `gorm:"column:object;size:255" json:"object"`
	EventType  string  `gorm:"column:event_type;size:255" json:"event_type"`
	UserAgent  string  `gorm:"column:user_agent;type:text" json:"user_agent"`
	UserRoles  string  `gorm:"column:user_roles;size:255" json:"user_roles"`
	Username   string  `gorm:"column:username;size:255" json:"username"`
	UserID     uint64  `gorm:"column:user_id;not null;default:0" json:"user_id"`
	SessionID  string  `gorm:"column:session_id;size:255" json:"session_id"`
	PostStatus string  `gorm:"column:post_status;size:255" json:"post_status"`
	PostType   string  `gorm:"column:post_type;size:255" json:"post_type"`
	PostID     uint64  `gorm:"column:post_id;not null;default:0" json:"post_id"`
}

// CreatedAt 把小数秒时间戳转换为 time.Time。
func (o Occurrence) CreatedAt() time.Time {
	return FromTimestamp(o.CreatedOn)
}

// Roles 拆分逗号分隔的角色列表。
func (o Occurrence) Roles() []string {
	if strings.TrimSpace(o.UserRoles) == "" {
		return nil
	}
	parts := strings.Split(o.UserRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

// SetPromoted 把 metadata 名称对应的值写进提升列，名称未被提升时返回 false。
func (o *Occurrence) SetPromoted(name string, value any) bool {
	switch name {
	case MetaClientIP:
		o.ClientIP = StringValue(value)
	case MetaSeverity:
		if s, ok := value.(string); ok {
			o.Severity = SeverityCode(s)
		} else {
			o.Severity = int(IntValue(value))
		}
	case MetaObject:
		o.Object = StringValue(value)
	case MetaEventType:
		o.EventType = StringValue(value)
	case MetaUserAgent:
		o.UserAgent = StringValue(value)
	case MetaCurrentUserRoles:
		o.UserRoles = strings.Join(StringSlice(value), ",")
	case MetaUsername:
		o.Username = StringValue(value)
	case MetaCurrentUserID:
		o.UserID = uint64(IntValue(value))
	case MetaSessionID:
		o.SessionID = StringValue(value)
	case MetaPostStatus:
		o.PostStatus = StringValue(value)
	case MetaPostType:
		o.PostType = StringValue(value)
	case MetaPostID:
		o.PostID = uint64(IntValue(value))
	default:
		return false
	}
	return true
}

// Promoted 读取提升列的值，名称未被提升时返回 false。
func (o Occurrence) Promoted(name string) (any, bool) {
	switch name {
	case MetaClientIP:
		return o.ClientIP, true
	case MetaSeverity:
		return o.Severity, true
	case MetaObject:
		return o.Object, true
	case MetaEventType:
		return o.EventType, true
	case MetaUserAgent:
		return o.UserAgent, true
	case MetaCurrentUserRoles:
		return o.Roles(), true
	case MetaUsername:
		return o.Username, true
	case MetaCurrentUserID:
		return o.UserID, true
	case MetaSessionID:
		return o.SessionID, true
	case MetaPostStatus:
		return o.PostStatus, true
	case MetaPostType:
		return o.PostType, true
	case MetaPostID:
		return o.PostID, true
	default:
		return nil, false
	}
}

// PromotedValues 返回所有提升列组成的 name -> value 映射。
func (o Occurrence) PromotedValues() map[string]any {
	values := make(map[string]any, len(promotedColumns))
	for name := range promotedColumns {
		if v, ok := o.Promoted(name); ok {
			values[name] = v
		}
	}
	return values
}

// Timestamp 返回微秒精度的小数秒时间戳。
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromTimestamp 是 Timestamp 的逆运算。
func FromTimestamp(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6)))
}
