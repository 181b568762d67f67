package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// 事件载荷中约定俗成的键名。
const (
	MetaClientIP         = "ClientIP"
	MetaOtherIPs         = "OtherIPs"
	MetaSeverity         = "Severity"
	MetaObject           = "Object"
	MetaEventType        = "EventType"
	MetaUserAgent        = "UserAgent"
	MetaCurrentUserRoles = "CurrentUserRoles"
	MetaUsername         = "Username"
	MetaCurrentUserID    = "CurrentUserID"
	MetaSessionID        = "SessionID"
	MetaPostStatus       = "PostStatus"
	MetaPostType         = "PostType"
	MetaPostID           = "PostID"
	MetaTimestamp        = "Timestamp"
	MetaSiteID           = "SiteID"
	MetaSiteURL          = "SiteURL"
)

// MetadataNameMaxLength 是 metadata.name 列的长度上限。
const MetadataNameMaxLength = 100

// PromotedColumnsVersion 标记 metadata -> 列 映射表的版本，映射变更时递增。
const PromotedColumnsVersion = 1

// promotedColumns 记录已经迁移到 occurrences 表的 metadata 名称及对应列名。
var promotedColumns = map[string]string{
	MetaClientIP:         "client_ip",
	MetaSeverity:         "severity",
	MetaObject:           "object",
	MetaEventType:        "event_type",
	MetaUserAgent:        "user_agent",
	MetaCurrentUserRoles: "user_roles",
	MetaUsername:         "username",
	MetaCurrentUserID:    "user_id",
	MetaSessionID:        "session_id",
	MetaPostStatus:       "post_status",
	MetaPostType:         "post_type",
	MetaPostID:           "post_id",
}

// PromotedColumn 返回 metadata 名称对应的提升列。
func PromotedColumn(name string) (string, bool) {
	column, ok := promotedColumns[name]
	return column, ok
}

// MetadataValue 是 JSON 编码的元数据值，落库为文本列。
// SQLite 的 JSON 列按数值亲和性保存数字，因此列类型固定为文本。
type MetadataValue datatypes.JSON

// GormDBDataType 固定为长文本列。
func (MetadataValue) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "mysql" {
		return "longtext"
	}
	return "text"
}

// Value 实现 driver.Valuer。
func (v MetadataValue) Value() (driver.Value, error) {
	return datatypes.JSON(v).Value()
}

// Scan 实现 sql.Scanner，兼容旧库中被存成数值的值。
func (v *MetadataValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*v = nil
		return nil
	case int64, float64, bool:
		raw, err := json.Marshal(x)
		if err != nil {
			return err
		}
		*v = MetadataValue(raw)
		return nil
	}
	var j datatypes.JSON
	if err := j.Scan(src); err != nil {
		return err
	}
	*v = append(MetadataValue(nil), j...)
	return nil
}

// MarshalJSON 原样输出 JSON。
func (v MetadataValue) MarshalJSON() ([]byte, error) {
	return datatypes.JSON(v).MarshalJSON()
}

// UnmarshalJSON 保存原始 JSON。
func (v *MetadataValue) UnmarshalJSON(b []byte) error {
	var j datatypes.JSON
	if err := j.UnmarshalJSON(b); err != nil {
		return err
	}
	*v = MetadataValue(j)
	return nil
}

// Metadata 是挂在某个 Occurrence 上的键值属性，value 以 JSON 编码保存。
type Metadata struct {
	ID           uint64        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OccurrenceID uint64        `gorm:"column:occurrence_id;not null" json:"occurrence_id"`
	Name         string        `gorm:"column:name;size:100;not null" json:"name"`
	Value        MetadataValue `gorm:"column:value" json:"value"`
}

// NewMetadata 编码 value 并校验名称长度。
func NewMetadata(occurrenceID uint64, name string, value any) (Metadata, error) {
	if name == "" || len(name) > MetadataNameMaxLength {
		return Metadata{}, fmt.Errorf("invalid metadata name %q", name)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Metadata{}, fmt.Errorf("encode metadata %s: %w", name, err)
	}
	return Metadata{
		OccurrenceID: occurrenceID,
		Name:         name,
		Value:        MetadataValue(raw),
	}, nil
}

// Decode 把 JSON 值解码为通用 Go 值，解码失败时返回原始字符串。
func (m Metadata) Decode() any {
	if len(m.Value) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(m.Value, &out); err != nil {
		return string(m.Value)
	}
	return out
}
