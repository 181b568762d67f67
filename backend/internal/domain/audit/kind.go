package audit

import "fmt"

// Kind 枚举存储层支持的记录类型，每种类型固定映射一张表。
type Kind int

const (
	KindOccurrence Kind = iota + 1
	KindMetadata
	KindOption
)

// Kinds 返回全部记录类型，安装/卸载时按此顺序处理。
func Kinds() []Kind {
	return []Kind{KindOccurrence, KindMetadata, KindOption}
}

// String 返回记录类型的名称。
func (k Kind) String() string {
	switch k {
	case KindOccurrence:
		return "occurrence"
	case KindMetadata:
		return "metadata"
	case KindOption:
		return "option"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TableSuffix 返回拼接在配置前缀之后的表名后缀。
func (k Kind) TableSuffix() string {
	switch k {
	case KindOccurrence:
		return "audit_occurrences"
	case KindMetadata:
		return "audit_metadata"
	case KindOption:
		return "audit_options"
	default:
		return ""
	}
}

// TableName 组合前缀与后缀得到完整表名。
func (k Kind) TableName(prefix string) string {
	return prefix + k.TableSuffix()
}

// NewModel 返回该类型对应的空模型指针，供建表使用。
func (k Kind) NewModel() any {
	switch k {
	case KindOccurrence:
		return &Occurrence{}
	case KindMetadata:
		return &Metadata{}
	case KindOption:
		return &Option{}
	default:
		return nil
	}
}

// IndexClauses 返回建表后需要额外执行的索引语句。
// 索引名带上表名，避免 SQLite 在同库多前缀时出现重名。
func (k Kind) IndexClauses(table string) []string {
	switch k {
	case KindOccurrence:
		return []string{
			fmt.Sprintf("CREATE INDEX %s_site_id ON %s (site_id)", table, table),
			fmt.Sprintf("CREATE INDEX %s_alert_id ON %s (alert_id)", table, table),
			fmt.Sprintf("CREATE INDEX %s_created_on ON %s (created_on)", table, table),
			fmt.Sprintf("CREATE INDEX %s_username ON %s (username)", table, table),
		}
	case KindMetadata:
		return []string{
			fmt.Sprintf("CREATE INDEX %s_occurrence_name ON %s (occurrence_id, name)", table, table),
		}
	default:
		return nil
	}
}
