package registry

import (
	"fmt"

	"audit-trail-app/backend/internal/domain/audit"
)

// FromTuple 把旧版元组格式转换为标准定义，三种长度各自对应一个解析函数：
//
//	8 项: code, severity, description, message, metadata, links, object, event_type
//	6 项: code, severity, description, message, object, event_type
//	4 项: code, severity, description, message
func FromTuple(tuple []any) (audit.Definition, error) {
	switch len(tuple) {
	case 8:
		return fromTuple8(tuple)
	case 6:
		return fromTuple6(tuple)
	case 4:
		return fromTuple4(tuple)
	default:
		return audit.Definition{}, fmt.Errorf("%w: unsupported tuple length %d", ErrInvalidDefinition, len(tuple))
	}
}

func fromTuple8(tuple []any) (audit.Definition, error) {
	def, err := fromTuple4(tuple[:4])
	if err != nil {
		return def, err
	}
	if def.Metadata, err = tuplePairs(tuple[4]); err != nil {
		return def, fmt.Errorf("alert %d metadata: %w", def.Code, err)
	}
	if def.Links, err = tuplePairs(tuple[5]); err != nil {
		return def, fmt.Errorf("alert %d links: %w", def.Code, err)
	}
	def.Object = audit.StringValue(tuple[6])
	def.EventType = audit.StringValue(tuple[7])
	return def, nil
}

func fromTuple6(tuple []any) (audit.Definition, error) {
	def, err := fromTuple4(tuple[:4])
	if err != nil {
		return def, err
	}
	def.Object = audit.StringValue(tuple[4])
	def.EventType = audit.StringValue(tuple[5])
	return def, nil
}

func fromTuple4(tuple []any) (audit.Definition, error) {
	code, ok := tupleCode(tuple[0])
	if !ok {
		return audit.Definition{}, fmt.Errorf("%w: code %v is not an integer", ErrInvalidDefinition, tuple[0])
	}
	def := audit.Definition{
		Code:        code,
		Severity:    tupleSeverity(tuple[1]),
		Description: audit.StringValue(tuple[2]),
		Message:     audit.StringValue(tuple[3]),
	}
	return def, nil
}

func tupleCode(v any) (int, bool) {
	switch val := v.(type) {
	case int, int32, int64, uint, uint32, uint64, float64:
		return int(audit.IntValue(val)), true
	case string:
		n := audit.IntValue(val)
		if n == 0 && val != "0" && val != "0000" {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func tupleSeverity(v any) audit.Severity {
	switch val := v.(type) {
	case audit.Severity:
		return val
	case string:
		return audit.ParseSeverity(val)
	default:
		return audit.SeverityFromCode(int(audit.IntValue(val)))
	}
}

// tuplePairs 接受 []audit.Pair、[][2]string 或 map[string]string。
// map 没有顺序，按标签排序后输出。
func tuplePairs(v any) ([]audit.Pair, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []audit.Pair:
		return val, nil
	case [][2]string:
		out := make([]audit.Pair, len(val))
		for i, item := range val {
			out[i] = audit.Pair{Label: item[0], Value: item[1]}
		}
		return out, nil
	case map[string]string:
		return sortedPairs(val), nil
	default:
		return nil, fmt.Errorf("unsupported pair list %T", v)
	}
}
