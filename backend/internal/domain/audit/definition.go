package audit

import "strings"

// Pair 是有序映射中的一项，用于 metadata 与 links 声明。
type Pair struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Definition 描述一个已注册的事件类型，注册后不可修改。
type Definition struct {
	Code        int      `json:"code"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Description string   `json:"description"`
	Message     string   `json:"message"`
	Metadata    []Pair   `json:"metadata,omitempty"`
	Links       []Pair   `json:"links,omitempty"`
	Object      string   `json:"object"`
	EventType   string   `json:"event_type"`
}

// Render 用元数据替换消息模板里的 %Token% 占位符，缺失的占位符保持原样。
func (d Definition) Render(meta map[string]any) string {
	if d.Message == "" || len(meta) == 0 {
		return d.Message
	}
	var sb strings.Builder
	msg := d.Message
	for {
		start := strings.IndexByte(msg, '%')
		if start < 0 {
			sb.WriteString(msg)
			break
		}
		end := strings.IndexByte(msg[start+1:], '%')
		if end < 0 {
			sb.WriteString(msg)
			break
		}
		end += start + 1
		token := msg[start+1 : end]
		value, ok := meta[token]
		if !ok || token == "" {
			// 不是占位符，只消费当前的 %，后一个 % 可能是下一个占位符的开头。
			sb.WriteString(msg[:start+1])
			msg = msg[start+1:]
			continue
		}
		sb.WriteString(msg[:start])
		sb.WriteString(StringValue(value))
		msg = msg[end+1:]
	}
	return sb.String()
}
