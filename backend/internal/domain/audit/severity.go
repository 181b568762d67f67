package audit

import "strings"

// Severity 表示事件定义上声明的严重级别标签。
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
	SeverityUnknown       Severity = "unknown"
)

// 严重级别对应的数值编码，写入 occurrences.severity 列。
const (
	SeverityCodeCritical      = 500
	SeverityCodeHigh          = 400
	SeverityCodeMedium        = 300
	SeverityCodeLow           = 250
	SeverityCodeInformational = 200
)

// DefaultSeverityCode 在标签无法映射时使用。
const DefaultSeverityCode = SeverityCodeInformational

// severityCodes 同时兼容旧版的 E_* 常量命名。
var severityCodes = map[string]int{
	"critical":      SeverityCodeCritical,
	"high":          SeverityCodeHigh,
	"medium":        SeverityCodeMedium,
	"low":           SeverityCodeLow,
	"informational": SeverityCodeInformational,
	"info":          SeverityCodeInformational,
	"e_critical":    SeverityCodeCritical,
	"e_warning":     SeverityCodeHigh,
	"e_notice":      SeverityCodeMedium,
	"e_debug":       SeverityCodeInformational,
}

// SeverityCode 把标签转换为数值编码，未知标签回退到 200。
func SeverityCode(label string) int {
	key := strings.ToLower(strings.TrimSpace(label))
	if code, ok := severityCodes[key]; ok {
		return code
	}
	return DefaultSeverityCode
}

// Code 返回当前级别的数值编码。
func (s Severity) Code() int {
	return SeverityCode(string(s))
}

// ParseSeverity 解析标签，无法识别时返回 SeverityUnknown。
func ParseSeverity(label string) Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical", "e_critical":
		return SeverityCritical
	case "high", "e_warning":
		return SeverityHigh
	case "medium", "e_notice":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "informational", "info", "e_debug":
		return SeverityInformational
	default:
		return SeverityUnknown
	}
}

// SeverityFromCode 由数值编码反推标签。
func SeverityFromCode(code int) Severity {
	switch code {
	case SeverityCodeCritical:
		return SeverityCritical
	case SeverityCodeHigh:
		return SeverityHigh
	case SeverityCodeMedium:
		return SeverityMedium
	case SeverityCodeLow:
		return SeverityLow
	case SeverityCodeInformational:
		return SeverityInformational
	default:
		return SeverityUnknown
	}
}
