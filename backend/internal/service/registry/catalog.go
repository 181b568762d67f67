package registry

import (
	"sort"

	"audit-trail-app/backend/internal/domain/audit"
)

// 内部日志通道使用的事件代码。
const (
	CodeUnexpectedError = 0
	CodeLogError        = 1
	CodeLogWarning      = 2
	CodeLogInfo         = 3
	CodeFatalError      = 4
	CodeUncaughtPanic   = 5

	CodeUserLogin          = 1000
	CodeUserLogout         = 1001
	CodeFailedLogin        = 1002
	CodeFailedLoginUnknown = 1003

	CodeEventsPruned        = 6000
	CodeProxySettingChanged = 6001
	CodeStorageConnChanged  = 6002
	CodeArchiveBatchDone    = 6003
	CodeMigrationFinished   = 6004
)

// 内置分组名称。
const (
	CategorySystem      = "System"
	CategoryUsersLogins = "Users Logins & Activity"
	CategoryAuditLog    = "Activity log plugin"
)

var deprecated = func() map[int]struct{} {
	codes := []int{
		2003, 2004, 2005, 2006, 2007, 2009, 2013, 2015, 2018, 2020, 2022, 2026, 2028,
		2029, 2030, 2031, 2032, 2033, 2034, 2035, 2036, 2037, 2038, 2039, 2040, 2041,
		2056, 2057, 2058, 2059, 2060, 2061, 2063, 2064, 2066, 2067, 2068, 2069, 2070,
		2072, 2075, 2076, 2087, 2088, 2102, 2103, 2104, 2105, 2107, 2108,
		2113, 2114, 2115, 2116, 2117, 2118,
		5020, 5021, 5026, 5027,
	}
	out := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		out[code] = struct{}{}
	}
	return out
}()

// DeprecatedCodes 返回升序排列的废弃代码列表。
func DeprecatedCodes() []int {
	out := make([]int, 0, len(deprecated))
	for code := range deprecated {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

// CoreGroup 返回服务自身会触发的内置事件定义。
func CoreGroup() Group {
	return Group{
		{
			Category:    CategorySystem,
			Subcategory: "System",
			Definitions: []audit.Definition{
				{Code: CodeUnexpectedError, Severity: audit.SeverityCritical, Description: "Unexpected error", Message: "%Message%", Object: "system", EventType: "error"},
				{Code: CodeLogError, Severity: audit.SeverityCritical, Description: "Internal error", Message: "%Message%", Object: "system", EventType: "error"},
				{Code: CodeLogWarning, Severity: audit.SeverityHigh, Description: "Internal warning", Message: "%Message%", Object: "system", EventType: "warning"},
				{Code: CodeLogInfo, Severity: audit.SeverityInformational, Description: "Internal notice", Message: "%Message%", Object: "system", EventType: "notice"},
				{Code: CodeFatalError, Severity: audit.SeverityCritical, Description: "Fatal error", Message: "%Message%", Object: "system", EventType: "error"},
				{Code: CodeUncaughtPanic, Severity: audit.SeverityCritical, Description: "Recovered panic", Message: "%Message%", Object: "system", EventType: "error"},
			},
		},
		{
			Category:    CategoryUsersLogins,
			Subcategory: "User Activity",
			Definitions: []audit.Definition{
				{Code: CodeUserLogin, Severity: audit.SeverityLow, Description: "User logged in", Message: "User logged in.", Object: "user", EventType: "login"},
				{Code: CodeUserLogout, Severity: audit.SeverityLow, Description: "User logged out", Message: "User logged out.", Object: "user", EventType: "logout"},
				{
					Code: CodeFailedLogin, Severity: audit.SeverityMedium, Description: "Login failed",
					Message:  "%Attempts% failed login(s).",
					Metadata: []audit.Pair{{Label: "Attempts", Value: "%Attempts%"}},
					Object:   "user", EventType: "failed-login",
				},
				{
					Code: CodeFailedLoginUnknown, Severity: audit.SeverityLow, Description: "Login failed / non existing user",
					Message:  "%Attempts% failed login(s) for %Users%.",
					Metadata: []audit.Pair{{Label: "Usernames", Value: "%Users%"}},
					Object:   "system", EventType: "failed-login",
				},
			},
		},
		{
			Category:    CategoryAuditLog,
			Subcategory: "Activity log settings",
			Definitions: []audit.Definition{
				{
					Code: CodeEventsPruned, Severity: audit.SeverityInformational, Description: "Events automatically pruned",
					Message:  "%EventCount% event(s) were deleted by the retention policy.",
					Metadata: []audit.Pair{{Label: "Deleted events", Value: "%EventCount%"}},
					Object:   "system", EventType: "deleted",
				},
				{Code: CodeProxySettingChanged, Severity: audit.SeverityHigh, Description: "Reverse proxy setting changed", Message: "Changed the trust proxy headers setting to %NewValue%.", Object: "system", EventType: "modified"},
				{Code: CodeStorageConnChanged, Severity: audit.SeverityHigh, Description: "Storage connection changed", Message: "Changed the %Role% connection to %Connection%.", Object: "system", EventType: "modified"},
				{
					Code: CodeArchiveBatchDone, Severity: audit.SeverityInformational, Description: "Events archived",
					Message:  "%EventCount% event(s) were moved to the archive database.",
					Metadata: []audit.Pair{{Label: "Archived events", Value: "%EventCount%"}},
					Object:   "system", EventType: "modified",
				},
				{Code: CodeMigrationFinished, Severity: audit.SeverityMedium, Description: "Activity log migrated", Message: "Migrated %EventCount% event(s) %Direction%.", Object: "system", EventType: "modified"},
			},
		},
	}
}

// CoreLoader 是内置事件的加载函数。
func CoreLoader(r *Registry) error {
	return r.RegisterGroup(CoreGroup())
}

func sortedPairs(m map[string]string) []audit.Pair {
	labels := make([]string, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	out := make([]audit.Pair, len(labels))
	for i, label := range labels {
		out[i] = audit.Pair{Label: label, Value: m[label]}
	}
	return out
}
