package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTablePrefix   = "wp_"
	defaultTableCacheTTL = 60 * time.Second
	defaultServerPort    = "9090"
	defaultAccessTTL     = 15 * time.Minute
	defaultPruningLimit  = 0
	defaultBatchSize     = 100
	defaultConnTestLimit = 5
	defaultConnTestSpan  = time.Minute
	defaultRunTimeout    = 5 * time.Minute

	defaultBreakerFailures = 3
	defaultBreakerTimeout  = 30 * time.Second
)

// AuditSettings 汇总审计服务的全部 AUDIT_* 设置。
type AuditSettings struct {
	TablePrefix          string
	SiteID               uint64
	SiteURL              string
	Multisite            bool
	TrustProxy           bool
	ExcludedUsers        []string
	ExcludedRoles        []string
	ExcludedIPs          []string
	ExcludedPostTypes    []string
	ExcludedPostStatuses []string
	DisabledAlerts       []int
	// SystemLabels 形如 "woocommerce=WooCommerce,yoast=Yoast SEO"。
	SystemLabels map[string]string

	AdapterConnection string
	ArchiveConnection string
	MirrorConnection  string
	MasterSecret      string
	TableCacheTTL     time.Duration

	PruningDays  int
	PruningLimit int
}

// PruningEnabled 判断是否配置了任一保留策略。
func (s AuditSettings) PruningEnabled() bool {
	return s.PruningDays > 0 || s.PruningLimit > 0
}

// ServerSettings 描述 HTTP 服务与身份令牌的设置。
type ServerSettings struct {
	Port           string
	JWTSecret      string
	AccessTTL      time.Duration
	AllowedOrigins []string
	AccessLog      bool
	// ConnTestLimit 是每个窗口内允许的连接测试次数。
	ConnTestLimit  int
	ConnTestWindow time.Duration

	// AdminUsername 非空时启动阶段会确保该管理员存在。
	AdminUsername string
	AdminPassword string
	// OfflineAuth 仅在本地模式生效，所有请求都以 AdminUsername 的身份执行。
	OfflineAuth bool
}

// TransferSettings 描述定时传输任务的参数。
type TransferSettings struct {
	BatchSize         int
	MirrorInclude     []int
	MirrorExclude     []int
	ArchiveAfterDays  int
	ArchiveKeepLatest int
	// Schedule 为空时不在服务进程内调度，交给外部 cron 调用 cmd/transfer。
	Schedule        string
	RunTimeout      time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// LoadAuditSettings 读取 AUDIT_* 环境变量，格式错误时返回带变量名的错误。
func LoadAuditSettings() (AuditSettings, error) {
	LoadEnvFiles()

	s := AuditSettings{
		TablePrefix:          envOr("AUDIT_TABLE_PREFIX", defaultTablePrefix),
		SiteURL:              strings.TrimSpace(os.Getenv("AUDIT_SITE_URL")),
		ExcludedUsers:        splitList(os.Getenv("AUDIT_EXCLUDED_USERS")),
		ExcludedRoles:        splitList(os.Getenv("AUDIT_EXCLUDED_ROLES")),
		ExcludedIPs:          splitList(os.Getenv("AUDIT_EXCLUDED_IPS")),
		ExcludedPostTypes:    splitList(os.Getenv("AUDIT_EXCLUDED_POST_TYPES")),
		ExcludedPostStatuses: splitList(os.Getenv("AUDIT_EXCLUDED_POST_STATUSES")),
		AdapterConnection:    strings.TrimSpace(os.Getenv("AUDIT_ADAPTER_CONNECTION")),
		ArchiveConnection:    strings.TrimSpace(os.Getenv("AUDIT_ARCHIVE_CONNECTION")),
		MirrorConnection:     strings.TrimSpace(os.Getenv("AUDIT_MIRROR_CONNECTION")),
		MasterSecret:         os.Getenv("AUDIT_MASTER_SECRET"),
		TableCacheTTL:        defaultTableCacheTTL,
		SiteID:               1,
		PruningLimit:         defaultPruningLimit,
	}

	var err error
	if s.SiteID, err = uintEnv("AUDIT_SITE_ID", s.SiteID); err != nil {
		return AuditSettings{}, err
	}
	if s.Multisite, err = boolEnv("AUDIT_MULTISITE", false); err != nil {
		return AuditSettings{}, err
	}
	if s.TrustProxy, err = boolEnv("AUDIT_TRUST_PROXY", false); err != nil {
		return AuditSettings{}, err
	}
	if s.DisabledAlerts, err = intListEnv("AUDIT_DISABLED_ALERTS"); err != nil {
		return AuditSettings{}, err
	}
	if s.SystemLabels, err = labelsEnv("AUDIT_SYSTEM_LABELS"); err != nil {
		return AuditSettings{}, err
	}
	if s.TableCacheTTL, err = durationEnv("AUDIT_TABLE_CACHE_TTL", s.TableCacheTTL); err != nil {
		return AuditSettings{}, err
	}
	if s.PruningDays, err = intEnv("AUDIT_PRUNING_DAYS", 0); err != nil {
		return AuditSettings{}, err
	}
	if s.PruningLimit, err = intEnv("AUDIT_PRUNING_LIMIT", s.PruningLimit); err != nil {
		return AuditSettings{}, err
	}
	return s, nil
}

// LoadServerSettings 读取 SERVER_PORT、JWT_SECRET 与 JWT_ACCESS_TTL。
func LoadServerSettings() (ServerSettings, error) {
	LoadEnvFiles()

	s := ServerSettings{
		Port:           envOr("SERVER_PORT", defaultServerPort),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		AdminUsername:  strings.TrimSpace(os.Getenv("AUDIT_ADMIN_USERNAME")),
		AdminPassword:  os.Getenv("AUDIT_ADMIN_PASSWORD"),
	}
	var err error
	if s.AccessTTL, err = durationEnv("JWT_ACCESS_TTL", defaultAccessTTL); err != nil {
		return ServerSettings{}, err
	}
	if s.AccessLog, err = boolEnv("SERVER_ACCESS_LOG", true); err != nil {
		return ServerSettings{}, err
	}
	if s.ConnTestLimit, err = intEnv("AUDIT_CONN_TEST_LIMIT", defaultConnTestLimit); err != nil {
		return ServerSettings{}, err
	}
	if s.ConnTestWindow, err = durationEnv("AUDIT_CONN_TEST_WINDOW", defaultConnTestSpan); err != nil {
		return ServerSettings{}, err
	}
	if s.OfflineAuth, err = boolEnv("AUDIT_OFFLINE_AUTH", false); err != nil {
		return ServerSettings{}, err
	}
	if s.OfflineAuth && s.AdminUsername == "" {
		return ServerSettings{}, fmt.Errorf("AUDIT_OFFLINE_AUTH needs AUDIT_ADMIN_USERNAME")
	}
	if s.AdminUsername != "" && s.AdminPassword == "" {
		return ServerSettings{}, fmt.Errorf("AUDIT_ADMIN_PASSWORD is required when AUDIT_ADMIN_USERNAME is set")
	}
	return s, nil
}

// LoadTransferSettings 读取 AUDIT_BATCH_SIZE、AUDIT_MIRROR_* 与 AUDIT_ARCHIVE_* 设置。
func LoadTransferSettings() (TransferSettings, error) {
	LoadEnvFiles()

	var (
		s   TransferSettings
		err error
	)
	if s.BatchSize, err = intEnv("AUDIT_BATCH_SIZE", defaultBatchSize); err != nil {
		return TransferSettings{}, err
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MirrorInclude, err = intListEnv("AUDIT_MIRROR_INCLUDE"); err != nil {
		return TransferSettings{}, err
	}
	if s.MirrorExclude, err = intListEnv("AUDIT_MIRROR_EXCLUDE"); err != nil {
		return TransferSettings{}, err
	}
	if s.ArchiveAfterDays, err = intEnv("AUDIT_ARCHIVE_AFTER_DAYS", 0); err != nil {
		return TransferSettings{}, err
	}
	if s.ArchiveKeepLatest, err = intEnv("AUDIT_ARCHIVE_KEEP_LATEST", 0); err != nil {
		return TransferSettings{}, err
	}
	s.Schedule = strings.TrimSpace(os.Getenv("AUDIT_TRANSFER_SCHEDULE"))
	if s.RunTimeout, err = durationEnv("AUDIT_TRANSFER_TIMEOUT", defaultRunTimeout); err != nil {
		return TransferSettings{}, err
	}
	if s.BreakerFailures, err = intEnv("AUDIT_BREAKER_FAILURES", defaultBreakerFailures); err != nil {
		return TransferSettings{}, err
	}
	if s.BreakerTimeout, err = durationEnv("AUDIT_BREAKER_TIMEOUT", defaultBreakerTimeout); err != nil {
		return TransferSettings{}, err
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func uintEnv(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// durationEnv 接受 time.ParseDuration 格式，纯数字按秒处理。
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func intListEnv(key string) ([]int, error) {
	var out []int
	for _, part := range splitList(os.Getenv(key)) {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q", key, part)
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func labelsEnv(key string) (map[string]string, error) {
	labels := map[string]string{}
	for _, part := range splitList(os.Getenv(key)) {
		name, label, ok := strings.Cut(part, "=")
		name, label = strings.TrimSpace(name), strings.TrimSpace(label)
		if !ok || name == "" || label == "" {
			return nil, fmt.Errorf("invalid %s entry %q", key, part)
		}
		labels[name] = label
	}
	return labels, nil
}
