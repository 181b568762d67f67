// Package audit 实现事件触发管道：过滤、补全身份与环境信息，然后写入存储。
package audit

import (
	"context"
	"errors"
	"time"

	domain "audit-trail-app/backend/internal/domain/audit"
	"audit-trail-app/backend/internal/service/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 近期触发检查的默认参数。
const (
	DefaultRecentWindow = 5 * time.Second
	DefaultRecentDepth  = 5
)

// ErrUserNotFound 由 UserDirectory 在用户不存在时返回。
var ErrUserNotFound = errors.New("user not found")

// Config 汇总触发管道的运行参数。
type Config struct {
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
	// SystemLabels 把事件的 object 映射到集成名称，用于生成 "<集成> System" 用户名。
	SystemLabels map[string]string
	RecentWindow time.Duration
	RecentDepth  int
}

// Storage 是管道依赖的持久化能力。
type Storage interface {
	Create(ctx context.Context, occ *domain.Occurrence, meta map[string]any) error
	Latest(ctx context.Context, n int, codes ...int) ([]domain.Occurrence, error)
}

// UserDirectory 按 id 查询宿主用户，不存在时返回 ErrUserNotFound。
type UserDirectory interface {
	FindUser(ctx context.Context, id uint64) (*Principal, error)
}

// SessionTracker 为事件提供会话标识。
type SessionTracker interface {
	SessionID(ctx context.Context, rc RequestContext) string
}

// Option 用于定制 Manager。
type Option func(*Manager)

// WithUserDirectory 设置用户查询。
func WithUserDirectory(users UserDirectory) Option {
	return func(m *Manager) { m.users = users }
}

// WithSessionTracker 设置会话跟踪。
func WithSessionTracker(sessions SessionTracker) Option {
	return func(m *Manager) { m.sessions = sessions }
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager 在进程生命周期内持有注册表、存储与配置，并为每个请求创建 Request。
type Manager struct {
	registry *registry.Registry
	storage  Storage
	users    UserDirectory
	sessions SessionTracker
	cfg      Config
	filter   *Filter
	disabled map[int]struct{}
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewManager 创建触发管道。
func NewManager(reg *registry.Registry, storage Storage, cfg Config, opts ...Option) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	filter, err := NewFilter(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.RecentDepth <= 0 {
		cfg.RecentDepth = DefaultRecentDepth
	}
	disabled := make(map[int]struct{}, len(cfg.DisabledAlerts))
	for _, code := range cfg.DisabledAlerts {
		disabled[code] = struct{}{}
	}
	m := &Manager{
		registry: reg,
		storage:  storage,
		cfg:      cfg,
		filter:   filter,
		disabled: disabled,
		now:      time.Now,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Registry 返回事件注册表。
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// IsDisabled 判断事件代码是否在禁用列表中。
func (m *Manager) IsDisabled(code int) bool {
	_, ok := m.disabled[code]
	return ok
}

// NewRequest 为一次宿主请求创建管道状态。
func (m *Manager) NewRequest(rc RequestContext) *Request {
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	return &Request{
		manager:   m,
		rc:        rc,
		triggered: make(map[int]struct{}),
		recent:    make(map[string]bool),
		logger:    m.logger.With("request_id", rc.RequestID),
	}
}

// Emit 在没有宿主请求的场景（定时任务、命令行）下立即写入一个事件。
func (m *Manager) Emit(ctx context.Context, code int, data map[string]any) {
	m.NewRequest(RequestContext{}).Trigger(ctx, code, data, false)
}
