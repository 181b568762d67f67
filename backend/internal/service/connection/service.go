// Package connection 解析并构建审计数据所在的数据库句柄：宿主本地库或命名的外部连接。
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"audit-trail-app/backend/internal/domain/audit"
	infra "audit-trail-app/backend/internal/infra/client"
	"audit-trail-app/backend/internal/infra/metrics"
	"audit-trail-app/backend/internal/infra/security"
	"audit-trail-app/backend/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	connectionOptionPrefix = "audit_connection_"
	roleOptionPrefix       = "audit_role_"
)

// Role 是连接承担的职责。
type Role string

const (
	RoleAdapter Role = "adapter"
	RoleArchive Role = "archive"
	RoleMirror  Role = "mirror"
)

// Roles 返回全部角色。
func Roles() []Role {
	return []Role{RoleAdapter, RoleArchive, RoleMirror}
}

// ParseRole 解析角色名称。
func ParseRole(raw string) (Role, bool) {
	for _, r := range Roles() {
		if strings.EqualFold(raw, string(r)) {
			return r, true
		}
	}
	return "", false
}

// OptionStore 是保存连接配置所需的 options 表能力。
type OptionStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	ListPrefix(ctx context.Context, prefix string) ([]audit.Option, error)
}

// Opener 根据连接配置与明文密码打开数据库，返回的 close 函数释放连接池。
type Opener func(ctx context.Context, cfg audit.ConnectionConfig, password string) (*gorm.DB, func() error, error)

// MySQLOpener 通过 go-sql-driver 打开外部 MySQL 连接。
func MySQLOpener(_ context.Context, cfg audit.ConnectionConfig, password string) (*gorm.DB, func() error, error) {
	mysqlCfg, err := infra.FromConnection(cfg, password)
	if err != nil {
		return nil, nil, configurationError(err)
	}
	if _, err := infra.BuildMySQLDSN(mysqlCfg); err != nil {
		return nil, nil, configurationError(err)
	}
	db, sqlDB, err := infra.NewGORMMySQL(mysqlCfg)
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB.Close, nil
}

// Handle 是一个已解析的数据库句柄及其表前缀。
type Handle struct {
	Name   string
	DB     *gorm.DB
	Prefix string
	// scope 标识句柄指向的数据库，重复打开同一连接时保持不变。
	scope  string
	close  func() error
}

// IsLocal 判断句柄是否为宿主本地库。
func (h *Handle) IsLocal() bool {
	return h.Name == audit.LocalConnection
}

// Close 释放外部连接，本地句柄不做任何事。
func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

// Occurrences 返回绑定到该句柄的事件仓储。
func (h *Handle) Occurrences(cache *repository.TableCache) *repository.OccurrenceRepository {
	repo := repository.NewOccurrenceRepository(h.DB, h.Prefix, cache)
	if h.scope == "" {
		return repo
	}
	return repo.InScope(h.scope)
}

// Settings 是连接角色的默认值，options 表中的设置优先。
type Settings struct {
	LocalPrefix string
	Adapter     string
	Archive     string
	Mirror      string
}

// Service 管理连接配置、默认句柄缓存与归档模式开关。
type Service struct {
	local    *gorm.DB
	options  OptionStore
	cipher   *security.Cipher
	opener   Opener
	settings Settings
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	defaultConn *Handle
	archiveMode atomic.Bool
}

// ServiceOption 用于定制 Service。
type ServiceOption func(*Service)

// WithOpener 替换外部连接的打开方式，测试使用。
func WithOpener(opener Opener) ServiceOption {
	return func(s *Service) {
		if opener != nil {
			s.opener = opener
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService 创建连接服务。
func NewService(local *gorm.DB, options OptionStore, cipher *security.Cipher, settings Settings, opts ...ServiceOption) (*Service, error) {
	if local == nil {
		return nil, errors.New("local database is required")
	}
	if options == nil {
		return nil, errors.New("option store is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	s := &Service{
		local:    local,
		options:  options,
		cipher:   cipher,
		opener:   MySQLOpener,
		settings: settings,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Local 返回宿主本地库句柄。
func (s *Service) Local() *Handle {
	return &Handle{Name: audit.LocalConnection, DB: s.local, Prefix: s.settings.LocalPrefix, scope: audit.LocalConnection}
}

// RoleConnection 返回承担该角色的连接名，空字符串表示未配置。
func (s *Service) RoleConnection(ctx context.Context, role Role) (string, error) {
	name, ok, err := s.options.Get(ctx, roleOptionPrefix+string(role))
	if err != nil {
		return "", fmt.Errorf("load %s connection: %w", role, err)
	}
	if ok {
		return name, nil
	}
	switch role {
	case RoleAdapter:
		return s.settings.Adapter, nil
	case RoleArchive:
		return s.settings.Archive, nil
	case RoleMirror:
		return s.settings.Mirror, nil
	}
	return "", nil
}

// AssignRole 指定承担角色的连接，name 为空表示清除。修改 adapter 会丢弃缓存的默认句柄。
func (s *Service) AssignRole(ctx context.Context, role Role, name string) error {
	if name != "" && name != audit.LocalConnection {
		if _, err := s.Connection(ctx, name); err != nil {
			return err
		}
	}
	if err := s.options.Set(ctx, roleOptionPrefix+string(role), name); err != nil {
		return err
	}
	if role == RoleAdapter {
		s.resetDefault()
	}
	if role == RoleArchive && name == "" {
		s.archiveMode.Store(false)
	}
	return nil
}

// Default 返回缓存的默认句柄，未配置 adapter 时为本地库。
func (s *Service) Default(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultConn != nil {
		return s.defaultConn, nil
	}
	name, err := s.RoleConnection(ctx, RoleAdapter)
	if err != nil {
		return nil, err
	}
	handle, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	s.defaultConn = handle
	return handle, nil
}

func (s *Service) resetDefault() {
	s.mu.Lock()
	old := s.defaultConn
	s.defaultConn = nil
	s.mu.Unlock()
	if err := old.Close(); err != nil {
		s.logger.Warnw("close previous default connection failed", "error", err)
	}
}

// Get 为命名连接构建新句柄，不做缓存。空名称与 local 返回本地库。
func (s *Service) Get(ctx context.Context, name string) (*Handle, error) {
	if name == "" || name == audit.LocalConnection {
		return s.Local(), nil
	}
	cfg, err := s.Connection(ctx, name)
	if err != nil {
		return nil, err
	}
	db, closer, err := s.opener(ctx, cfg, s.password(cfg))
	if err != nil {
		return nil, fmt.Errorf("open connection %s: %w", name, classify(err))
	}
	prefix := cfg.BasePrefix
	if prefix == "" {
		prefix = s.settings.LocalPrefix
	}
	return &Handle{Name: name, DB: db, Prefix: prefix, scope: endpointKey(cfg), close: closer}, nil
}

// Archive 返回归档连接句柄，未配置时返回 ErrArchiveNotConfigured。
func (s *Service) Archive(ctx context.Context) (*Handle, error) {
	return s.roleHandle(ctx, RoleArchive)
}

// Mirror 返回镜像连接句柄。
func (s *Service) Mirror(ctx context.Context) (*Handle, error) {
	return s.roleHandle(ctx, RoleMirror)
}

func (s *Service) roleHandle(ctx context.Context, role Role) (*Handle, error) {
	name, err := s.RoleConnection(ctx, role)
	if err != nil {
		return nil, err
	}
	if name == "" {
		if role == RoleArchive {
			return nil, ErrArchiveNotConfigured
		}
		return nil, fmt.Errorf("%w: no %s connection", ErrUnknownConnection, role)
	}
	return s.Get(ctx, name)
}

// EnableArchiveMode 让读路径改为查询归档库。
func (s *Service) EnableArchiveMode(ctx context.Context) error {
	name, err := s.RoleConnection(ctx, RoleArchive)
	if err != nil {
		return err
	}
	if name == "" {
		return ErrArchiveNotConfigured
	}
	s.archiveMode.Store(true)
	return nil
}

// DisableArchiveMode 恢复读取默认库。
func (s *Service) DisableArchiveMode() {
	s.archiveMode.Store(false)
}

// IsArchiveMode 返回归档模式开关。
func (s *Service) IsArchiveMode() bool {
	return s.archiveMode.Load()
}

// Source 返回读路径应使用的句柄。归档模式下是新建的归档句柄，调用方负责 Close。
func (s *Service) Source(ctx context.Context) (*Handle, error) {
	if s.IsArchiveMode() {
		return s.Archive(ctx)
	}
	return s.Default(ctx)
}

// TestConnection 用明文密码打开一次性连接并 Ping，失败时返回 *ConnectionError。
func (s *Service) TestConnection(ctx context.Context, cfg audit.ConnectionConfig) error {
	err := s.testConnection(ctx, cfg)
	if err != nil {
		metrics.RecordConnectionTest(string(err.Kind))
		s.logger.Warnw("connection test failed", "connection", cfg.Name, "kind", err.Kind, "number", err.Number)
		return err
	}
	metrics.RecordConnectionTest("success")
	return nil
}

func (s *Service) testConnection(ctx context.Context, cfg audit.ConnectionConfig) *ConnectionError {
	if cfg.Hostname == "" || cfg.DBName == "" || cfg.User == "" {
		return configurationError(errors.New("hostname, database and user are required"))
	}
	db, closer, err := s.opener(ctx, cfg, cfg.Password)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if closer != nil {
			_ = closer()
		}
	}()
	sqlDB, err := db.DB()
	if err != nil {
		return classify(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// TestNamed 测试已保存的连接。
func (s *Service) TestNamed(ctx context.Context, name string) error {
	cfg, err := s.Connection(ctx, name)
	if err != nil {
		return err
	}
	cfg.Password = s.password(cfg)
	return s.TestConnection(ctx, cfg)
}

// password 解密保存的密码，密文损坏时返回空串，由后续连接失败体现。
func (s *Service) password(cfg audit.ConnectionConfig) string {
	if cfg.Password == "" {
		return ""
	}
	plain, ok := s.cipher.DecryptString(cfg.Password)
	if !ok {
		s.logger.Warnw("stored connection password could not be decrypted", "connection", cfg.Name)
		return ""
	}
	return plain
}

// SaveConnection 加密密码后保存连接。密码为空时保留原有密文。
func (s *Service) SaveConnection(ctx context.Context, cfg audit.ConnectionConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return configurationError(errors.New("connection name is required"))
	}
	if strings.EqualFold(cfg.Name, audit.LocalConnection) {
		return ErrReservedName
	}
	if cfg.Type == "" {
		cfg.Type = audit.ConnectionTypeMySQL
	}
	if cfg.Type != audit.ConnectionTypeMySQL {
		return configurationError(fmt.Errorf("%w: %s", infra.ErrUnsupportedConnectionType, cfg.Type))
	}

	if cfg.Password != "" {
		sealed, err := s.cipher.EncryptString(cfg.Password)
		if err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}
		cfg.Password = sealed
	} else if existing, err := s.Connection(ctx, cfg.Name); err == nil {
		cfg.Password = existing.Password
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode connection: %w", err)
	}
	if err := s.options.Set(ctx, connectionOptionPrefix+cfg.Name, string(raw)); err != nil {
		return err
	}

	if adapter, _ := s.RoleConnection(ctx, RoleAdapter); adapter == cfg.Name {
		s.resetDefault()
	}
	return nil
}

// Connection 读取保存的连接，Password 为密文。
func (s *Service) Connection(ctx context.Context, name string) (audit.ConnectionConfig, error) {
	raw, ok, err := s.options.Get(ctx, connectionOptionPrefix+name)
	if err != nil {
		return audit.ConnectionConfig{}, err
	}
	if !ok {
		return audit.ConnectionConfig{}, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	var cfg audit.ConnectionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return audit.ConnectionConfig{}, configurationError(fmt.Errorf("decode connection %s: %w", name, err))
	}
	cfg.Name = name
	return cfg, nil
}

// ListConnections 按名称排序返回全部连接，密码已去除。
func (s *Service) ListConnections(ctx context.Context) ([]audit.ConnectionConfig, error) {
	rows, err := s.options.ListPrefix(ctx, connectionOptionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]audit.ConnectionConfig, 0, len(rows))
	for _, row := range rows {
		var cfg audit.ConnectionConfig
		if err := json.Unmarshal([]byte(row.Value), &cfg); err != nil {
			s.logger.Warnw("skip undecodable connection", "option", row.Name, "error", err)
			continue
		}
		cfg.Name = strings.TrimPrefix(row.Name, connectionOptionPrefix)
		out = append(out, cfg.Redacted())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteConnection 删除连接，仍被任一角色引用时返回 ErrConnectionInUse。
func (s *Service) DeleteConnection(ctx context.Context, name string) error {
	if _, err := s.Connection(ctx, name); err != nil {
		return err
	}
	for _, role := range Roles() {
		assigned, err := s.RoleConnection(ctx, role)
		if err != nil {
			return err
		}
		if assigned == name {
			return fmt.Errorf("%w: %s is the %s connection", ErrConnectionInUse, name, role)
		}
	}
	return s.options.Delete(ctx, connectionOptionPrefix+name)
}

// Close 释放缓存的默认句柄。
func (s *Service) Close() error {
	s.mu.Lock()
	old := s.defaultConn
	s.defaultConn = nil
	s.mu.Unlock()
	return old.Close()
}
