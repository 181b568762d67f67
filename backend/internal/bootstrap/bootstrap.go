/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-09 20:51:28
 * @FilePath: \audit-trail-app\backend\internal\bootstrap\bootstrap.go
 * @LastEditTime: 2026-10-16 10:21:33
 */
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"audit-trail-app/backend/internal/app"
	"audit-trail-app/backend/internal/config"
	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/handler"
	"audit-trail-app/backend/internal/infra/cursor"
	"audit-trail-app/backend/internal/infra/metrics"
	"audit-trail-app/backend/internal/infra/ratelimit"
	"audit-trail-app/backend/internal/infra/security"
	"audit-trail-app/backend/internal/infra/token"
	"audit-trail-app/backend/internal/middleware"
	"audit-trail-app/backend/internal/repository"
	"audit-trail-app/backend/internal/server"
	auditsvc "audit-trail-app/backend/internal/service/audit"
	authsvc "audit-trail-app/backend/internal/service/auth"
	"audit-trail-app/backend/internal/service/connection"
	"audit-trail-app/backend/internal/service/registry"
	"audit-trail-app/backend/internal/service/transfer"
	usersvc "audit-trail-app/backend/internal/service/user"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Core 是 HTTP 服务与定时任务共用的审计组件。
type Core struct {
	Registry    *registry.Registry
	Options     *repository.OptionRepository
	Connections *connection.Service
	Storage     *connection.Storage
	Users       *repository.UserRepository
	UserSvc     *usersvc.Service
	Manager     *auditsvc.Manager
	Transfer    *transfer.Service
	Runner      *transfer.Runner
}

// Close 释放外部连接句柄。
func (c *Core) Close() error {
	if c == nil || c.Connections == nil {
		return nil
	}
	return c.Connections.Close()
}

// Application 是组装完成的 HTTP 服务。
type Application struct {
	*Core
	AuthSvc *authsvc.Service
	Router  http.Handler
	// Scheduler 仅在配置了 AUDIT_TRANSFER_SCHEDULE 时非 nil。
	Scheduler *transfer.Scheduler
}

// BuildCore 创建注册表、存储、触发管道与传输服务，并确保宿主库上的表存在。
func BuildCore(ctx context.Context, logger *zap.SugaredLogger, resources *app.Resources, auditCfg config.AuditSettings, transferCfg config.TransferSettings) (*Core, error) {
	metrics.MustRegister()

	cache := repository.NewTableCache(auditCfg.TableCacheTTL)
	reg := registry.New(logger.With("component", "registry"))
	if err := reg.AddLoader(registry.CoreLoader); err != nil {
		return nil, fmt.Errorf("load core alerts: %w", err)
	}

	options := repository.NewOptionRepository(resources.DB, auditCfg.TablePrefix, cache)
	users := repository.NewUserRepository(resources.DB, auditCfg.TablePrefix)
	for name, install := range map[string]func(context.Context) error{
		"options": options.Install,
		"users":   users.Install,
	} {
		if err := install(ctx); err != nil {
			return nil, fmt.Errorf("install %s table: %w", name, err)
		}
	}

	cipher, err := security.NewCipher(auditCfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if auditCfg.MasterSecret == "" {
		logger.Warnw("AUDIT_MASTER_SECRET is empty; stored connection passwords use a built-in key")
	}

	conns, err := connection.NewService(resources.DB, options, cipher, connection.Settings{
		LocalPrefix: auditCfg.TablePrefix,
		Adapter:     auditCfg.AdapterConnection,
		Archive:     auditCfg.ArchiveConnection,
		Mirror:      auditCfg.MirrorConnection,
	},
		connection.WithLogger(logger.With("component", "connection")),
		connection.WithOpener(connection.BreakerOpener(connection.MySQLOpener, connection.BreakerSettings{
			FailureThreshold: uint32(transferCfg.BreakerFailures),
			Timeout:          transferCfg.BreakerTimeout,
		}, logger.With("component", "connection.breaker"))),
	)
	if err != nil {
		return nil, fmt.Errorf("init connections: %w", err)
	}
	if err := conns.Local().Occurrences(cache).Install(ctx); err != nil {
		return nil, fmt.Errorf("install occurrence tables: %w", err)
	}

	storage := connection.NewStorage(conns, cache)
	userService := usersvc.NewService(users)

	manager, err := auditsvc.NewManager(reg, storage, auditsvc.Config{
		SiteID:               auditCfg.SiteID,
		SiteURL:              auditCfg.SiteURL,
		Multisite:            auditCfg.Multisite,
		TrustProxy:           auditCfg.TrustProxy,
		ExcludedUsers:        auditCfg.ExcludedUsers,
		ExcludedRoles:        auditCfg.ExcludedRoles,
		ExcludedIPs:          auditCfg.ExcludedIPs,
		ExcludedPostTypes:    auditCfg.ExcludedPostTypes,
		ExcludedPostStatuses: auditCfg.ExcludedPostStatuses,
		DisabledAlerts:       auditCfg.DisabledAlerts,
		SystemLabels:         auditCfg.SystemLabels,
	},
		auditsvc.WithUserDirectory(userService),
		auditsvc.WithSessionTracker(middleware.SessionTracker()),
		auditsvc.WithLogger(logger.With("component", "audit")),
	)
	if err != nil {
		return nil, fmt.Errorf("init audit manager: %w", err)
	}

	transferSvc := transfer.NewService(conns, cache,
		transfer.WithNotifier(manager),
		transfer.WithLogger(logger.With("component", "transfer")),
	)
	runner := transfer.NewRunner(transferSvc, conns, cursorStore(resources, options), runnerSettings(auditCfg, transferCfg), logger.With("component", "transfer.runner"))

	return &Core{
		Registry:    reg,
		Options:     options,
		Connections: conns,
		Storage:     storage,
		Users:       users,
		UserSvc:     userService,
		Manager:     manager,
		Transfer:    transferSvc,
		Runner:      runner,
	}, nil
}

// BuildApplication 在 Core 之上组装鉴权与管理接口。
func BuildApplication(ctx context.Context, logger *zap.SugaredLogger, resources *app.Resources, auditCfg config.AuditSettings, transferCfg config.TransferSettings, serverCfg config.ServerSettings) (*Application, error) {
	if serverCfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	core, err := BuildCore(ctx, logger, resources, auditCfg, transferCfg)
	if err != nil {
		return nil, err
	}
	admin, err := ensureAdmin(ctx, core, serverCfg, logger)
	if err != nil {
		_ = core.Close()
		return nil, err
	}

	tokens := token.NewJWTManager(serverCfg.JWTSecret, serverCfg.AccessTTL)
	var authMW middleware.Authenticator = middleware.NewIdentityMiddleware(tokens, core.UserSvc, true, logger.With("component", "identity"))
	if serverCfg.OfflineAuth && resources.Flags.IsLocal() && admin != nil {
		authMW = middleware.NewOfflineAuthMiddleware(*usersvc.Principal(admin))
		logger.Warnw("offline auth enabled; every request acts as the admin user", "username", admin.Username)
	}
	authService := authsvc.NewService(core.UserSvc, core.Users, tokens, logger.With("component", "auth"))
	limiter := ratelimit.New(resources.Redis, "")

	router := server.NewRouter(server.RouterOptions{
		Manager:      core.Manager,
		AuthHandler:  handler.NewAuthHandler(authService),
		AuditHandler: handler.NewAuditHandler(core.Storage, core.Registry),
		ConnectionHandler: handler.NewConnectionHandler(core.Connections, limiter, handler.ConnectionTestLimit{
			Limit:  serverCfg.ConnTestLimit,
			Window: serverCfg.ConnTestWindow,
		}),
		TransferHandler: handler.NewTransferHandler(core.Transfer, core.Runner),
		AuthMW:          authMW,
		AllowedOrigins:  serverCfg.AllowedOrigins,
		AccessLog:       serverCfg.AccessLog,
	})

	application := &Application{Core: core, AuthSvc: authService, Router: router}
	if transferCfg.Schedule != "" {
		application.Scheduler, err = transfer.NewScheduler(core.Runner, transferCfg.Schedule, transferCfg.RunTimeout, logger.With("component", "transfer.scheduler"))
		if err != nil {
			_ = core.Close()
			return nil, err
		}
	}
	return application, nil
}

func cursorStore(resources *app.Resources, options *repository.OptionRepository) cursor.Store {
	if resources.Redis != nil {
		return cursor.NewRedisStore(resources.Redis, "")
	}
	return cursor.NewOptionStore(options)
}

func runnerSettings(auditCfg config.AuditSettings, transferCfg config.TransferSettings) transfer.RunnerSettings {
	const day = 24 * time.Hour
	return transfer.RunnerSettings{
		BatchSize:         transferCfg.BatchSize,
		MirrorInclude:     transferCfg.MirrorInclude,
		MirrorExclude:     transferCfg.MirrorExclude,
		ArchiveAfter:      time.Duration(transferCfg.ArchiveAfterDays) * day,
		ArchiveKeepLatest: transferCfg.ArchiveKeepLatest,
		PruneAfter:        time.Duration(auditCfg.PruningDays) * day,
		PruneKeepLatest:   auditCfg.PruningLimit,
	}
}

// ensureAdmin 在配置了 AUDIT_ADMIN_USERNAME 且用户不存在时创建管理员，未配置时返回 nil。
func ensureAdmin(ctx context.Context, core *Core, cfg config.ServerSettings, logger *zap.SugaredLogger) (*domain.User, error) {
	if cfg.AdminUsername == "" {
		return nil, nil
	}
	existing, err := core.Users.FindByUsername(ctx, cfg.AdminUsername)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup admin user: %w", err)
	}
	admin := &domain.User{Username: cfg.AdminUsername, IsAdmin: true}
	if err := core.UserSvc.Create(ctx, admin, cfg.AdminPassword); err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}
	logger.Infow("admin user created", "username", admin.Username, "id", admin.ID)
	return admin, nil
}
