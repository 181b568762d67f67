package server

import (
	"fmt"
	"strings"
	"time"

	domain "audit-trail-app/backend/internal/domain/user"
	"audit-trail-app/backend/internal/handler"
	"audit-trail-app/backend/internal/middleware"
	auditsvc "audit-trail-app/backend/internal/service/audit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions 汇总路由需要的 handler 与中间件，为 nil 的 handler 不注册对应路由。
type RouterOptions struct {
	Manager           *auditsvc.Manager
	AuthHandler       *handler.AuthHandler
	AuditHandler      *handler.AuditHandler
	ConnectionHandler *handler.ConnectionHandler
	TransferHandler   *handler.TransferHandler
	AuthMW            middleware.Authenticator
	// AllowedOrigins 是允许跨域访问的来源，本地地址总是允许。
	AllowedOrigins []string
	AccessLog      bool
}

// NewRouter 构建应用的 Gin Engine。
// /api 下所有请求都经过审计管道，管理接口额外要求 administrator 角色。
func NewRouter(opts RouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc:  originAllowed(opts.AllowedOrigins),
	}))
	if opts.AccessLog {
		r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
			Formatter: gin.LogFormatter(func(params gin.LogFormatterParams) string {
				return fmt.Sprintf("%s - [%s] \"%s %s\" %d %s\n",
					params.ClientIP,
					params.TimeStamp.Format(time.RFC3339),
					params.Method,
					params.Path,
					params.StatusCode,
					params.Latency,
				)
			}),
		}))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	if opts.AuthMW != nil {
		api.Use(opts.AuthMW.Handle())
	}
	if opts.Manager != nil {
		api.Use(middleware.AuditPipeline(opts.Manager))
	}

	if opts.AuthHandler != nil {
		authGroup := api.Group("/auth")
		authGroup.POST("/login", opts.AuthHandler.Login)
		authGroup.POST("/logout", opts.AuthHandler.Logout)
	}

	admin := api.Group("/audit")
	admin.Use(middleware.RequireRole(domain.RoleAdministrator))
	if opts.AuditHandler != nil {
		admin.GET("/alerts", opts.AuditHandler.Alerts)
		admin.GET("/occurrences", opts.AuditHandler.List)
		admin.GET("/occurrences/:id", opts.AuditHandler.Get)
		admin.DELETE("/occurrences", opts.AuditHandler.Delete)
	}
	if opts.ConnectionHandler != nil {
		admin.GET("/connections", opts.ConnectionHandler.List)
		admin.PUT("/connections/:name", opts.ConnectionHandler.Save)
		admin.DELETE("/connections/:name", opts.ConnectionHandler.Delete)
		admin.POST("/connections/test", opts.ConnectionHandler.Test)
		admin.PUT("/roles/:role", opts.ConnectionHandler.AssignRole)
		admin.PUT("/archive-mode", opts.ConnectionHandler.ArchiveMode)
	}
	if opts.TransferHandler != nil {
		transfer := admin.Group("/transfer")
		transfer.GET("/status", opts.TransferHandler.Status)
		transfer.POST("/migrate", opts.TransferHandler.Migrate)
		transfer.POST("/migrations", opts.TransferHandler.StartMigration)
		transfer.POST("/mirror", opts.TransferHandler.Mirror)
		transfer.POST("/archive", opts.TransferHandler.Archive)
		transfer.POST("/archive/confirm", opts.TransferHandler.ConfirmArchive)
		transfer.POST("/prune", opts.TransferHandler.Prune)
		transfer.POST("/tick", opts.TransferHandler.Tick)
	}

	return r
}

func originAllowed(extra []string) func(string) bool {
	allowed := make(map[string]struct{}, len(extra))
	for _, origin := range extra {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return false
		}
		if strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:") {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
