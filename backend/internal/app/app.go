/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 19:54:47
 * @FilePath: \audit-trail-app\backend\internal\app\app.go
 * @LastEditTime: 2026-10-16 10:14:02
 */
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"audit-trail-app/backend/internal/config"
	infra "audit-trail-app/backend/internal/infra/client"
	appLogger "audit-trail-app/backend/internal/infra/logger"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Resources 持有进程级的外部连接：宿主数据库与可选的 Redis。
type Resources struct {
	Flags config.RuntimeFlags
	MySQL *infra.MySQLConfig
	DB    *gorm.DB
	SQL   *sql.DB
	Redis *redis.Client
}

// Bootstrap 按运行模式打开宿主数据库，并在配置了 REDIS_ENDPOINT 时连接 Redis。
func Bootstrap(ctx context.Context) (*Resources, error) {
	config.LoadEnvFiles()
	log := appLogger.Component("app")

	flags := config.LoadRuntimeFlags()
	res := &Resources{Flags: flags}

	if flags.IsLocal() {
		db, sqlDB, err := OpenSQLite(flags.Local.DBPath)
		if err != nil {
			return nil, err
		}
		res.DB, res.SQL = db, sqlDB
		log.Infow("using local sqlite database", "path", flags.Local.DBPath)
	} else {
		mysqlCfg, err := infra.LoadMySQLConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("load mysql config: %w", err)
		}
		db, sqlDB, err := infra.NewGORMMySQL(mysqlCfg)
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		res.MySQL = &mysqlCfg
		res.DB, res.SQL = db, sqlDB
		log.Infow("mysql connected", "host", mysqlCfg.Host, "database", mysqlCfg.Database, "user", mysqlCfg.Username)
	}

	redisOpts, err := infra.NewDefaultRedisOptions()
	switch {
	case errors.Is(err, infra.ErrRedisNotConfigured):
		log.Infow("redis not configured; cursors and rate limits stay in the database and memory")
	case err != nil:
		_ = res.Close()
		return nil, fmt.Errorf("load redis options: %w", err)
	default:
		client, err := infra.NewRedisClient(redisOpts)
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		res.Redis = client
		log.Infow("redis connected", "host", redisOpts.Host, "db", redisOpts.DB)
	}

	return res, nil
}

// OpenSQLite 打开本地 SQLite 文件，目录不存在时自动创建。
func OpenSQLite(path string) (*gorm.DB, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("get sql db: %w", err)
	}
	// SQLite 只允许单写者。
	sqlDB.SetMaxOpenConns(1)
	return db, sqlDB, nil
}

// Close 释放全部连接，返回遇到的第一个错误。
func (r *Resources) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	if r.SQL != nil {
		errs = append(errs, r.SQL.Close())
	}
	return errors.Join(errs...)
}

// String 概括资源状态，用于启动日志。
func (r *Resources) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("mode=%s redis=%t", r.Flags.Mode, r.Redis != nil)
}
