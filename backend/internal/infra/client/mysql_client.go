/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 17:16:56
 * @FilePath: \audit-trail-app\backend\internal\infra\client\mysql_client.go
 * @LastEditTime: 2026-10-16 10:49:37
 */
package infra

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"audit-trail-app/backend/internal/config"
	"audit-trail-app/backend/internal/domain/audit"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	envMySQLHost     = "MYSQL_HOST"
	envMySQLPort     = "MYSQL_PORT"
	envMySQLUsername = "MYSQL_USERNAME"
	envMySQLPassword = "MYSQL_PASSWORD"
	envMySQLDatabase = "MYSQL_DATABASE"
	envMySQLParams   = "MYSQL_PARAMS"
)

const (
	defaultMySQLPort   = 3306
	defaultMySQLParams = "charset=utf8mb4&parseTime=true&loc=Local"
)

// ErrUnsupportedConnectionType 表示连接配置的类型不是 mysql。
var ErrUnsupportedConnectionType = errors.New("unsupported connection type")

// MySQLConfig 描述一个 MySQL 连接所需的全部参数。
type MySQLConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Params   string
	TLS      *TLSFiles
}

// TLSFiles 指向客户端证书文件，全部为空时仅开启加密传输。
type TLSFiles struct {
	Name string
	CA   string
	Cert string
	Key  string
}

// LoadMySQLConfigFromEnv 读取宿主数据库的 MYSQL_* 环境变量。
func LoadMySQLConfigFromEnv() (MySQLConfig, error) {
	config.LoadEnvFiles()

	cfg := MySQLConfig{
		Host:     strings.TrimSpace(os.Getenv(envMySQLHost)),
		Port:     defaultMySQLPort,
		Username: strings.TrimSpace(os.Getenv(envMySQLUsername)),
		Password: os.Getenv(envMySQLPassword),
		Database: strings.TrimSpace(os.Getenv(envMySQLDatabase)),
		Params:   strings.TrimSpace(os.Getenv(envMySQLParams)),
	}
	if raw := strings.TrimSpace(os.Getenv(envMySQLPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return MySQLConfig{}, fmt.Errorf("invalid %s: %w", envMySQLPort, err)
		}
		cfg.Port = port
	}
	if cfg.Params == "" {
		cfg.Params = defaultMySQLParams
	}
	if err := validateMySQLConfig(cfg); err != nil {
		return MySQLConfig{}, err
	}
	return cfg, nil
}

// FromConnection 把已解密的命名连接转换为 MySQLConfig，hostname 可带 :port。
func FromConnection(conn audit.ConnectionConfig, password string) (MySQLConfig, error) {
	if conn.Type != "" && !strings.EqualFold(conn.Type, audit.ConnectionTypeMySQL) {
		return MySQLConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedConnectionType, conn.Type)
	}
	host, port, err := parseEndpointWithDefault(conn.Hostname, defaultMySQLPort)
	if err != nil {
		return MySQLConfig{}, fmt.Errorf("invalid hostname %q: %w", conn.Hostname, err)
	}

	cfg := MySQLConfig{
		Host:     host,
		Port:     port,
		Username: conn.User,
		Password: password,
		Database: conn.DBName,
		Params:   defaultMySQLParams,
	}
	if conn.IsSSL || conn.IsCC {
		cfg.TLS = &TLSFiles{Name: tlsConfigName(conn.Name)}
		if conn.IsCC {
			cfg.TLS.CA = conn.SSLCA
			cfg.TLS.Cert = conn.SSLCert
			cfg.TLS.Key = conn.SSLKey
		}
	}
	return cfg, nil
}

func tlsConfigName(name string) string {
	var b strings.Builder
	b.WriteString("audit-")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// registerTLS 按证书文件注册驱动级 TLS 配置，返回 DSN 中 tls 参数的取值。
func registerTLS(files *TLSFiles, host string) (string, error) {
	if files.CA == "" && files.Cert == "" && files.Key == "" {
		return "true", nil
	}

	tlsCfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if files.CA != "" {
		pem, err := os.ReadFile(files.CA)
		if err != nil {
			return "", fmt.Errorf("read ssl ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return "", fmt.Errorf("ssl ca %s contains no certificates", files.CA)
		}
		tlsCfg.RootCAs = pool
	}
	if files.Cert != "" || files.Key != "" {
		pair, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return "", fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	if err := mysqldriver.RegisterTLSConfig(files.Name, tlsCfg); err != nil {
		return "", fmt.Errorf("register tls config: %w", err)
	}
	return files.Name, nil
}

// NewGORMMySQL 创建 GORM 连接并返回 ORM 与底层 *sql.DB，便于控制生命周期。
func NewGORMMySQL(cfg MySQLConfig) (*gorm.DB, *sql.DB, error) {
	dsn, err := BuildMySQLDSN(cfg)
	if err != nil {
		return nil, nil, err
	}

	gormDB, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open gorm mysql: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("get sql db: %w", err)
	}

	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	return gormDB, sqlDB, nil
}

// validateMySQLConfig 校验配置字段是否完整。外部连接允许空密码。
func validateMySQLConfig(cfg MySQLConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("mysql host is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("mysql username is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("mysql database is required")
	}
	return nil
}

// BuildMySQLDSN 在通过校验后拼接 MySQL DSN 字符串，并交给驱动解析校验。
func BuildMySQLDSN(cfg MySQLConfig) (string, error) {
	if err := validateMySQLConfig(cfg); err != nil {
		return "", err
	}

	params := cfg.Params
	if params == "" {
		params = defaultMySQLParams
	}
	if cfg.TLS != nil {
		value, err := registerTLS(cfg.TLS, cfg.Host)
		if err != nil {
			return "", err
		}
		params += "&tls=" + value
	}

	port := cfg.Port
	if port == 0 {
		port = defaultMySQLPort
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		port,
		cfg.Database,
		params,
	)

	if _, err := mysqldriver.ParseDSN(dsn); err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	return dsn, nil
}

// RedactDSN 返回隐藏密码后的 DSN，仅用于日志。
func RedactDSN(dsn string) string {
	parsed, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	if parsed.Passwd != "" {
		parsed.Passwd = "****"
	}
	return parsed.FormatDSN()
}
