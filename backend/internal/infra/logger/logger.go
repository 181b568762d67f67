/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-09 17:53:57
 * @FilePath: \audit-trail-app\backend\internal\infra\logger\logger.go
 * @LastEditTime: 2026-10-16 11:10:10
 */
package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFile = "logs/audit-trail.log"

var (
	// globalLogger 缓存全局 zap.Logger。
	globalLogger *zap.Logger
	mu           sync.Mutex
)

// Options 描述日志初始化时可配置的参数。FilePath 为 "-" 时只输出到控制台。
type Options struct {
	Level      string
	Encoding   string
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Init 按环境变量初始化全局日志记录器，重复调用返回同一个实例。
func Init() (*zap.Logger, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger != nil {
		return globalLogger, nil
	}
	logger, err := Build(LoadOptionsFromEnv())
	if err != nil {
		return nil, err
	}
	globalLogger = logger
	return globalLogger, nil
}

// Replace 替换全局日志记录器，测试中常传入 zap.NewNop()。
func Replace(logger *zap.Logger) {
	if logger == nil {
		return
	}
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// L 返回全局 zap.Logger，如果尚未初始化则尝试自动初始化。
func L() *zap.Logger {
	mu.Lock()
	logger := globalLogger
	mu.Unlock()
	if logger != nil {
		return logger
	}
	logger, err := Init()
	if err != nil {
		panic(fmt.Sprintf("logger init failed: %v", err))
	}
	return logger
}

// S 返回 SugaredLogger。
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Component 返回带 component 字段的 SugaredLogger。
func Component(name string) *zap.SugaredLogger {
	return S().With("component", name)
}

// Sync 刷新缓冲区，通常在进程退出前调用。
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// LoadOptionsFromEnv 从 LOG_* 环境变量解析日志配置，缺失时使用默认值。
func LoadOptionsFromEnv() Options {
	opts := Options{
		Level:      strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		Encoding:   strings.ToLower(strings.TrimSpace(os.Getenv("LOG_ENCODING"))),
		FilePath:   strings.TrimSpace(os.Getenv("LOG_FILE")),
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     15,
		Compress:   true,
	}
	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Encoding == "" {
		opts.Encoding = "json"
	}
	if opts.FilePath == "" {
		opts.FilePath = filepath.FromSlash(defaultLogFile)
	}

	for name, target := range map[string]*int{
		"LOG_MAX_SIZE":    &opts.MaxSize,
		"LOG_MAX_BACKUPS": &opts.MaxBackups,
		"LOG_MAX_AGE":     &opts.MaxAge,
	} {
		if parsed, err := parsePositiveInt(os.Getenv(name)); err == nil {
			*target = parsed
		}
	}
	if val := strings.TrimSpace(os.Getenv("LOG_COMPRESS")); val != "" {
		opts.Compress = val == "1" || strings.EqualFold(val, "true")
	}
	return opts
}

// Build 根据 Options 构建 zap.Logger：控制台输出总是开启，文件输出带滚动策略。
func Build(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(opts.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	var cores []zapcore.Core
	if opts.FilePath != "" && opts.FilePath != "-" {
		if err := ensureDir(filepath.Dir(opts.FilePath)); err != nil {
			return nil, fmt.Errorf("logger create dir: %w", err)
		}
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		})
		var fileEncoder zapcore.Encoder
		if opts.Encoding == "console" {
			fileEncoder = zapcore.NewConsoleEncoder(encoderCfg)
		} else {
			fileEncoder = zapcore.NewJSONEncoder(encoderCfg)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, writer, lvl))
	}

	consoleCfg := encoderCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), lvl))

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parsePositiveInt(val string) (int, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, errors.New("empty value")
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, errors.New("value must be positive")
	}
	return parsed, nil
}
