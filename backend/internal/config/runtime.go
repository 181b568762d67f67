package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// ModeLocal 表示宿主数据库使用本地 SQLite 文件。
	ModeLocal = "local"
	// ModeOnline 表示宿主数据库使用 MYSQL_* 指定的 MySQL。
	ModeOnline = "online"

	defaultLocalDBRelPath = "data/audit-trail.db"
)

// RuntimeFlags 汇总运行期所需的模式与本地环境配置。
type RuntimeFlags struct {
	Mode  string
	Local LocalRuntime
}

// LocalRuntime 描述本地模式下需要的额外配置。
type LocalRuntime struct {
	DBPath string
}

// IsLocal 判断是否运行在本地 SQLite 模式。
func (f RuntimeFlags) IsLocal() bool {
	return f.Mode == ModeLocal
}

// LoadRuntimeFlags 读取环境变量，推导当前运行模式及本地模式参数。
func LoadRuntimeFlags() RuntimeFlags {
	LoadEnvFiles()

	mode := strings.ToLower(strings.TrimSpace(os.Getenv("APP_MODE")))
	if mode != ModeLocal {
		mode = ModeOnline
	}

	local := LocalRuntime{DBPath: normalisePath(defaultLocalDBRelPath)}
	if rawPath := strings.TrimSpace(os.Getenv("LOCAL_SQLITE_PATH")); rawPath != "" {
		local.DBPath = normalisePath(rawPath)
	}

	return RuntimeFlags{
		Mode:  mode,
		Local: local,
	}
}

// normalisePath 将路径展开为绝对路径，兼容 ~ 前缀与相对路径。
func normalisePath(raw string) string {
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
		}
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	if abs, err := filepath.Abs(raw); err == nil {
		return abs
	}
	return raw
}
