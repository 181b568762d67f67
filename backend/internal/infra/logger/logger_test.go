package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestLoadOptionsFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FILE", "")
	t.Setenv("LOG_MAX_SIZE", "50")
	t.Setenv("LOG_MAX_AGE", "-3")
	t.Setenv("LOG_COMPRESS", "false")

	opts := LoadOptionsFromEnv()
	if opts.Level != "debug" || opts.Encoding != "json" {
		t.Fatalf("unexpected level/encoding: %+v", opts)
	}
	if opts.MaxSize != 50 || opts.MaxAge != 15 || opts.Compress {
		t.Fatalf("unexpected rotation options: %+v", opts)
	}
	if opts.FilePath != filepath.FromSlash(defaultLogFile) {
		t.Fatalf("unexpected default path %q", opts.FilePath)
	}
}

func TestBuildWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	logger, err := Build(Options{Level: "info", Encoding: "json", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file: %v", err)
	}

	if _, err := Build(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestReplace(t *testing.T) {
	nop := zap.NewNop()
	Replace(nop)
	if L() != nop {
		t.Fatalf("expected replaced logger")
	}
	Component("test").Infow("discarded")
}
