package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config 描述运行日志的级别、格式与输出目标。OutputPaths 中除 stdout/stderr
// 以外的路径按文件写入，并与审计日志一样按大小切分。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Service     string
	Audit       AuditConfig
}

// AuditConfig 控制审计流：资金决策与信用记录的状态变化写入独立文件。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init 只生效一次；重复调用返回首次初始化的结果。
func Init(cfg Config) error {
	once.Do(func() {
		level := parseLevel(cfg.Level)
		handlerOpts := &slog.HandlerOptions{Level: level, AddSource: true}

		handler, err := buildHandler(cfg.Format, cfg.OutputPaths, handlerOpts)
		if err != nil {
			initErr = err
			return
		}
		base := slog.New(handler)
		if cfg.Service != "" {
			base = base.With(slog.String("service", cfg.Service))
		}
		audit := base
		if cfg.Audit.Enabled {
			audit, err = buildAuditLogger(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
		}
		mu.Lock()
		defaultLogger = base
		auditLogger = audit.With(slog.String("stream", "audit"))
		mu.Unlock()
	})
	if initErr != nil {
		return initErr
	}
	mu.RLock()
	ready := defaultLogger != nil
	mu.RUnlock()
	if !ready {
		return errors.New("日志已由 Replace 接管")
	}
	return nil
}

// Replace 替换全局 logger，测试用来捕获输出。
func Replace(base, audit *slog.Logger) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = base
	auditLogger = audit
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	} else {
		for _, out := range outputs {
			writer, closer, err := openWriter(out)
			if err != nil {
				return nil, err
			}
			if closer != nil {
				closers = append(closers, closer)
			}
			writers = append(writers, writer)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("启用审计日志时必须配置 path")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	writer.Compress = cfg.Compress
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		writer, err := newRotatingWriter(path, 0, 0, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("打开日志文件 %s: %w", path, err)
		}
		return writer, writer, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L 返回运行日志；未初始化时按默认配置输出到 stdout。
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		_ = Init(Config{})
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
	}
	if l == nil {
		return slog.Default()
	}
	return l
}

// Audit 返回审计日志，未启用时退回运行日志。
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync 关闭所有文件输出，进程退出前调用。
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named 返回带 component 字段的子 logger。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
