// Package log 进程级日志：logrus + 可选的 lumberjack 滚动文件
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qxcheng/kernel-net/internal/config"
)

const (
	defaultPattern = "%time [%level] %caller: %msg %field\n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

var (
	mu     sync.RWMutex
	logger = newDefaultLogger()
)

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTime})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// GetLogger 返回进程日志对象，没调用Init之前是输出到stderr的info级别日志
func GetLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent 带 component 字段的日志入口，各协议和驱动各持有一个
func WithComponent(name string) *logrus.Entry {
	return GetLogger().WithField("component", name)
}

// Init 按配置重建进程日志对象
func Init(cfg config.LogConfig) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

func build(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetReportCaller(true)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: defaultTime})
	case "text", "":
		l.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTime})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	l.SetOutput(newWriter(cfg.File, os.Stderr))
	return l, nil
}

// newWriter 组合stderr和滚动文件两个输出
func newWriter(file config.LogFileConfig, console io.Writer) io.Writer {
	w := NewMultiWriter().Add(console)
	if file.Path != "" {
		w.AddFileAppender(FileAppenderOpt{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		})
	}
	return w
}
