package logger

import (
	"context"
	"io"
	"os"
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Debug(ctx context.Context, msg string, args ...any)
}

type logrusLogger struct {
	logger *logrus.Logger
}

var pkgPath = reflect.TypeOf(logrusLogger{}).PkgPath()

// isLoggerFrame 判断调用栈帧是否属于 logger 自身
func isLoggerFrame(function string) bool {
	if !strings.HasPrefix(function, pkgPath+".") {
		return false
	}
	name := strings.TrimPrefix(function, pkgPath+".")
	switch name {
	case "Warn", "Error", "Info", "Debug", "getCallerFunctionName":
		return true
	}
	return strings.HasPrefix(name, "(*logrusLogger)")
}

// getCallerFunctionName 获取调用者的函数名
func getCallerFunctionName() string {
	pc := make([]uintptr, 16)
	n := runtime.Callers(2, pc)
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isLoggerFrame(frame.Function) {
			// 提取最后一个点之后的部分作为函数名，闭包保留外层函数名
			parts := strings.Split(frame.Function, ".")
			name := parts[len(parts)-1]
			if strings.HasPrefix(name, "func") && len(parts) > 1 {
				name = parts[len(parts)-2] + "." + name
			}
			return strings.Trim(name, "()*")
		}
		if !more {
			return "unknown"
		}
	}
}

func (l *logrusLogger) entry(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)
	if traceID := getTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if wf := getWorkflow(ctx); wf != "" {
		entry = entry.WithField("workflow", wf)
	}
	return entry
}

func (l *logrusLogger) log(ctx context.Context, level logrus.Level, msg string, args []any) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}
	args = append([]any{getCallerFunctionName()}, args...)
	l.entry(ctx).Logf(level, "[%s] "+msg, args...)
}

func (l *logrusLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, logrus.WarnLevel, msg, args)
}

func (l *logrusLogger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, logrus.ErrorLevel, msg, args)
}

func (l *logrusLogger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, logrus.InfoLevel, msg, args)
}

func (l *logrusLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, logrus.DebugLevel, msg, args)
}

var defaultLogger Logger

func init() {
	// 未调用 InitLogger 时（测试、库调用）输出到 stderr
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	defaultLogger = &logrusLogger{logger: log}
}

type LoggerConfig struct {
	Level      string `json:"level,omitempty" toml:"level,omitempty"`
	File       string `json:"file,omitempty" toml:"file,omitempty"`
	MaxSize    int    `json:"max_size,omitempty" toml:"max_size,omitempty"`       // 单个日志文件最大大小(MB),默认100MB
	MaxBackups int    `json:"max_backups,omitempty" toml:"max_backups,omitempty"` // 保留的旧日志文件最大数量,默认3个
	MaxAge     int    `json:"max_age,omitempty" toml:"max_age,omitempty"`         // 保留旧日志文件的最大天数,默认7天
	Compress   bool   `json:"compress,omitempty" toml:"compress,omitempty"`       // 是否压缩旧日志,默认false
	Console    bool   `json:"console,omitempty" toml:"console,omitempty"`         // 写文件的同时输出到 stderr
}

func InitLogger(cfg *LoggerConfig) {
	if cfg == nil {
		cfg = &LoggerConfig{Level: "info"}
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// JSON 格式,方便提取 trace_id
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if cfg.File != "" {
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		maxAge := cfg.MaxAge
		if maxAge <= 0 {
			maxAge = 7
		}

		var out io.Writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   cfg.Compress,
		}
		if cfg.Console {
			out = io.MultiWriter(os.Stderr, out)
		}
		log.SetOutput(out)
	}

	defaultLogger = &logrusLogger{logger: log}
}

// SetLogger 替换默认 logger，测试中用来捕获日志
func SetLogger(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

func Warn(ctx context.Context, msg string, args ...any) {
	defaultLogger.Warn(ctx, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	defaultLogger.Error(ctx, msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	defaultLogger.Info(ctx, msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	defaultLogger.Debug(ctx, msg, args...)
}

func GetDefaultLogger() Logger {
	return defaultLogger
}

type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	workflowKey contextKey = "workflow"
)

// WithTraceID 将 trace_id 添加到 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithWorkflow 记录当前执行的工作流名称，日志会带上 workflow 字段
func WithWorkflow(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workflowKey, name)
}

func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func getWorkflow(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if wf, ok := ctx.Value(workflowKey).(string); ok {
		return wf
	}
	return ""
}

// GetTraceID 导出的获取 trace_id 函数
func GetTraceID(ctx context.Context) string {
	return getTraceID(ctx)
}
