package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger handles debug logging to file and stderr.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	sink    io.Writer
	sugar   *zap.SugaredLogger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.init()
	})
	return defaultLogger
}

// NewForTest returns an enabled logger that writes to w.
func NewForTest(w io.Writer) *Logger {
	l := &Logger{enabled: true, sink: w}
	l.sugar = newSugar(w)
	return l
}

func newSugar(w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	encCfg.NameKey = "logger"
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Named("client").Sugar()
}

func (l *Logger) init() {
	debugEnv := os.Getenv("STREAMCHAT_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamchat log: failed to get home dir: %v\n", err)
		return
	}

	debugFile := filepath.Join(home, ".streamchat", "debug")
	_, debugFileErr := os.Stat(debugFile)
	debugFileExists := debugFileErr == nil

	if debugEnv != "1" && !debugFileExists {
		l.enabled = false
		return
	}

	l.enabled = true

	logsDir := filepath.Join(home, ".streamchat", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "streamchat log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("streamchat-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamchat log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	l.file = file
	l.sink = file
	l.sugar = newSugar(file)

	if debugEnv == "1" {
		l.logf(zapcore.InfoLevel, "Logging started (STREAMCHAT_DEBUG=1)")
	} else {
		l.logf(zapcore.InfoLevel, "Logging started (~/.streamchat/debug exists)")
	}
	l.logf(zapcore.InfoLevel, "Log file: %s", logPath)
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

func (l *Logger) logf(level zapcore.Level, format string, args ...any) {
	if l.sugar == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch level {
	case zapcore.DebugLevel:
		l.sugar.Debugf(format, args...)
	case zapcore.ErrorLevel:
		l.sugar.Errorf(format, args...)
	default:
		l.sugar.Infof(format, args...)
	}
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.logf(zapcore.DebugLevel, format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.logf(zapcore.InfoLevel, format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.file != nil || l.sink == nil {
		fmt.Fprintf(os.Stderr, "streamchat error: %s\n", msg)
	}
	if l.enabled {
		l.logf(zapcore.ErrorLevel, "%s", msg)
	}
}

// Request logs an outgoing API request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.logf(zapcore.DebugLevel, "REQ [%s] %s", action, truncate(raw, 500))
}

// Response logs an API response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.logf(zapcore.DebugLevel, "RESP [%s] %s", msgType, truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.enabled {
		return
	}
	l.logf(zapcore.DebugLevel, "STREAM [%s] %s", eventType, truncate(content, 200))
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	if l.sugar != nil {
		_ = l.sugar.Sync()
	}
	if l.file != nil {
		l.file.Close()
	}
}

// Writer returns an io.Writer for the log sink (for external use).
func (l *Logger) Writer() io.Writer {
	if l.sink != nil {
		return l.sink
	}
	return io.Discard
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
