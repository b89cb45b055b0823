// Package logging provides the process-wide logger: a slog core behind a
// printf-style facade, with optional rotated file output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields map[string]any

const (
	DebugLevel = slog.LevelDebug
	InfoLevel  = slog.LevelInfo
	WarnLevel  = slog.LevelWarn
	ErrorLevel = slog.LevelError
)

var (
	defaultLogger *slog.Logger
	logLevel      = new(slog.LevelVar)
	logOutput     io.Writer = os.Stdout
	outputMu      sync.RWMutex
	initOnce      sync.Once
)

func init() {
	initOnce.Do(func() {
		logLevel.Set(slog.LevelInfo)
		defaultLogger = slog.New(newTextHandler(os.Stdout, logLevel, true))
	})
}

// SetOutput replaces the log destination.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	logOutput = w
	defaultLogger = slog.New(newTextHandler(w, logLevel, true))
}

// SetFileOutput tees logs into a size-rotated file next to stdout.
func SetFileOutput(path string, maxSizeMB, maxBackups int) {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	SetOutput(io.MultiWriter(os.Stdout, rotated))
}

func SetLevel(level slog.Level) { logLevel.Set(level) }

func GetLevel() slog.Level { return logLevel.Level() }

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func Debug(msg string)                 { logAt(slog.LevelDebug, msg, nil) }
func Debugf(format string, args ...any) { logAt(slog.LevelDebug, fmt.Sprintf(format, args...), nil) }
func Info(msg string)                  { logAt(slog.LevelInfo, msg, nil) }
func Infof(format string, args ...any)  { logAt(slog.LevelInfo, fmt.Sprintf(format, args...), nil) }
func Warn(msg string)                  { logAt(slog.LevelWarn, msg, nil) }
func Warnf(format string, args ...any)  { logAt(slog.LevelWarn, fmt.Sprintf(format, args...), nil) }
func Error(msg string)                 { logAt(slog.LevelError, msg, nil) }
func Errorf(format string, args ...any) { logAt(slog.LevelError, fmt.Sprintf(format, args...), nil) }

func Fatalf(format string, args ...any) {
	logAt(slog.LevelError, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

func logAt(level slog.Level, msg string, attrs []slog.Attr) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	_ = defaultLogger.Handler().Handle(context.Background(), r)
}

// Entry carries structured attributes accumulated before emitting a record.
type Entry struct {
	attrs []slog.Attr
}

func WithError(err error) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any("error", err)}}
}

func WithField(key string, value any) *Entry {
	return &Entry{attrs: []slog.Attr{slog.Any(key, value)}}
}

func WithFields(fields Fields) *Entry {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &Entry{attrs: attrs}
}

func (e *Entry) WithField(key string, value any) *Entry {
	e.attrs = append(e.attrs, slog.Any(key, value))
	return e
}

func (e *Entry) Debug(msg string)                  { e.logAt(slog.LevelDebug, msg) }
func (e *Entry) Debugf(format string, args ...any) { e.logAt(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (e *Entry) Info(msg string)                   { e.logAt(slog.LevelInfo, msg) }
func (e *Entry) Infof(format string, args ...any)  { e.logAt(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (e *Entry) Warn(msg string)                   { e.logAt(slog.LevelWarn, msg) }
func (e *Entry) Warnf(format string, args ...any)  { e.logAt(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (e *Entry) Error(msg string)                  { e.logAt(slog.LevelError, msg) }
func (e *Entry) Errorf(format string, args ...any) { e.logAt(slog.LevelError, fmt.Sprintf(format, args...)) }

func (e *Entry) logAt(level slog.Level, msg string) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(e.attrs...)
	_ = defaultLogger.Handler().Handle(context.Background(), r)
}

// Milestone logs a transcoding checkpoint (inbound request, wrapped request,
// raw backend stream, outbound response) at debug level. Payloads are
// truncated so a large conversation cannot flood the log file.
func Milestone(title string, payload []byte) {
	if GetLevel() > slog.LevelDebug {
		return
	}
	const limit = 4096
	p := payload
	truncated := false
	if len(p) > limit {
		p, truncated = p[:limit], true
	}
	e := WithField("bytes", len(payload))
	if truncated {
		e = e.WithField("truncated", true)
	}
	e.Debugf("%s: %s", title, p)
}
