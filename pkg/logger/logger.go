// Package logger структурированное логирование поверх logrus.
//
// Компоненты получают логгер через WithComponent и добавляют поля
// хелперами String, Int, Err и т.д. Идентификатор вызова можно
// передать через context (ContextKeyCallID) и WithContext.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level уровень логирования
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает имя уровня; неизвестное имя дает LevelInfo и false
func ParseLevel(s string) (Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return LevelWarn, true
	}
	for l, name := range levelNames {
		if name == s {
			return l, true
		}
	}
	return LevelInfo, false
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

type contextKey string

// Ключи контекста, которые WithContext переносит в поля
const (
	ContextKeyCallID   contextKey = "call_id"
	ContextKeyCallNo   contextKey = "call_number"
	ContextKeyClientID contextKey = "client"
)

// Logger интерфейс структурированного логирования
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	WithComponent(component string) Logger
	WithFields(fields ...Field) Logger
	WithContext(ctx context.Context) Logger

	SetLevel(level Level)
	IsEnabled(level Level) bool
}

// Field поле записи
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Uint16(key string, value uint16) Field          { return Field{key, value} }
func Uint32(key string, value uint32) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value.String()} }
func Any(key string, value interface{}) Field        { return Field{key, value} }

// Err поле ошибки; nil ошибка дает пустое поле, которое пропускается
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{logrus.ErrorKey, err.Error()}
}

// Options параметры создания логгера
type Options struct {
	Level  Level
	Format string // "json" или "text"
	Output io.Writer
}

// LogrusLogger реализация Logger на logrus
type LogrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// New создает логгер
func New(opts Options) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(opts.Level.logrus())
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}
	return &LogrusLogger{base: l, entry: logrus.NewEntry(l)}
}

// FromLogrus оборачивает готовый logrus.Logger
func FromLogrus(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{base: l, entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		data[f.Key] = f.Value
	}
	return l.entry.WithFields(data)
}

func (l *LogrusLogger) Trace(msg string, fields ...Field) { l.with(fields).Trace(msg) }
func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }

// WithComponent возвращает логгер с полем component
func (l *LogrusLogger) WithComponent(component string) Logger {
	return &LogrusLogger{base: l.base, entry: l.entry.WithField("component", component)}
}

// WithFields возвращает логгер с постоянными полями
func (l *LogrusLogger) WithFields(fields ...Field) Logger {
	return &LogrusLogger{base: l.base, entry: l.with(fields)}
}

// WithContext переносит известные ключи контекста в поля
func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	var fields []Field
	for _, key := range []contextKey{ContextKeyCallID, ContextKeyCallNo, ContextKeyClientID} {
		if v := ctx.Value(key); v != nil {
			fields = append(fields, Any(string(key), v))
		}
	}
	return &LogrusLogger{base: l.base, entry: l.with(fields).WithContext(ctx)}
}

// SetLevel меняет уровень для всех производных логгеров
func (l *LogrusLogger) SetLevel(level Level) {
	l.base.SetLevel(level.logrus())
}

func (l *LogrusLogger) IsEnabled(level Level) bool {
	return l.base.IsLevelEnabled(level.logrus())
}

// Nop логгер, который ничего не пишет
type Nop struct{}

func (Nop) Trace(string, ...Field)             {}
func (Nop) Debug(string, ...Field)             {}
func (Nop) Info(string, ...Field)              {}
func (Nop) Warn(string, ...Field)              {}
func (Nop) Error(string, ...Field)             {}
func (Nop) WithComponent(string) Logger        { return Nop{} }
func (Nop) WithFields(...Field) Logger         { return Nop{} }
func (Nop) WithContext(context.Context) Logger { return Nop{} }
func (Nop) SetLevel(Level)                     {}
func (Nop) IsEnabled(Level) bool               { return false }

// OrNop возвращает l или Nop, если l равен nil
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
