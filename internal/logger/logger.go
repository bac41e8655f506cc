// Package logger wraps zerolog with a process-wide root logger and
// request-scoped children.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Level   string
	Format  string
	Service string
	Writer  io.Writer
}

// Logger is the project-wide logging type.
type Logger = zerolog.Logger

var (
	once   sync.Once
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// FromEnv reads LOG_LEVEL and LOG_FORMAT directly so the logger can come up
// before configuration is loaded.
func FromEnv() Options {
	return Options{
		Level:   strings.ToLower(os.Getenv("LOG_LEVEL")),
		Format:  strings.ToLower(os.Getenv("LOG_FORMAT")),
		Service: "marginalia",
	}
}

// Init builds the root logger. Only the first call has any effect.
func Init(opt Options) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		var w io.Writer = os.Stdout
		if opt.Writer != nil {
			w = opt.Writer
		}
		if opt.Format == "console" {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}

		ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
		if opt.Service != "" {
			ctx = ctx.Str("service", opt.Service)
		}
		log := ctx.Logger()
		root.Store(&log)
		inited.Store(true)
	})
}

// Get returns the root logger, initializing it from the environment on first use.
func Get() *Logger {
	if !inited.Load() {
		Init(FromEnv())
	}
	return root.Load()
}

func parseLevel(s string) zerolog.Level {
	switch strings.TrimSpace(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

type ctxKey struct{ name string }

var keyRequestID = ctxKey{"request_id"}

// WithRequest stores the request id on ctx.
func WithRequest(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID returns the request id stored by WithRequest.
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(keyRequestID).(string)
	return s
}

// C returns a child of the root logger carrying the request id from ctx.
func C(ctx context.Context) *Logger {
	l := Get()
	id := RequestID(ctx)
	if id == "" {
		return l
	}
	child := l.With().Str("request_id", id).Logger()
	return &child
}

// Named returns a child logger with a component field.
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	child := Get().With().Str("component", component).Logger()
	return &child
}
