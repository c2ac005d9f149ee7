package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

/* ------------------------------------------------------------------ *
|  1. Configuration & functional‑options                              |
* -------------------------------------------------------------------*/

type Config struct {
	Level      string
	FilePath   string
	Format     string
	Version    string
	Component  string
	Instance   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

type Option func(*Config)

func WithLevel(lvl string) Option      { return func(c *Config) { c.Level = lvl } }
func WithFormat(fmt string) Option     { return func(c *Config) { c.Format = fmt } }
func WithFile(path string) Option      { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option      { return func(c *Config) { c.Version = v } }
func WithComponent(comp string) Option { return func(c *Config) { c.Component = comp } }
func WithInstance(id string) Option    { return func(c *Config) { c.Instance = id } }
func WithRotation(size, backups, age int) Option {
	return func(c *Config) {
		c.MaxSize, c.MaxBackups, c.MaxAge = size, backups, age
	}
}

/* ------------------------------------------------------------------ *
|  2. Package‑level state                                             |
* -------------------------------------------------------------------*/

var (
	atomicLevel = zap.NewAtomicLevel()
	root        = zap.NewNop()
	active      bool
	mu          sync.RWMutex
)

func current() (*zap.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return root, active
}

/* ------------------------------------------------------------------ *
|  3. Init / Shutdown                                                 |
* -------------------------------------------------------------------*/

// Init builds the global zap core. Calling Init twice replaces the old core.
func Init(opts ...Option) error {
	cfg := defaultConfig()
	for _, apply := range opts {
		apply(cfg)
	}

	enc, err := buildEncoder(cfg.Format)
	if err != nil {
		return err
	}
	ws, isFile, err := buildWriter(cfg)
	if err != nil {
		return err
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	fields := []zap.Field{
		zap.String("version", cfg.Version),
		zap.String("component", cfg.Component),
	}
	if cfg.Instance != "" {
		fields = append(fields, zap.String("instance", cfg.Instance))
	}

	mu.Lock()
	defer mu.Unlock()

	// Flush previous file writer (if any)
	if active && isFile {
		_ = root.Sync()
	}

	atomicLevel = lvl
	root = zap.New(zapcore.NewCore(enc, ws, atomicLevel),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(fields...),
	)
	active = true
	return nil
}

// Replace installs l as the root logger. Tests use it with zaptest/observer
// to assert on emitted entries; the returned func restores the previous one.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prevRoot, prevActive := root, active
	root, active = l, true
	mu.Unlock()
	return func() {
		mu.Lock()
		root, active = prevRoot, prevActive
		mu.Unlock()
	}
}

// Shutdown flushes logs when the writer is a file.
func Shutdown() error {
	l, ok := current()
	if !ok {
		return fmt.Errorf("logger not initialized")
	}
	if err := l.Sync(); err != nil && !isPathErr(err) {
		return err
	}
	mu.Lock()
	active = false
	mu.Unlock()
	return nil
}

/* ------------------------------------------------------------------ *
|  4. Helpers                                                         |
* -------------------------------------------------------------------*/

func defaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "console",
		Component:  "peergate",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

func buildEncoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console", "":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func buildWriter(cfg *Config) (zapcore.WriteSyncer, bool, error) {
	if cfg.FilePath == "" {
		return zapcore.AddSync(os.Stdout), false, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, false, fmt.Errorf("create log dir: %w", err)
	}
	ws := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	})
	return ws, true, nil
}

func isPathErr(err error) bool {
	_, ok := err.(*os.PathError)
	return ok
}

/* ------------------------------------------------------------------ *
|  5. Context helpers & child loggers                                 |
* -------------------------------------------------------------------*/

type loggerKey struct{}

type requestIDKey struct{}

// WithLogger attaches a *zap.Logger to a context.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithRequestID tags a context so FromContext adds a request_id field.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns a logger with the request id if present.
func FromContext(ctx context.Context) *zap.Logger {
	l, ok := current()
	if !ok {
		return zap.NewNop()
	}
	if cl, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return cl
	}
	if id := RequestID(ctx); id != "" {
		return l.With(zap.String("request_id", id))
	}
	return l
}

// New returns a component‑scoped child logger. Loggers obtained before Init
// (or after Shutdown) are no-ops.
func New(component string) *zap.Logger {
	l, ok := current()
	if !ok {
		return zap.NewNop()
	}
	return l.With(zap.String("component", component))
}

/* ------------------------------------------------------------------ *
|  6. Convenience wrappers                                            |
* -------------------------------------------------------------------*/

func Debug(msg string, fields ...zap.Field) {
	if l, ok := current(); ok {
		l.Debug(msg, fields...)
	}
}
func Info(msg string, fields ...zap.Field) {
	if l, ok := current(); ok {
		l.Info(msg, fields...)
	}
}
func Warn(msg string, fields ...zap.Field) {
	if l, ok := current(); ok {
		l.Warn(msg, fields...)
	}
}
func Error(msg string, fields ...zap.Field) {
	if l, ok := current(); ok {
		l.Error(msg, fields...)
	}
}

/* ------------------------------------------------------------------ *
|  7. Hot‑swap log‑level                                              |
* -------------------------------------------------------------------*/

func UpdateLevel(lvl string) error {
	if _, ok := current(); !ok {
		return fmt.Errorf("logger not initialized")
	}
	level, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return err
	}
	mu.RLock()
	atomicLevel.SetLevel(level.Level())
	mu.RUnlock()
	return nil
}
