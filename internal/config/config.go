package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/peergate/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

var (
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	pubkeyRe   = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// Config holds every sub‑config.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"   json:"general"`
	Server    ServerConfig    `mapstructure:"server"    json:"server"`
	Admin     AdminConfig     `mapstructure:"admin"     json:"admin"`
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat"`
	Ban       BanConfig       `mapstructure:"ban"       json:"ban"`
	Admission AdmissionConfig `mapstructure:"admission" json:"admission"`
	Workers   WorkersConfig   `mapstructure:"workers"   json:"workers"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   json:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"   json:"logging"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		performCrossFieldValidation(sl, sl.Current().Interface().(Config))
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// ":port" or "host:port"
	if err := validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		return host == "" || net.ParseIP(host) != nil || hostnameRe.MatchString(host)
	}); err != nil {
		logger.Error("Failed to register listen_addr validator", zap.Error(err))
	}

	// Validate public key is 64-character hex string
	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		return pubkeyRe.MatchString(fl.Field().String())
	}); err != nil {
		logger.Error("Failed to register pubkey validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration, ok := fl.Field().Interface().(time.Duration)
		return ok && duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration, ok := fl.Field().Interface().(time.Duration)
		return ok && duration >= 100*time.Millisecond && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("db_driver", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case DriverPostgres, DriverSQLite, DriverMemory:
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register db_driver validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		return net.ParseIP(host) != nil || hostnameRe.MatchString(host)
	}); err != nil {
		logger.Error("Failed to register host validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	if cfg.Heartbeat.CriticalThreshold <= cfg.Heartbeat.WarningThreshold {
		sl.ReportError(cfg.Heartbeat.CriticalThreshold, "CriticalThreshold", "CriticalThreshold", "critical_not_above_warning", "")
	}

	if cfg.Metrics.Enabled {
		if _, port, err := net.SplitHostPort(cfg.Server.ListenAddr); err == nil && port == fmt.Sprint(cfg.Metrics.Port) {
			sl.ReportError(cfg.Metrics.Port, "Port", "Port", "port_conflict", "")
		}
	}

	if cfg.Database.Driver == DriverPostgres && cfg.Database.URL == "" && cfg.Database.Server == "" {
		sl.ReportError(cfg.Database.URL, "URL", "URL", "postgres_target_missing", "")
	}

	if cfg.Admin.RequireAuth && len(cfg.Admin.PubKeys) == 0 {
		sl.ReportError(cfg.Admin.PubKeys, "PubKeys", "PubKeys", "admin_keys_missing", "")
	}

	if cfg.Admission.RateLimit.Enabled && (cfg.Admission.RateLimit.PerSecond <= 0 || cfg.Admission.RateLimit.Burst <= 0) {
		sl.ReportError(cfg.Admission.RateLimit.PerSecond, "PerSecond", "PerSecond", "rate_limit_incomplete", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	cfg, err := Read(path, log)
	if err != nil {
		return nil, err
	}
	if err := initializeLogger(cfg.Logging, cfg.General.InstanceName); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("logger initialized",
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
			zap.String("file", cfg.Logging.FilePath),
		)
	}
	return cfg, nil
}

// Read is Load without touching the global logger. `peergate config check`
// uses it directly.
func Read(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERGATE") // PEERGATE_HEARTBEAT_INTERVAL_SECS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("driver", cfg.Database.Driver),
		)
	}
	return &cfg, nil
}

// Validate re-checks cfg, e.g. after CLI flag overrides.
func Validate(cfg *Config) error {
	if err := validate.Struct(*cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// SQLitePath resolves the SQLite database file.
func (c *Config) SQLitePath() string {
	if c.Database.SQLitePath != "" {
		return c.Database.SQLitePath
	}
	return filepath.Join(c.General.DataDir, "peergate.db")
}

// BanSnapshotDir resolves the LevelDB ban snapshot directory.
func (c *Config) BanSnapshotDir() string {
	if c.Ban.SnapshotDir != "" {
		return c.Ban.SnapshotDir
	}
	return filepath.Join(c.General.DataDir, "bans")
}

// initializeLogger initializes the logger using the LoggingConfig. instance
// may be empty.
func initializeLogger(loggingConfig LoggingConfig, instance string) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("peergate"),
		logger.WithInstance(instance),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "lt":
		return fmt.Sprintf("%s must be less than %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got: %v)", field, param, value)
	case "startswith":
		return fmt.Sprintf("%s must start with %q (got: %v)", field, param, value)
	case "listen_addr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "db_driver":
		return fmt.Sprintf("%s must be one of: postgres, sqlite, memory (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "critical_not_above_warning":
		return "heartbeat CRITICAL_THRESHOLD must be greater than WARNING_THRESHOLD"
	case "port_conflict":
		return "metrics port conflicts with the server listen port, they must be different"
	case "postgres_target_missing":
		return "database URL or SERVER is required when DRIVER is postgres"
	case "admin_keys_missing":
		return "admin PUBKEYS must list at least one key when REQUIRE_AUTH is true"
	case "rate_limit_incomplete":
		return "admission rate limit needs PER_SECOND and BURST above zero when enabled"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
