package config

import "time"

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	DataDir      string `mapstructure:"DATA_DIR"      json:"data_dir"      validate:"required"`
	InstanceName string `mapstructure:"INSTANCE_NAME" json:"instance_name" validate:"omitempty,max=64"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"LISTEN_ADDR"      json:"listen_addr"      validate:"required,listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"READ_TIMEOUT"     json:"read_timeout"     validate:"required,timeout_duration"`
	WriteTimeout    time.Duration `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,timeout_duration"`
	IdleTimeout     time.Duration `mapstructure:"IDLE_TIMEOUT"     json:"idle_timeout"     validate:"required,reasonable_duration"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,timeout_duration"`
	Control         ControlConfig `mapstructure:"CONTROL"          json:"control"`
}

// ControlConfig holds the WebSocket control channel settings.
type ControlConfig struct {
	Enabled           bool          `mapstructure:"ENABLED"             json:"enabled"`
	MaxMessageBytes   int64         `mapstructure:"MAX_MESSAGE_BYTES"   json:"max_message_bytes"   validate:"required,min=256,max=1048576"`
	MessagesPerSecond float64       `mapstructure:"MESSAGES_PER_SECOND" json:"messages_per_second" validate:"required,gt=0"`
	Burst             int           `mapstructure:"BURST"               json:"burst"               validate:"required,min=1,max=100000"`
	PingInterval      time.Duration `mapstructure:"PING_INTERVAL"       json:"ping_interval"       validate:"required,reasonable_duration"`
}

// AdminConfig holds admin API authentication settings. Requests are signed
// NIP-98 events (kind 27235) from one of PubKeys.
type AdminConfig struct {
	RequireAuth bool          `mapstructure:"REQUIRE_AUTH" json:"require_auth"`
	PubKeys     []string      `mapstructure:"PUBKEYS"      json:"pubkeys"     validate:"omitempty,dive,pubkey"`
	PublicURL   string        `mapstructure:"PUBLIC_URL"   json:"public_url"  validate:"omitempty,url"`
	AuthWindow  time.Duration `mapstructure:"AUTH_WINDOW"  json:"auth_window" validate:"required,timeout_duration"`
}

// WorkersConfig sizes the background worker pool.
type WorkersConfig struct {
	Count     int `mapstructure:"COUNT"      json:"count"      validate:"required,min=1,max=256"`
	QueueSize int `mapstructure:"QUEUE_SIZE" json:"queue_size" validate:"required,min=1,max=100000"`
}
