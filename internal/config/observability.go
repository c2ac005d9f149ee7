package config

// LoggingConfig controls the zap core and lumberjack rotation. An empty FILE
// logs to stdout only.
type LoggingConfig struct {
	Level      string `mapstructure:"LEVEL"       json:"level"       validate:"required,log_level"`
	FilePath   string `mapstructure:"FILE"        json:"file"        validate:"omitempty"`
	Format     string `mapstructure:"FORMAT"      json:"format"      validate:"omitempty,log_format"`
	MaxSize    int    `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int    `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"min=0,max=100"`
	MaxAge     int    `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`
}

// MetricsConfig exposes the prometheus registry on its own listener, apart
// from the peer and admin API.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Port    int    `mapstructure:"PORT"    json:"port"    validate:"required,min=1024,max=65535"`
	Path    string `mapstructure:"PATH"    json:"path"    validate:"required,startswith=/"`
}
