// Package config loads service configuration from defaults, an optional
// YAML file and FINBOARD_* environment variables.
package config

import "time"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=postgres redis file"`
	Dir     string `mapstructure:"dir" validate:"required_if=Backend file"`
	// KeepPerOwner bounds stored tasks per owner. Zero keeps everything.
	KeepPerOwner int `mapstructure:"keep_per_owner" validate:"gte=0"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type WorkerConfig struct {
	ID           string        `mapstructure:"id"`
	Concurrency  int           `mapstructure:"concurrency" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type LLMConfig struct {
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	ModelName    string        `mapstructure:"model_name" validate:"required"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type NotifyConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromName       string `mapstructure:"from_name"`
	FromAddress    string `mapstructure:"from_address" validate:"omitempty,email"`
}
