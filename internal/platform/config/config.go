package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Errors    ErrorsConfig    `mapstructure:"errors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

type WebhooksConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxResponseBody int64         `mapstructure:"max_response_body"`
	CredentialsKey  string        `mapstructure:"credentials_key"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// RetryConfig drives the error retry sweep, not per-record retry budgets.
type RetryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
}

type SchedulerConfig struct {
	Backend      string        `mapstructure:"backend"` // memory, redis
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type AuditConfig struct {
	RetentionDays          int           `mapstructure:"retention_days"`
	PreserveCritical       bool          `mapstructure:"preserve_critical"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	ExportLimit            int           `mapstructure:"export_limit"`
	SecurityEventThreshold int           `mapstructure:"security_event_threshold"`
	AuthFailureThreshold   int           `mapstructure:"auth_failure_threshold"`
}

type ErrorsConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.path", "data/courier.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.issuer", "courier")
	v.SetDefault("jwt.access_token_ttl", "1h")

	v.SetDefault("rate_limit.api_read_per_minute", 1000)
	v.SetDefault("rate_limit.api_write_per_minute", 100)

	v.SetDefault("webhooks.request_timeout", 30*time.Second)
	v.SetDefault("webhooks.user_agent", "Courier-Webhooks/1.0")
	v.SetDefault("webhooks.max_response_body", 4096)
	v.SetDefault("webhooks.concurrency", 10)

	v.SetDefault("retry.sweep_interval", 30*time.Second)
	v.SetDefault("retry.batch_size", 500)
	v.SetDefault("retry.concurrency", 10)

	v.SetDefault("scheduler.backend", "memory")
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.concurrency", 20)

	v.SetDefault("audit.retention_days", 365)
	v.SetDefault("audit.preserve_critical", true)
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)
	v.SetDefault("audit.export_limit", 10000)
	v.SetDefault("audit.security_event_threshold", 10)
	v.SetDefault("audit.auth_failure_threshold", 100)

	v.SetDefault("errors.retention_days", 90)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
