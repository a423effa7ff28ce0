package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	MDNS         MDNSConfig         `mapstructure:"mdns"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	RemoteAccess RemoteAccessConfig `mapstructure:"remote_access"`
}

type AppConfig struct {
	Port      int    `mapstructure:"port"`
	AgentID   string `mapstructure:"agent_id"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type MDNSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	LocalName string `mapstructure:"local_name"`
}

// SchedulerConfig holds the cron specs of the periodic maintenance jobs.
type SchedulerConfig struct {
	Timezone     string `mapstructure:"timezone"`
	RebuildCron  string `mapstructure:"rebuild_cron"`
	ExpiryCron   string `mapstructure:"expiry_cron"`
	CompleteCron string `mapstructure:"complete_cron"`
	// TieBreak resolves equally cheap schedules: "earliest" or "latest".
	TieBreak string `mapstructure:"tie_break"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RemoteAccessConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PublicWS       string `mapstructure:"public_ws"`
	RetryDelaySecs int    `mapstructure:"retry_delay_secs"`
}

// RetryDelay returns the bridge reconnect delay.
func (c RemoteAccessConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// LoadConfig reads configuration from file, .env, or env vars
func LoadConfig() (*Config, error) {
	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// DATABASE_URL maps to database.url and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.agent_id", "")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "smartplan")
	v.SetDefault("mqtt.topic_prefix", "smartplan")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.local_name", "smartplan.local")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.rebuild_cron", "5 0 * * *")
	v.SetDefault("scheduler.expiry_cron", "@every 1m")
	v.SetDefault("scheduler.complete_cron", "15 0 * * *")
	v.SetDefault("scheduler.tie_break", "earliest")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("remote_access.enabled", false)
	v.SetDefault("remote_access.public_ws", "")
	v.SetDefault("remote_access.retry_delay_secs", 5)
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret (JWT_SECRET) is required"))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("app.port %d out of range", c.App.Port))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if t := c.Scheduler.TieBreak; t != "earliest" && t != "latest" {
		errs = append(errs, fmt.Errorf("scheduler.tie_break must be earliest or latest, got %q", t))
	}
	if c.RemoteAccess.Enabled && c.RemoteAccess.PublicWS == "" {
		errs = append(errs, errors.New("remote_access.public_ws is required when remote access is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
