package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"medlit-assistant/internal/provider"
)

// Config is the full assistant configuration: the set of reachable AI
// services, orchestration policy, cache sizing, and the HTTP server.
type Config struct {
	DefaultService string                   `mapstructure:"default_service"`
	AIServices     map[string]ServiceConfig `mapstructure:"ai_services"`
	Settings       SettingsConfig           `mapstructure:"settings"`
	Cache          CacheConfig              `mapstructure:"cache"`
	Redis          RedisConfig              `mapstructure:"redis"`
	Server         ServerConfig             `mapstructure:"server"`
	Intent         IntentConfig             `mapstructure:"intent"`
}

// ServiceConfig describes one configured AI endpoint. Only services with
// status active or testing are loaded.
type ServiceConfig struct {
	Name         string `mapstructure:"name"`
	APIType      string `mapstructure:"api_type"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`
	Timeout      int    `mapstructure:"timeout"`
	Status       string `mapstructure:"status"`
}

type SettingsConfig struct {
	AutoRetry          bool `mapstructure:"auto_retry"`
	MaxRetries         int  `mapstructure:"max_retries"`
	AllowServiceSwitch bool `mapstructure:"allow_service_switch"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"backend"` // memory | redis
	Capacity int    `mapstructure:"capacity"`
	TTL      int    `mapstructure:"ttl"` // seconds
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type IntentConfig struct {
	Model            string `mapstructure:"model"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
}

// Load reads config.yaml from ./configs or the working directory, with
// environment variable overrides (dots become underscores).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_service", "")

	v.SetDefault("settings.auto_retry", true)
	v.SetDefault("settings.max_retries", 3)
	v.SetDefault("settings.allow_service_switch", true)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 500)
	v.SetDefault("cache.ttl", 1800) // 30 minutes

	v.SetDefault("redis.addr", "127.0.0.1:6379")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 120)

	v.SetDefault("intent.model", "")
	v.SetDefault("intent.batch_concurrency", 4)
}

// ActiveProviders returns provider configs for every active/testing service,
// with the default service first and the rest in stable name order. The
// returned slice is the orchestrator's attempt order.
func (c *Config) ActiveProviders() ([]provider.Config, error) {
	ids := make([]string, 0, len(c.AIServices))
	for id := range c.AIServices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []provider.Config
	for _, id := range ids {
		svc := c.AIServices[id]
		switch svc.Status {
		case "active", "testing":
		default:
			continue
		}

		name := svc.Name
		if name == "" {
			name = id
		}
		pc := provider.Config{
			Name:         name,
			APIType:      svc.APIType,
			BaseURL:      svc.BaseURL,
			APIKey:       svc.APIKey,
			DefaultModel: svc.DefaultModel,
			TimeoutSecs:  svc.Timeout,
		}
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", id, err)
		}

		if id == c.DefaultService {
			out = append([]provider.Config{pc}, out...)
			continue
		}
		out = append(out, pc)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no active AI services configured")
	}
	return out, nil
}
