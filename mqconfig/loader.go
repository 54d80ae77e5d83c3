package mqconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a ManagerConfig from configPath (optional) overlaid with
// GOQUEUE_-prefixed environment variables, layering viper sources
// (defaults, then file, then env, highest precedence last).
func Load(configPath string) (*ManagerConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("GOQUEUE")

	var cfg ManagerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal goqueue config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid goqueue config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultManagerConfig()
	v.SetDefault("redis.single.host", d.Redis.Single.Host)
	v.SetDefault("redis.single.port", d.Redis.Single.Port)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.retry_attempts", d.Redis.RetryAttempts)
	v.SetDefault("redis.retry_delay", d.Redis.RetryDelay)
	v.SetDefault("default_queue.max_length", d.DefaultQueue.MaxLength)
	v.SetDefault("default_queue.retry_attempts", d.DefaultQueue.RetryAttempts)
	v.SetDefault("health_check.enabled", d.HealthCheck.Enabled)
	v.SetDefault("health_check.interval", d.HealthCheck.Interval)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.monitoring.interval", d.Metrics.Monitoring.Interval)
}
