// Package mqconfig holds the configuration surface recognized by every
// goqueue component, loaded either programmatically or through viper
// the way a layered service config package does.
package mqconfig

import (
	"fmt"
	"time"
)

// SingleNodeConfig configures a single-node Redis connection.
type SingleNodeConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ClusterNode is one seed node of a Redis cluster.
type ClusterNode struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ClusterConfig configures a Redis Cluster connection.
type ClusterConfig struct {
	Nodes    []ClusterNode `mapstructure:"nodes"`
	Password string        `mapstructure:"password"`
}

// RedisConfig is the top-level `redis` config block. Exactly one of
// Single/Cluster must be set.
type RedisConfig struct {
	Single        *SingleNodeConfig `mapstructure:"single"`
	Cluster       *ClusterConfig    `mapstructure:"cluster"`
	PoolSize      int               `mapstructure:"pool_size"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay"`
}

// Validate rejects configs that name neither or both connection modes,
// and fills in the advisory pool/retry defaults.
func (c *RedisConfig) Validate() error {
	if c.Single == nil && c.Cluster == nil {
		return fmt.Errorf("redis config requires either single or cluster")
	}
	if c.Single != nil && c.Cluster != nil {
		return fmt.Errorf("redis config must set only one of single or cluster")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return nil
}

// QueueConfig is the per-queue configuration block.
type QueueConfig struct {
	MaxLength       int64  `mapstructure:"max_length"`
	Priority        bool   `mapstructure:"priority"`
	RetryAttempts   int    `mapstructure:"retry_attempts"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
}

// DefaultQueueConfig returns the advisory defaults for a new queue.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxLength: 10000, RetryAttempts: 3}
}

// Merge overlays non-zero fields of override onto a copy of c (used by
// manager.CreateQueue to merge defaultQueue with a per-call override).
func (c QueueConfig) Merge(override QueueConfig) QueueConfig {
	merged := c
	if override.MaxLength != 0 {
		merged.MaxLength = override.MaxLength
	}
	if override.Priority {
		merged.Priority = override.Priority
	}
	if override.RetryAttempts != 0 {
		merged.RetryAttempts = override.RetryAttempts
	}
	if override.DeadLetterQueue != "" {
		merged.DeadLetterQueue = override.DeadLetterQueue
	}
	return merged
}

// ProducerConfig is the per-Producer configuration block.
type ProducerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

// DefaultProducerConfig returns the advisory defaults for a Producer.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// ConsumerConfig is the per-Consumer configuration block.
type ConsumerConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	AutoAck         bool          `mapstructure:"auto_ack"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Concurrency     int           `mapstructure:"concurrency"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	ConsumerID      string        `mapstructure:"consumer_id"`
	DeadLetterQueue string        `mapstructure:"dead_letter_queue"`
	RetryPolicyName string        `mapstructure:"retry_policy"`

	// KeepUnparseablePending leaves entries that fail to decode on the
	// consumer group's pending list instead of acking them away. The
	// default (false) acks and drops them: a message that cannot be
	// decoded will never decode on redelivery either, and leaving it
	// pending jams the group.
	KeepUnparseablePending bool `mapstructure:"keep_unparseable_pending"`
}

// DefaultConsumerConfig returns the advisory defaults for a Consumer.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:   1,
		Timeout:     5 * time.Second,
		AutoAck:     false,
		MaxRetries:  3,
		Concurrency: 1,
	}
}

// HealthCheckConfig controls the queue manager's health-check loop.
type HealthCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig controls the queue manager's metrics loop.
type MetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// MonitoringConfig holds the metrics-loop tick interval.
type MonitoringConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ManagerConfig is the root configuration consumed by manager.New.
type ManagerConfig struct {
	Redis        RedisConfig       `mapstructure:"redis"`
	DefaultQueue QueueConfig       `mapstructure:"default_queue"`
	HealthCheck  HealthCheckConfig `mapstructure:"health_check"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
}

// Validate applies defaults and enforces that exactly one Redis
// connection mode is configured.
func (c *ManagerConfig) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("%w", err)
	}
	if c.DefaultQueue.MaxLength == 0 {
		c.DefaultQueue.MaxLength = 10000
	}
	if c.DefaultQueue.RetryAttempts == 0 {
		c.DefaultQueue.RetryAttempts = 3
	}
	if c.HealthCheck.Interval <= 0 {
		c.HealthCheck.Interval = 30 * time.Second
	}
	if c.Metrics.Monitoring.Interval <= 0 {
		c.Metrics.Monitoring.Interval = 10 * time.Second
	}
	return nil
}

// DefaultManagerConfig returns a ManagerConfig wired against a local
// single-node Redis, with health-check and metrics loops enabled.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Redis: RedisConfig{
			Single:        &SingleNodeConfig{Host: "localhost", Port: 6379},
			PoolSize:      10,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		DefaultQueue: DefaultQueueConfig(),
		HealthCheck:  HealthCheckConfig{Enabled: true, Interval: 30 * time.Second},
		Metrics:      MetricsConfig{Enabled: true, Monitoring: MonitoringConfig{Interval: 10 * time.Second}},
	}
}
