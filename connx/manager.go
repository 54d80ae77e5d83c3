// Package connx owns the lifecycle of Redis connections used by every
// other goqueue component: dialing single-node or cluster clients,
// periodic health pings, and a bounded reconnect loop that emits
// connected/disconnected/error events as state changes.
package connx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/mqconfig"
)

// Status is the lifecycle state of a managed connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection is a named, health-tracked Redis client.
type Connection struct {
	Name      string
	Client    redis.UniversalClient
	Status    Status
	IsCluster bool
	CreatedAt time.Time
	LastUsed  time.Time
	ErrCount  int

	mu sync.Mutex
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.Status = s
	if s == StatusError {
		c.ErrCount++
	}
	c.mu.Unlock()
}

func (c *Connection) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// Manager owns a named set of Connections and the reconnect loop that
// keeps the default one alive.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	cfg         mqconfig.RedisConfig
	log         *logx.Logger
	bus         *event.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const defaultConnectionName = "default"

// New builds a Manager bound to cfg. Dialing happens in Connect, not
// here, so constructing a Manager never blocks or fails.
func New(cfg mqconfig.RedisConfig, log *logx.Logger, bus *event.Bus) *Manager {
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Manager{
		connections: make(map[string]*Connection),
		cfg:         cfg,
		log:         log,
		bus:         bus,
	}
}

// Connect dials the default connection, verifies it with a ping, and
// starts the background reconnect loop that watches it. Idempotent: a
// second call while the default connection exists is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	_, exists := m.connections[defaultConnectionName]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	conn, err := m.CreateConnection(ctx, defaultConnectionName, m.cfg)
	if err != nil {
		return err
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.reconnectLoop(conn)

	return nil
}

// CreateConnection dials and registers a new named connection,
// overriding the Manager's default config with override.
func (m *Manager) CreateConnection(ctx context.Context, name string, override mqconfig.RedisConfig) (*Connection, error) {
	client, isCluster, err := buildClient(override)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		Name:      name,
		Client:    client,
		Status:    StatusConnecting,
		IsCluster: isCluster,
		CreatedAt: time.Now(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		conn.setStatus(StatusError)
		_ = client.Close()
		return nil, errorsx.Wrapf(errorsx.ErrConnection, "ping %s: %v", name, err)
	}

	conn.setStatus(StatusConnected)
	m.mu.Lock()
	m.connections[name] = conn
	m.mu.Unlock()

	m.log.Info("connection established",
		zap.String("connection", name), zap.Bool("cluster", isCluster))
	m.bus.Emit("connected", name)

	return conn, nil
}

func buildClient(cfg mqconfig.RedisConfig) (redis.UniversalClient, bool, error) {
	switch {
	case cfg.Single != nil && cfg.Cluster != nil:
		return nil, false, errorsx.Wrap(errorsx.ErrConfiguration, "redis config must set only one of single or cluster")

	case cfg.Cluster != nil:
		addrs := make([]string, 0, len(cfg.Cluster.Nodes))
		for _, n := range cfg.Cluster.Nodes {
			addrs = append(addrs, fmt.Sprintf("%s:%d", n.Host, n.Port))
		}
		opts := &redis.ClusterOptions{
			Addrs:    addrs,
			Password: cfg.Cluster.Password,
			PoolSize: cfg.PoolSize,
			// Short failover backoff; commands issued while the cluster
			// reshuffles should not queue up behind long waits.
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 100 * time.Millisecond,
		}
		return redis.NewClusterClient(opts), true, nil

	case cfg.Single != nil:
		opts := &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Single.Host, cfg.Single.Port),
			Password: cfg.Single.Password,
			DB:       cfg.Single.DB,
			PoolSize: cfg.PoolSize,
		}
		return redis.NewClient(opts), false, nil

	default:
		return nil, false, errorsx.Wrap(errorsx.ErrConfiguration, "redis config requires either single or cluster")
	}
}

// GetConnection returns a previously created connection by name.
func (m *Manager) GetConnection(name string) (*Connection, error) {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errorsx.Wrapf(errorsx.ErrConnectionNotFound, "connection %q not found", name)
	}
	conn.touch()
	return conn, nil
}

// Default returns the connection created by Connect.
func (m *Manager) Default() (*Connection, error) {
	return m.GetConnection(defaultConnectionName)
}

// RemoveConnection closes and forgets a named connection.
func (m *Manager) RemoveConnection(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if ok {
		delete(m.connections, name)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Client.Close()
}

// HealthCheck pings the default connection with a 5s deadline and
// reports its latency.
func (m *Manager) HealthCheck(ctx context.Context) (time.Duration, error) {
	conn, err := m.Default()
	if err != nil {
		return 0, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := conn.Client.Ping(pingCtx).Err(); err != nil {
		conn.setStatus(StatusError)
		m.log.Warn("health check ping failed",
			zap.String("connection", conn.Name), zap.Error(err))
		m.bus.Emit("error", err)
		return 0, errorsx.Wrap(errorsx.ErrConnection, err.Error())
	}
	return time.Since(start), nil
}

// Disconnect stops the reconnect loop and closes every managed
// connection.
func (m *Manager) Disconnect() error {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
		m.stopCh = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, conn := range m.connections {
		conn.setStatus(StatusDisconnected)
		if err := conn.Client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.connections, name)
	}
	m.bus.Emit("disconnected", nil)
	return firstErr
}

// reconnectLoop watches conn and attempts to re-dial it whenever a
// health ping fails, backing off with a single timer and giving up on
// a cycle once 10s have elapsed without success.
func (m *Manager) reconnectLoop(conn *Connection) {
	defer m.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := conn.Client.Ping(ctx).Err()
			cancel()

			if err == nil {
				if conn.status() != StatusConnected {
					conn.setStatus(StatusConnected)
					m.bus.Emit("connected", conn.Name)
				}
				continue
			}

			conn.setStatus(StatusError)
			m.log.Warn("connection health ping failed",
				zap.String("connection", conn.Name), zap.Error(err))
			m.bus.Emit("error", err)
			m.waitUntilReady(conn)
		}
	}
}

// waitUntilReady retries conn's ping every RetryDelay for up to 10s,
// restoring StatusConnected and emitting "connected" on success. Only
// one such cycle is ever in flight: the reconnect loop calls it inline.
func (m *Manager) waitUntilReady(conn *Connection) {
	retryDelay := m.cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	deadline := time.Now().Add(10 * time.Second)
	timer := time.NewTimer(retryDelay)
	defer timer.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := conn.Client.Ping(ctx).Err()
			cancel()
			if err == nil {
				conn.setStatus(StatusConnected)
				m.log.Info("connection restored", zap.String("connection", conn.Name))
				m.bus.Emit("connected", conn.Name)
				return
			}
			timer.Reset(retryDelay)
		}
	}
	m.log.Warn("connection did not recover within the ready deadline",
		zap.String("connection", conn.Name))
	m.bus.Emit("disconnected", conn.Name)
}
