// Package manager implements the root of the core: a registry of named
// queues sitting on one connx.Manager, plus the health-check and
// metrics ticker loops that watch them. Grounded on the teacher's
// internal/pkg/health.Service (provider registry, aggregateStatus
// strategies, async ticker-with-stopCh loop), renamed to this
// library's healthy/degraded/unhealthy vocabulary.
package manager

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/connx"
	"github.com/nvquang-dev/goqueue/dlq"
	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/mqconfig"
	"github.com/nvquang-dev/goqueue/queue"
)

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxQueueNameLength = 100

// HealthStatus is the aggregate health reported by HealthCheck.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CheckResult is one named probe's outcome and timing.
type CheckResult struct {
	Name     string
	Healthy  bool
	Duration time.Duration
	Error    error
}

// Health is the full report returned by HealthCheck.
type Health struct {
	Status HealthStatus
	Checks []CheckResult
}

// Metrics is the snapshot returned by GetMetrics.
type Metrics struct {
	Queues        map[string]queue.Stats
	MemAllocBytes uint64
	NumGoroutine  int
	PoolSize      int
	PoolTotal     uint32
	PoolIdle      uint32
}

// Manager owns every named Queue registered against one Redis
// connection, plus the health-check and metrics background loops.
type Manager struct {
	cfg  mqconfig.ManagerConfig
	conn *connx.Manager
	log  *logx.Logger
	bus  *event.Bus

	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg (exactly one of redis.single/redis.cluster) and
// returns a disconnected Manager.
func New(cfg mqconfig.ManagerConfig, log *logx.Logger, bus *event.Bus) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errorsx.Wrap(errorsx.ErrConfiguration, err.Error())
	}
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Manager{
		cfg:    cfg,
		conn:   connx.New(cfg.Redis, log, bus),
		log:    log,
		bus:    bus,
		queues: make(map[string]*queue.Queue),
	}, nil
}

// Connect dials Redis and emits "connected".
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.conn.Connect(ctx); err != nil {
		return err
	}
	m.bus.Emit("connected", nil)
	return nil
}

// Disconnect tears down every connection and emits "disconnected".
func (m *Manager) Disconnect() error {
	return m.conn.Disconnect()
}

// IsConnected reports whether the default connection is established.
func (m *Manager) IsConnected() bool {
	_, err := m.conn.Default()
	return err == nil
}

func validateQueueName(name string) error {
	if name == "" {
		return errorsx.Wrap(errorsx.ErrInvalidQueueName, "queue name must not be empty")
	}
	if len(name) > maxQueueNameLength {
		return errorsx.Wrapf(errorsx.ErrInvalidQueueName, "queue name exceeds %d characters", maxQueueNameLength)
	}
	if !queueNamePattern.MatchString(name) {
		return errorsx.Wrapf(errorsx.ErrInvalidQueueName, "queue name %q must match %s", name, queueNamePattern.String())
	}
	return nil
}

// CreateQueue validates name, merges perQueueCfg over the manager's
// default queue config, registers and (if the manager is already
// started) starts the queue. Fails with ErrQueueAlreadyExists on a
// duplicate name.
func (m *Manager) CreateQueue(ctx context.Context, name string, perQueueCfg *mqconfig.QueueConfig) (*queue.Queue, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		return nil, errorsx.Wrapf(errorsx.ErrQueueAlreadyExists, "queue %q already exists", name)
	}

	merged := m.cfg.DefaultQueue
	if perQueueCfg != nil {
		merged = merged.Merge(*perQueueCfg)
	}

	conn, err := m.conn.Default()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	q := queue.New(name, merged, conn.Client, m.log, m.bus)
	m.queues[name] = q
	started := m.started
	m.mu.Unlock()

	if started {
		if err := q.Start(ctx); err != nil {
			m.mu.Lock()
			delete(m.queues, name)
			m.mu.Unlock()
			return nil, err
		}
	}

	m.bus.Emit("queue-created", name)
	return q, nil
}

// GetQueue returns a previously created queue, or false if unknown.
func (m *Manager) GetQueue(name string) (*queue.Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// ListQueues returns every registered queue's name.
func (m *Manager) ListQueues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// DeleteQueue stops, purges and unregisters name. Returns false if
// name was never registered.
func (m *Manager) DeleteQueue(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.queues, name)
	m.mu.Unlock()

	if err := q.Stop(); err != nil {
		return true, err
	}
	if _, err := q.Purge(ctx); err != nil {
		return true, err
	}
	m.bus.Emit("queue-deleted", name)
	return true, nil
}

// DLQManagerFor builds a dlq.Manager bound to queue.DLQStreamKey(name),
// for callers that want dead-letter operations without going through a
// Consumer. name is used as the dead-letter queue's own name; it is not
// resolved through a registered queue's DeadLetterQueue setting.
func (m *Manager) DLQManagerFor(name string) (*dlq.Manager, error) {
	conn, err := m.conn.Default()
	if err != nil {
		return nil, err
	}
	return dlq.New(name, m.cfg.DefaultQueue.MaxLength, conn.Client, m.log, m.bus), nil
}

// Start is idempotent: starts every registered queue, then the
// health-check and metrics loops per cfg.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		if err := q.Start(ctx); err != nil {
			return err
		}
	}

	if m.cfg.HealthCheck.Enabled {
		m.wg.Add(1)
		go m.healthLoop()
	}
	if m.cfg.Metrics.Enabled {
		m.wg.Add(1)
		go m.metricsLoop()
	}

	m.bus.Emit("started", nil)
	return nil
}

// Stop is idempotent: cancels the health/metrics loops first, then
// stops every queue.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	stopCh := m.stopCh
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	close(stopCh)
	m.wg.Wait()

	var firstErr error
	for _, q := range queues {
		if err := q.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.bus.Emit("stopped", nil)
	return firstErr
}

// HealthCheck pings Redis and, per registered queue, checks IsRunning
// and GetInfo, aggregating to healthy/degraded/unhealthy. A panic in the
// Redis probe is caught into a synthetic "system-health" check, and a
// panic in a queue probe into a failed check under that queue's name,
// instead of propagating.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	var checks []CheckResult

	checks = append(checks, m.checkRedis(ctx))

	m.mu.RLock()
	queues := make(map[string]*queue.Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.RUnlock()

	for name, q := range queues {
		checks = append(checks, m.checkQueue(ctx, name, q))
	}

	m.bus.Emit("health-check", checks)
	return Health{Status: aggregateStatus(checks), Checks: checks}
}

func (m *Manager) checkRedis(ctx context.Context) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Name: "system-health", Healthy: false, Error: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := time.Now()
	_, err := m.conn.HealthCheck(ctx)
	return CheckResult{Name: "redis", Healthy: err == nil, Duration: time.Since(start), Error: err}
}

func (m *Manager) checkQueue(ctx context.Context, name string, q *queue.Queue) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Name: name, Healthy: false, Error: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := time.Now()
	if !q.IsRunning() {
		return CheckResult{Name: name, Healthy: false, Duration: time.Since(start), Error: errorsx.Wrapf(errorsx.ErrOperationFailed, "queue %q is not running", name)}
	}
	if _, err := q.GetInfo(ctx); err != nil {
		return CheckResult{Name: name, Healthy: false, Duration: time.Since(start), Error: err}
	}
	return CheckResult{Name: name, Healthy: true, Duration: time.Since(start)}
}

// aggregateStatus applies the ALL/CRITICAL strategy the source's
// health.Service uses: every check healthy -> healthy; the Redis check
// (first entry) failing is always unhealthy; otherwise any failing
// check degrades to "degraded".
func aggregateStatus(checks []CheckResult) HealthStatus {
	if len(checks) > 0 && !checks[0].Healthy {
		return HealthUnhealthy
	}
	for _, c := range checks {
		if !c.Healthy {
			return HealthDegraded
		}
	}
	return HealthHealthy
}

// GetMetrics reports per-queue GetStats plus process-level memory and
// goroutine counts and the configured Redis pool size.
func (m *Manager) GetMetrics(ctx context.Context) (Metrics, error) {
	m.mu.RLock()
	queues := make(map[string]*queue.Queue, len(m.queues))
	for name, q := range m.queues {
		queues[name] = q
	}
	m.mu.RUnlock()

	stats := make(map[string]queue.Stats, len(queues))
	for name, q := range queues {
		s, err := q.GetStats(ctx)
		if err != nil {
			m.log.Warn("getMetrics: per-queue stats failed",
				zap.String("queue", name), zap.Error(err))
			continue
		}
		stats[name] = s
	}

	metrics := Metrics{
		Queues:        stats,
		MemAllocBytes: readMemAlloc(),
		NumGoroutine:  numGoroutine(),
		PoolSize:      m.cfg.Redis.PoolSize,
	}
	if conn, err := m.conn.Default(); err == nil {
		if pool := conn.Client.PoolStats(); pool != nil {
			metrics.PoolTotal = pool.TotalConns
			metrics.PoolIdle = pool.IdleConns
		}
	}
	return metrics, nil
}

// healthLoop emits a health-check every cfg.HealthCheck.Interval,
// swallowing and logging per-tick errors so a single bad tick never
// kills the loop.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheck.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Warn("health-check tick panicked", zap.Any("panic", r))
					}
				}()
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				m.HealthCheck(ctx)
				cancel()
			}()
		}
	}
}

// metricsLoop emits metrics-updated every cfg.Metrics.Monitoring.Interval.
func (m *Manager) metricsLoop() {
	defer m.wg.Done()

	interval := m.cfg.Metrics.Monitoring.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			metrics, err := m.GetMetrics(ctx)
			cancel()
			if err != nil {
				m.log.Warn("metrics tick failed", zap.Error(err))
				continue
			}
			m.bus.Emit("metrics-updated", metrics)
		}
	}
}
