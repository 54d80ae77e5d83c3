package manager

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/mqconfig"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := mqconfig.ManagerConfig{
		Redis: mqconfig.RedisConfig{
			Single: &mqconfig.SingleNodeConfig{Host: host, Port: port},
		},
		HealthCheck: mqconfig.HealthCheckConfig{Enabled: true, Interval: 50 * time.Millisecond},
		Metrics:     mqconfig.MetricsConfig{Enabled: true, Monitoring: mqconfig.MonitoringConfig{Interval: 50 * time.Millisecond}},
	}

	m, err := New(cfg, logx.Nop(), event.NewBus())
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })
	return m, mr
}

func TestNewRequiresRedisMode(t *testing.T) {
	_, err := New(mqconfig.ManagerConfig{}, logx.Nop(), event.NewBus())
	require.Error(t, err)
}

func TestCreateQueueThenListAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	q, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, "orders", q.Name())

	got, ok := m.GetQueue("orders")
	require.True(t, ok)
	assert.Same(t, q, got)

	assert.Equal(t, []string{"orders"}, m.ListQueues())
}

func TestCreateQueueRejectsInvalidNameAndDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, "", nil)
	assert.Error(t, err)
	_, err = m.CreateQueue(ctx, "bad name!", nil)
	assert.Error(t, err)

	_, err = m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	_, err = m.CreateQueue(ctx, "orders", nil)
	assert.Error(t, err, "duplicate queue name must be rejected")
}

func TestDeleteQueueStopsAndUnregisters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	deleted, err := m.DeleteQueue(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok := m.GetQueue("orders")
	assert.False(t, ok, "queue must be unregistered after delete")

	deletedAgain, err := m.DeleteQueue(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, deletedAgain, "deleting an unknown queue reports false")
}

func TestStartStopIdempotentAndStartsRegisteredQueues(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	q, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "second start must be a no-op")
	assert.True(t, q.IsRunning())

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "second stop must be a no-op")
}

func TestHealthCheckReportsHealthy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	health := m.HealthCheck(ctx)
	assert.Equal(t, HealthHealthy, health.Status, "checks: %+v", health.Checks)
}

func TestHealthCheckDegradedWhenQueueStopped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	q, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.NoError(t, q.Stop())

	health := m.HealthCheck(ctx)
	assert.Equal(t, HealthDegraded, health.Status, "a stopped queue degrades but does not fail the system")
}

func TestGetMetricsReportsPerQueueStats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateQueue(ctx, "orders", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	metrics, err := m.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, metrics.Queues, "orders")
}

func TestMetricsLoopEmitsUpdates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	updates := make(chan struct{}, 8)
	m.bus.Subscribe("metrics-updated", func(event.Event) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("metrics loop never emitted an update")
	}
}
