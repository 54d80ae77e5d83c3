package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/message"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New("task-queue-dlq", 1000, rdb, logx.Nop(), event.NewBus()), mr
}

func TestAddMessageThenStats(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	msg := message.New(json.RawMessage(`{"type":"email"}`))
	msg.RetryCount = 2

	dlm, err := m.AddMessage(ctx, msg, "max_retries_exceeded", "task-queue", map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("addMessage: %v", err)
	}
	if dlm.Attempts != 3 {
		t.Errorf("expected attempts=3 (retryCount+1), got %d", dlm.Attempts)
	}
	if dlm.Headers["env"] != "test" {
		t.Errorf("expected metadata merged into headers, got %+v", dlm.Headers)
	}

	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected total 1, got %d", stats.Total)
	}
	if stats.ByOriginal["task-queue"] != 1 {
		t.Errorf("expected 1 entry attributed to task-queue, got %+v", stats.ByOriginal)
	}
	if stats.ByReason["max_retries_exceeded"] != 1 {
		t.Errorf("expected 1 entry attributed to max_retries_exceeded, got %+v", stats.ByReason)
	}
}

func TestReprocessMessageRemovesFromDLQAndTargetsQueue(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	msg := message.New(json.RawMessage(`{"type":"email"}`))
	if _, err := m.AddMessage(ctx, msg, "handler_error", "task-queue", nil); err != nil {
		t.Fatalf("addMessage: %v", err)
	}

	before, err := m.QueryMessages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("queryMessages: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected 1 dlq entry before reprocess, got %d", len(before))
	}

	// Fetch the raw stream id to reprocess (the DeadLetterMessage.ID
	// field is the logical message id, not the stream entry id).
	entries, err := m.client.XRange(ctx, m.streamKey(), "-", "+", 10)
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 raw entry, got %d", len(entries))
	}
	streamID := entries[0].ID

	fresh, err := m.ReprocessMessage(ctx, streamID, "")
	if err != nil {
		t.Fatalf("reprocessMessage: %v", err)
	}
	if fresh.RetryCount != 0 {
		t.Errorf("expected fresh retryCount=0, got %d", fresh.RetryCount)
	}
	if fresh.Headers["reprocessedFrom"] != streamID {
		t.Errorf("expected reprocessedFrom=%s, got %+v", streamID, fresh.Headers)
	}

	after, err := m.QueryMessages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("queryMessages after: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected dlq drained after reprocess, got %d", len(after))
	}

	verify := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer verify.Close()
	n, err := verify.XLen(ctx, "queue:task-queue").Result()
	if err != nil {
		t.Fatalf("xlen target: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message on target queue stream, got %d", n)
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	msg := message.New(json.RawMessage(`{}`))
	msg.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	if _, err := m.AddMessage(ctx, msg, "timeout", "task-queue", nil); err != nil {
		t.Fatalf("addMessage: %v", err)
	}

	n, err := m.Cleanup(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry cleaned up, got %d", n)
	}

	stats, _ := m.GetStats(ctx)
	if stats.Total != 0 {
		t.Fatalf("expected empty dlq after cleanup, got %d", stats.Total)
	}
}

func TestPurgeDeletesStream(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddMessage(ctx, message.New(json.RawMessage(`{}`)), "timeout", "task-queue", nil); err != nil {
		t.Fatalf("addMessage: %v", err)
	}
	if err := m.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	stats, err := m.GetStats(ctx)
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected empty dlq after purge, got %d", stats.Total)
	}
}
