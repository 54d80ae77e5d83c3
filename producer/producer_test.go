package producer

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
	"github.com/nvquang-dev/goqueue/mqconfig"
	"github.com/nvquang-dev/goqueue/queue"
)

func newTestProducer(t *testing.T, pcfg mqconfig.ProducerConfig) (*Producer, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New("task-queue", mqconfig.QueueConfig{MaxLength: 10000}, rdb, logx.Nop(), event.NewBus())
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop() })

	p := New(q, pcfg, logx.Nop(), event.NewBus())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("producer start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	return p, q, mr
}

func TestSendBelowBatchSizeFlushesOnTimeout(t *testing.T) {
	p, q, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 5, BatchTimeout: 50 * time.Millisecond, MaxRetries: 3})
	ctx := context.Background()

	res, err := p.Send(ctx, message.New(json.RawMessage(`{"i":1}`)), nil)
	if err != nil || !res.Success {
		t.Fatalf("send failed: %v %+v", err, res)
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected batch flushed onto the queue stream, got length=%d", length)
	}

	metrics := p.GetMetrics()
	if metrics.MessagesSent != 1 {
		t.Errorf("expected 1 message sent recorded, got %d", metrics.MessagesSent)
	}
	if metrics.BatchesSent != 1 {
		t.Errorf("expected 1 batch sent recorded, got %d", metrics.BatchesSent)
	}
}

func TestSendFillingBatchFlushesImmediately(t *testing.T) {
	p, q, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 2, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Send(ctx, message.New(json.RawMessage(`{"i":1}`)), nil); err != nil {
			t.Errorf("send 1: %v", err)
		}
	}()

	res2, err := p.Send(ctx, message.New(json.RawMessage(`{"i":2}`)), nil)
	if err != nil || !res2.Success {
		t.Fatalf("send 2 failed: %v %+v", err, res2)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first send never resolved; batch did not flush at BatchSize")
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 2 {
		t.Fatalf("expected 2 messages on the stream, got %d", length)
	}
}

func TestHighPriorityBypassesBatching(t *testing.T) {
	p, q, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	res, err := p.SendPriority(ctx, message.New(json.RawMessage(`{"urgent":true}`)), 9)
	if err != nil || !res.Success {
		t.Fatalf("sendPriority failed: %v %+v", err, res)
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected the high-priority send to bypass batching and land immediately, got length=%d", length)
	}
}

func TestDelayedSendBypassesBatching(t *testing.T) {
	p, _, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	res, err := p.SendDelayed(ctx, message.New(json.RawMessage(`{"kind":"reminder"}`)), 30*time.Second)
	if err != nil {
		t.Fatalf("sendDelayed: %v", err)
	}
	if !res.Delayed {
		t.Fatalf("expected a delayed result")
	}
}

func TestInvalidMessageRejectedWithoutRetry(t *testing.T) {
	p, _, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	if _, err := p.Send(ctx, message.New(nil), nil); err == nil {
		t.Fatalf("expected validation error for nil payload")
	}

	metrics := p.GetMetrics()
	if metrics.MessagesSent != 0 {
		t.Errorf("expected a validation failure not to count as a sent message, got %d", metrics.MessagesSent)
	}
}

func TestResetMetricsZeroesState(t *testing.T) {
	p, _, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	if _, err := p.SendPriority(ctx, message.New(json.RawMessage(`{}`)), 9); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.GetMetrics().MessagesSent == 0 {
		t.Fatalf("expected metrics to record the send")
	}

	p.ResetMetrics()
	if (p.GetMetrics() != Metrics{}) {
		t.Fatalf("expected metrics to be zeroed after reset")
	}
}

func TestSendBatchExplicitBypassesBuffer(t *testing.T) {
	p, q, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 10, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	msgs := []*message.Message{
		message.New(json.RawMessage(`{"i":1}`)),
		message.New(json.RawMessage(`{"i":2}`)),
	}
	results, err := p.SendBatch(ctx, msgs, nil)
	if err != nil {
		t.Fatalf("sendBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 2 {
		t.Fatalf("expected 2 messages landed directly, got %d", length)
	}
}

func TestStopIsIdempotentAndFlushesPending(t *testing.T) {
	p, q, _ := newTestProducer(t, mqconfig.ProducerConfig{BatchSize: 5, BatchTimeout: time.Hour, MaxRetries: 3})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Send(ctx, message.New(json.RawMessage(`{"i":1}`)), nil); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pending send never resolved after Stop flushed the buffer")
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected Stop to flush the buffered message, got length=%d", length)
	}
}
