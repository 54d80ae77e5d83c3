package queue

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
)

func newTestQueue(t *testing.T, cfg mqconfig.QueueConfig) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New("task-queue", cfg, rdb, logx.Nop(), event.NewBus())
	return q, mr
}

func TestSendThenQueryRoundTrips(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	msg := message.New(json.RawMessage(`{"type":"email","to":"u@x"}`))
	msg.Source = "producer-1"
	msg.TraceID = "trace-abc"
	msg.Headers["x-env"] = "test"

	res, err := q.Send(ctx, msg, nil)
	if err != nil || !res.Success {
		t.Fatalf("send failed: %v %+v", err, res)
	}

	got, err := q.QueryMessages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if string(got[0].Payload) != string(msg.Payload) {
		t.Errorf("payload mismatch: %s vs %s", got[0].Payload, msg.Payload)
	}
	if got[0].Source != msg.Source || got[0].TraceID != msg.TraceID {
		t.Errorf("source/traceId not preserved: %+v", got[0])
	}
	if got[0].Headers["x-env"] != "test" {
		t.Errorf("headers not preserved: %+v", got[0].Headers)
	}
}

func TestSendPriorityRoutesToTierStream(t *testing.T) {
	q, mr := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000, Priority: true})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	msg := message.New(json.RawMessage(`{"alert":true}`))
	nine := 9
	if _, err := q.Send(ctx, msg, &SendOptions{Priority: &nine}); err != nil {
		t.Fatalf("send: %v", err)
	}

	verify := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer verify.Close()
	n, err := verify.XLen(ctx, PriorityStreamKey("task-queue", 9)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry on priority-9 stream, got %d", n)
	}
}

func TestSendDelayedStagesInDelayedSet(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()

	msg := message.New(json.RawMessage(`{"kind":"reminder"}`))
	delay := 60 * time.Second
	res, err := q.Send(ctx, msg, &SendOptions{Delay: &delay})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Delayed {
		t.Fatalf("expected a delayed result")
	}
	if res.ExecuteAt.Before(time.Now().Add(55 * time.Second)) {
		t.Errorf("executeAt too soon: %v", res.ExecuteAt)
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 0 {
		t.Fatalf("delayed message should not be on the live stream yet, length=%d", length)
	}
}

func TestSweeperPromotesDueDelayedEntries(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	msg := message.New(json.RawMessage(`{"kind":"soon"}`))
	delay := 10 * time.Millisecond
	if _, err := q.Send(ctx, msg, &SendOptions{Delay: &delay}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := q.GetLength(ctx)
		if err != nil {
			t.Fatalf("getLength: %v", err)
		}
		if n == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("delayed entry was never promoted to the live stream")
}

func TestSendBatchPreservesOrderAndIncreasesLength(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	msgs := []*message.Message{
		message.New(json.RawMessage(`{"i":1}`)),
		message.New(json.RawMessage(`{"i":2}`)),
		message.New(json.RawMessage(`{"i":3}`)),
	}
	for _, m := range msgs {
		m.Priority = 3
	}

	results, err := q.SendBatch(ctx, msgs, nil)
	if err != nil {
		t.Fatalf("sendBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Fatalf("slot %d failed: %v", i, r.Error)
		}
	}
	if results[0].RedisMessageID >= results[1].RedisMessageID || results[1].RedisMessageID >= results[2].RedisMessageID {
		t.Errorf("expected monotonically increasing redis ids, got %v", results)
	}

	length, err := q.GetLength(ctx)
	if err != nil {
		t.Fatalf("getLength: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected length 3, got %d", length)
	}
}

func TestPurgeClearsAllStreams(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000, Priority: true})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	five := 5
	if _, err := q.Send(ctx, message.New(json.RawMessage(`{}`)), &SendOptions{Priority: &five}); err != nil {
		t.Fatalf("send: %v", err)
	}

	prior, err := q.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if prior != 1 {
		t.Fatalf("expected purge to report 1 prior entry, got %d", prior)
	}

	length, _ := q.GetLength(ctx)
	if length != 0 {
		t.Fatalf("expected 0 length after purge, got %d", length)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := q.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestInvalidMessageRejected(t *testing.T) {
	q, _ := newTestQueue(t, mqconfig.QueueConfig{MaxLength: 10000})
	ctx := context.Background()

	msg := message.New(nil)
	if _, err := q.Send(ctx, msg, nil); err == nil {
		t.Fatalf("expected validation error for nil payload")
	}

	msg2 := message.New(json.RawMessage(`{}`))
	ten := 10
	if _, err := q.Send(ctx, msg2, &SendOptions{Priority: &ten}); err == nil {
		t.Fatalf("expected validation error for out-of-range priority")
	}
}
