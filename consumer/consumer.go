// Package consumer implements the read-dispatch-ack side of goqueue: a
// bounded-concurrency scheduler that drains a queue's consumer group,
// hands entries to a user handler, and routes failures through a retry
// policy to either re-enqueue or the dead-letter stream. Grounded on
// the teacher's internal/pkg/worker.Worker (Start/processLoop shape)
// and internal/pkg/health.Service (ticker-with-stopCh loop idiom),
// adapted to the single-scheduler-with-inflight-set model this queue
// library specifies.
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/dlq"
	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/message"
	"github.com/nvquang-dev/goqueue/mqconfig"
	"github.com/nvquang-dev/goqueue/queue"
	"github.com/nvquang-dev/goqueue/retry"
)

// scheduleRetryInterval is how long scheduleConsume waits before
// re-checking availability when the in-flight set is already full.
const scheduleRetryInterval = 100 * time.Millisecond

// parsedEntry pairs a decoded Message with the stream key and raw
// stream id it has to be XACKed/XDELed against.
type parsedEntry struct {
	streamKey string
	id        string
	msg       *message.Message
}

// Consumer reads q's consumer group, dispatches to handler, and acks,
// retries or dead-letters each entry per cfg and strategy.
type Consumer struct {
	q              *queue.Queue
	cfg            mqconfig.ConsumerConfig
	handler        Handler
	client         *queue.Client
	log            *logx.Logger
	bus            *event.Bus
	strategy       retry.Strategy
	customStrategy bool
	dlqManager     *dlq.Manager
	consumerID     string

	mu        sync.Mutex
	consuming atomic.Bool
	paused    atomic.Bool
	stopCh    chan struct{}
	sem       chan struct{}
	wg        sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// New binds a Consumer to q, invoking handler for every delivered
// message/batch. A nil dlqManager falls back to the dead-letter queue
// named in cfg (then the queue's own config); if none is named there
// is no dead-letter routing. A nil strategy gets plain exponential
// backoff capped by the message's (or queue's) max-retries; a supplied
// strategy wholly replaces that cap and its ShouldRetry is the only
// retry gate.
func New(q *queue.Queue, cfg mqconfig.ConsumerConfig, handler Handler, strategy retry.Strategy, dlqManager *dlq.Manager, log *logx.Logger, bus *event.Bus) *Consumer {
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	consumerID := cfg.ConsumerID
	if consumerID == "" {
		// Stable for this Consumer's lifetime, unique across instances
		// sharing the group.
		consumerID = "consumer-" + uuid.New().String()
	}
	if strategy == nil && cfg.RetryPolicyName != "" {
		named, err := retry.NewRegistry().Create(cfg.RetryPolicyName, retry.Config{MaxAttempts: cfg.MaxRetries})
		if err != nil {
			log.Warn("unknown retry policy name, using default backoff",
				zap.String("policy", cfg.RetryPolicyName), zap.Error(err))
		} else {
			strategy = named
		}
	}
	customStrategy := strategy != nil
	if !customStrategy {
		strategy = retry.NewExponential(0, time.Second, 2.0, 30*time.Second, false)
	}
	if dlqManager == nil {
		dlqName := cfg.DeadLetterQueue
		if dlqName == "" {
			dlqName = q.Config().DeadLetterQueue
		}
		if dlqName != "" {
			dlqManager = dlq.New(dlqName, q.Config().MaxLength, q.Client().Raw(), log, bus)
		}
	}
	return &Consumer{
		q:              q,
		cfg:            cfg,
		handler:        handler,
		client:         q.Client(),
		log:            log,
		bus:            bus,
		strategy:       strategy,
		customStrategy: customStrategy,
		dlqManager:     dlqManager,
		consumerID:     consumerID,
	}
}

func (c *Consumer) groupName() string {
	if c.cfg.ConsumerGroup != "" {
		return c.cfg.ConsumerGroup
	}
	return c.q.GroupName()
}

// Start ensures the consumer group exists on every one of q's streams,
// then launches the bounded scheduling loop. Idempotent.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.consuming.Load() {
		c.mu.Unlock()
		return nil
	}

	for _, stream := range c.q.StreamKeys() {
		if err := c.client.EnsureGroup(ctx, stream, c.groupName()); err != nil {
			c.mu.Unlock()
			return errorsx.Wrapf(errorsx.ErrOperationFailed, "ensure consumer group on %s: %v", stream, err)
		}
	}

	c.consuming.Store(true)
	c.paused.Store(false)
	c.stopCh = make(chan struct{})
	c.sem = make(chan struct{}, c.cfg.Concurrency)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.scheduleLoop()

	c.bus.Emit("started", c.q.Name())
	return nil
}

// Stop clears scheduling and awaits every in-flight task before
// returning. Idempotent.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.consuming.Load() {
		c.mu.Unlock()
		return nil
	}
	c.consuming.Store(false)
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()

	c.bus.Emit("stopped", c.q.Name())
	return nil
}

// Pause tears down scheduling (no new consumeMessages tasks launch)
// while leaving Start's group membership and in-flight tasks intact.
func (c *Consumer) Pause() {
	c.paused.Store(true)
	c.bus.Emit("paused", c.q.Name())
}

// Resume restarts scheduling after Pause.
func (c *Consumer) Resume() {
	c.paused.Store(false)
	c.bus.Emit("resumed", c.q.Name())
}

func (c *Consumer) IsConsuming() bool { return c.consuming.Load() }
func (c *Consumer) IsPaused() bool    { return c.paused.Load() }

// GetMetrics returns a copy of the consumer's current metrics.
func (c *Consumer) GetMetrics() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// ResetMetrics zeroes the consumer's metrics.
func (c *Consumer) ResetMetrics() {
	c.metricsMu.Lock()
	c.metrics = Metrics{}
	c.metricsMu.Unlock()
}

// scheduleLoop admits up to cfg.Concurrency simultaneous consumeMessages
// tasks, re-arming every scheduleRetryInterval while paused or full.
func (c *Consumer) scheduleLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.paused.Load() {
			select {
			case <-c.stopCh:
				return
			case <-time.After(scheduleRetryInterval):
				continue
			}
		}

		select {
		case c.sem <- struct{}{}:
		case <-c.stopCh:
			return
		case <-time.After(scheduleRetryInterval):
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.consumeMessages(context.Background())
		}()
	}
}

// consumeMessages drains already-delivered-but-unacked entries first
// (id "0"), and only if none are pending does it block for new ones
// (id ">") up to cfg.Timeout.
func (c *Consumer) consumeMessages(ctx context.Context) {
	streams := c.q.StreamKeys()
	group := c.groupName()

	pendingArgs := buildStreamArgs(streams, "0")
	pending, err := c.client.XReadGroup(ctx, group, c.consumerID, pendingArgs, int64(c.cfg.BatchSize), 0)
	if err != nil {
		c.log.Warn("consume: pending read failed",
			zap.String("group", group), zap.String("consumer", c.consumerID), zap.Error(err))
		return
	}
	if countEntries(pending) > 0 {
		c.processMessages(ctx, pending)
		return
	}

	newArgs := buildStreamArgs(streams, ">")
	fresh, err := c.client.XReadGroup(ctx, group, c.consumerID, newArgs, int64(c.cfg.BatchSize), c.cfg.Timeout)
	if err != nil {
		// A blocking-read timeout is not an error; go-redis surfaces it
		// as redis.Nil, already swallowed by Client.XReadGroup.
		c.log.Warn("consume: new-message read failed",
			zap.String("group", group), zap.String("consumer", c.consumerID), zap.Error(err))
		return
	}
	if len(fresh) == 0 {
		return
	}
	c.processMessages(ctx, fresh)
}

func buildStreamArgs(streams []string, id string) []string {
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = id
	}
	return append(append([]string{}, streams...), ids...)
}

func countEntries(streams []redis.XStream) int {
	n := 0
	for _, s := range streams {
		n += len(s.Messages)
	}
	return n
}

// processMessages parses every delivered entry, acking (and dropping)
// any that fail to decode unless configured to keep them pending, then
// dispatches the survivors to handler (once with the whole batch for a
// BatchHandler, sequentially for a SingleHandler) and resolves each
// entry's ack/retry/dead-letter outcome.
func (c *Consumer) processMessages(ctx context.Context, streams []redis.XStream) {
	var entries []parsedEntry
	for _, s := range streams {
		for _, raw := range s.Messages {
			msg, err := message.FromStreamValues(raw.ID, raw.Values)
			if err != nil {
				if !c.cfg.KeepUnparseablePending {
					if _, ackErr := c.client.XAck(ctx, s.Stream, c.groupName(), raw.ID); ackErr != nil {
						c.log.Warn("failed to ack unparseable entry",
							zap.String("stream", s.Stream), zap.String("stream_id", raw.ID), zap.Error(ackErr))
					}
				}
				c.bus.Emit("message-error", raw.ID)
				continue
			}
			entries = append(entries, parsedEntry{streamKey: s.Stream, id: raw.ID, msg: msg})
		}
	}
	if len(entries) == 0 {
		return
	}

	for _, e := range entries {
		c.bus.Emit("message-received", e.msg.ID)
	}

	switch h := c.handler.(type) {
	case BatchHandler:
		msgs := make([]*message.Message, len(entries))
		for i, e := range entries {
			msgs[i] = e.msg
		}
		start := time.Now()
		results := h(ctx, msgs)
		for i, e := range entries {
			var res Result
			if i < len(results) {
				res = results[i]
			} else {
				res = Failed(errorsx.Wrap(errorsx.ErrOperationFailed, "batch handler returned fewer results than messages"))
			}
			c.resolve(ctx, e, res, time.Since(start))
		}
	case SingleHandler:
		for _, e := range entries {
			start := time.Now()
			res := h(ctx, e.msg)
			c.resolve(ctx, e, res, time.Since(start))
		}
	default:
		c.log.Warn("consumer has no handler configured", zap.String("queue", c.q.Name()))
	}

	c.bus.Emit("messages-processed", len(entries))
}

// resolve applies ack/nack/retry/dead-letter policy for one entry's
// handler result and records processing metrics.
func (c *Consumer) resolve(ctx context.Context, e parsedEntry, res Result, latency time.Duration) {
	c.metricsMu.Lock()
	c.metrics.recordProcessed(res.Err == nil, latency, time.Now())
	c.metricsMu.Unlock()

	if res.Err != nil {
		c.handleError(ctx, e, res.Err)
		return
	}

	if c.cfg.AutoAck || res.Ack {
		c.ack(ctx, e.streamKey, e.id)
		c.bus.Emit("message-acked", e.msg.ID)
		return
	}

	c.nack(ctx, e.streamKey, e.id, res.Requeue)
}

// handleError asks strategy whether attempt n (= RetryCount+1) should
// retry; if so it suspends for the computed delay then republishes a
// new message via Queue.Send carrying the incremented RetryCount and
// lastRetryAt/retryReason headers, acking the original entry. If the
// policy refuses, either outright or by returning NoDelay mid-stream,
// the entry is routed to the dead-letter stream.
func (c *Consumer) handleError(ctx context.Context, e parsedEntry, err error) {
	n := e.msg.RetryCount + 1

	if !c.customStrategy && n > e.msg.EffectiveMaxRetries(c.q.Config().RetryAttempts) {
		c.routeToDLQ(ctx, e, "max_retries_exceeded", err)
		return
	}
	if !c.strategy.ShouldRetry(n, err) {
		c.routeToDLQ(ctx, e, "max_retries_exceeded", err)
		return
	}

	delay := c.strategy.CalculateDelay(n, err)
	if delay == retry.NoDelay {
		c.routeToDLQ(ctx, e, "max_retries_exceeded", err)
		return
	}

	select {
	case <-time.After(delay):
	case <-c.stopCh:
		return
	}

	retried := e.msg.WithRetry(err.Error())
	if _, sendErr := c.q.Send(ctx, retried, nil); sendErr != nil {
		c.log.Warn("failed to republish retried message, routing to dead letter instead",
			zap.String("message_id", e.msg.ID), zap.Int("retry_count", retried.RetryCount), zap.Error(sendErr))
		c.routeToDLQ(ctx, e, "retry_publish_failed", err)
		return
	}

	c.ack(ctx, e.streamKey, e.id)
	c.bus.Emit("message-retried", retried.ID)
}

// routeToDLQ records e in the bound dead-letter manager (if any) and
// acks the original entry either way, so a missing DLQ config never
// wedges the consumer group's pending list. The triggering handler
// error rides along as a header.
func (c *Consumer) routeToDLQ(ctx context.Context, e parsedEntry, reason string, err error) {
	if c.dlqManager != nil {
		metadata := map[string]string{"error": err.Error()}
		if _, dlqErr := c.dlqManager.AddMessage(ctx, e.msg, reason, c.q.Name(), metadata); dlqErr != nil {
			c.log.Warn("failed to record dead-letter entry",
				zap.String("message_id", e.msg.ID), zap.String("reason", reason), zap.Error(dlqErr))
		}
	}
	c.ack(ctx, e.streamKey, e.id)
	c.bus.Emit("message-dead-letter", e.msg.ID)
}

// ack is XACK(stream, group, id).
func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if _, err := c.client.XAck(ctx, stream, c.groupName(), id); err != nil {
		c.log.Warn("ack failed",
			zap.String("stream", stream), zap.String("stream_id", id), zap.Error(err))
	}
}

// nack marks-and-warns when requeue is true (the retry path in
// handleError is the real re-enqueue mechanism); requeue=false acks and
// drops the entry, matching the source's ack/nack contract.
func (c *Consumer) nack(ctx context.Context, stream, id string, requeue bool) {
	if requeue {
		c.log.Warn("nack with requeue=true: message left pending, rely on the retry policy to re-enqueue",
			zap.String("stream", stream), zap.String("stream_id", id))
		c.bus.Emit("message-nacked", id)
		return
	}
	c.ack(ctx, stream, id)
	c.bus.Emit("message-nacked", id)
}
