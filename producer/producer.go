// Package producer implements the validated, batched, retry-aware
// publishing side of a goqueue queue: messages are buffered and flushed
// in bulk when it's safe to do so, and a send that fails transiently is
// retried in the background instead of failing the caller outright.
// Grounded on the teacher's internal/pkg/worker.Worker processLoop/
// shutdown shape (stopCh + sync.WaitGroup graceful stop), applied here
// to the producer side's batch-flush and retry-tick loops.
package producer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/message"
	"github.com/nvquang-dev/goqueue/mqconfig"
	"github.com/nvquang-dev/goqueue/queue"
)

// batchPriorityCeiling is the priority at or above which a message
// always bypasses batching, per spec.
const batchPriorityCeiling = 8

// maxRetryItemsPerTick bounds how many retry-queue items one tick of
// the retry loop attempts, so a large backlog can't starve the loop.
const maxRetryItemsPerTick = 10

type sendOutcome struct {
	result message.SendResult
	err    error
}

type batchSlot struct {
	msg        *message.Message
	resultCh   chan sendOutcome
	enqueuedAt time.Time
}

type retryItem struct {
	msg         *message.Message
	attempt     int
	nextAttempt time.Time
	resultCh    chan sendOutcome
}

// Producer publishes messages to one bound Queue: validated, batched
// when safe, and retried in the background on transient failure.
type Producer struct {
	q   *queue.Queue
	cfg mqconfig.ProducerConfig
	log *logx.Logger
	bus *event.Bus

	mu         sync.Mutex
	started    bool
	batch      []*batchSlot
	batchTimer *time.Timer

	retryMu    sync.Mutex
	retryItems []*retryItem

	stopCh chan struct{}
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// New binds a Producer to q, configured by cfg.
func New(q *queue.Queue, cfg mqconfig.ProducerConfig, log *logx.Logger, bus *event.Bus) *Producer {
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &Producer{q: q, cfg: cfg, log: log, bus: bus}
}

// Start launches the background retry-tick loop. Idempotent.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.retryTickLoop()
	return nil
}

// Stop flushes any buffered batch, rejects every pending retry item
// with a stable error, and stops the retry loop. Idempotent; waits for
// in-flight work before returning.
func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	stopCh := p.stopCh
	p.mu.Unlock()

	p.flush(ctx)

	close(stopCh)
	p.wg.Wait()

	p.retryMu.Lock()
	pending := p.retryItems
	p.retryItems = nil
	p.retryMu.Unlock()
	if len(pending) > 0 {
		p.log.Warn("rejecting pending retry items on stop", zap.Int("count", len(pending)))
	}
	for _, item := range pending {
		item.resultCh <- sendOutcome{err: errorsx.Wrap(errorsx.ErrOperationFailed, "producer stopped with retry pending")}
	}
	return nil
}

// Send validates msg (merged with opts, opts winning), then either
// buffers it for the next batch flush or sends it directly with
// retry-queue fallback on transient failure.
func (p *Producer) Send(ctx context.Context, msg *message.Message, opts *queue.SendOptions) (message.SendResult, error) {
	eff := queue.ApplyOptions(msg, opts)
	if err := eff.Validate(); err != nil {
		return message.SendResult{MessageID: eff.ID, Success: false, Error: err}, err
	}

	batchable := eff.Priority < batchPriorityCeiling && eff.Delay == 0 && p.cfg.BatchSize > 1
	if batchable {
		return p.enqueueBatch(ctx, eff)
	}
	return p.sendWithRetry(ctx, eff)
}

// SendBatch validates and sends msgs as one immediate bulk operation,
// bypassing the producer's own buffering (the caller already chose to
// batch explicitly).
func (p *Producer) SendBatch(ctx context.Context, msgs []*message.Message, opts *queue.SendOptions) ([]message.SendResult, error) {
	results, err := p.q.SendBatch(ctx, msgs, opts)

	p.metricsMu.Lock()
	p.metrics.recordBatch(len(msgs))
	p.metricsMu.Unlock()

	p.bus.Emit("batch-sent", len(msgs))
	return results, err
}

// SendDelayed sends msg with an explicit delay, bypassing batching.
func (p *Producer) SendDelayed(ctx context.Context, msg *message.Message, delay time.Duration) (message.SendResult, error) {
	return p.Send(ctx, msg, &queue.SendOptions{Delay: &delay})
}

// SendPriority sends msg with an explicit priority override. A priority
// >= 8 bypasses batching per the batching policy in Send.
func (p *Producer) SendPriority(ctx context.Context, msg *message.Message, priority int) (message.SendResult, error) {
	return p.Send(ctx, msg, &queue.SendOptions{Priority: &priority})
}

// GetMetrics returns a copy of the producer's current metrics.
func (p *Producer) GetMetrics() Metrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}

// ResetMetrics zeroes the producer's metrics.
func (p *Producer) ResetMetrics() {
	p.metricsMu.Lock()
	p.metrics = Metrics{}
	p.metricsMu.Unlock()
}

func (p *Producer) recordSend(success bool, latency time.Duration) {
	p.metricsMu.Lock()
	p.metrics.recordSend(success, latency, time.Now())
	p.metricsMu.Unlock()
}

// enqueueBatch buffers eff, arming the batch timer on the first item
// and flushing immediately once the buffer reaches BatchSize. It blocks
// until the message's flush slot resolves or ctx is canceled.
func (p *Producer) enqueueBatch(ctx context.Context, eff *message.Message) (message.SendResult, error) {
	slot := &batchSlot{msg: eff, resultCh: make(chan sendOutcome, 1), enqueuedAt: time.Now()}

	p.mu.Lock()
	p.batch = append(p.batch, slot)
	full := len(p.batch) >= p.cfg.BatchSize
	if len(p.batch) == 1 && !full {
		p.batchTimer = time.AfterFunc(p.cfg.BatchTimeout, func() { p.flush(context.Background()) })
	}
	p.mu.Unlock()

	if full {
		p.flush(ctx)
	}

	select {
	case out := <-slot.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return message.SendResult{MessageID: eff.ID, Success: false, Error: ctx.Err()}, ctx.Err()
	}
}

// flush hands the current batch buffer, in order, to Queue.SendBatch
// and resolves every slot's pending completion with its corresponding
// result.
func (p *Producer) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	msgs := make([]*message.Message, len(batch))
	for i, s := range batch {
		msgs[i] = s.msg
	}

	results, err := p.q.SendBatch(ctx, msgs, nil)
	if err != nil {
		p.log.Warn("batch flush reported an error", zap.Int("size", len(batch)), zap.Error(err))
	}
	now := time.Now()
	for i, s := range batch {
		var res message.SendResult
		if err != nil && results == nil {
			res = message.SendResult{MessageID: s.msg.ID, Success: false, Error: err}
		} else {
			res = results[i]
		}
		p.recordSend(res.Success, now.Sub(s.enqueuedAt))
		s.resultCh <- sendOutcome{result: res, err: res.Error}
	}

	p.metricsMu.Lock()
	p.metrics.recordBatch(len(batch))
	p.metricsMu.Unlock()
	p.bus.Emit("batch-sent", len(batch))
}

// sendWithRetry sends eff directly. On transient failure, with
// MaxRetries > 0, it enters the retry queue instead of failing the
// caller immediately.
func (p *Producer) sendWithRetry(ctx context.Context, eff *message.Message) (message.SendResult, error) {
	start := time.Now()
	res, err := p.q.Send(ctx, eff, nil)
	p.recordSend(err == nil, time.Since(start))
	if err == nil {
		return res, nil
	}
	if errors.Is(err, errorsx.ErrMessageValidation) || p.cfg.MaxRetries <= 0 {
		return res, err
	}

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		// Nothing drains the retry queue before Start, so failing the
		// caller beats parking the send forever.
		return res, err
	}

	item := &retryItem{
		msg:         eff,
		attempt:     1,
		nextAttempt: time.Now().Add(retryBackoff(1)),
		resultCh:    make(chan sendOutcome, 1),
	}
	p.log.Warn("send failed, scheduling retry",
		zap.String("message_id", eff.ID), zap.Duration("backoff", retryBackoff(1)), zap.Error(err))
	p.retryMu.Lock()
	p.retryItems = append(p.retryItems, item)
	p.retryMu.Unlock()

	select {
	case out := <-item.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return message.SendResult{MessageID: eff.ID, Success: false, Error: ctx.Err()}, ctx.Err()
	}
}

// retryBackoff is min(1000*2^(attempt-1), 30000) ms, per spec.
func retryBackoff(attempt int) time.Duration {
	ms := 1000 * (1 << uint(attempt-1))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// retryTickLoop drains up to maxRetryItemsPerTick due retry items every
// tick, re-attempting each one's send and either resolving it (success,
// or MaxRetriesExceeded once attempt reaches MaxRetries) or rescheduling
// it with the next backoff delay.
func (p *Producer) retryTickLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.retryTick()
		}
	}
}

func (p *Producer) retryTick() {
	now := time.Now()

	p.retryMu.Lock()
	var due []*retryItem
	var remaining []*retryItem
	taken := 0
	for _, item := range p.retryItems {
		if taken < maxRetryItemsPerTick && now.After(item.nextAttempt) {
			due = append(due, item)
			taken++
			continue
		}
		remaining = append(remaining, item)
	}
	p.retryItems = remaining
	p.retryMu.Unlock()

	for _, item := range due {
		if item.attempt >= p.cfg.MaxRetries {
			p.log.Warn("message exceeded max send retries",
				zap.String("message_id", item.msg.ID), zap.Int("attempts", item.attempt))
			item.resultCh <- sendOutcome{err: errorsx.Wrapf(errorsx.ErrMaxRetriesExceeded, "message %s exceeded %d retries", item.msg.ID, p.cfg.MaxRetries)}
			continue
		}

		ctx := context.Background()
		start := time.Now()
		res, err := p.q.Send(ctx, item.msg, nil)
		p.recordSend(err == nil, time.Since(start))
		if err == nil {
			p.log.Info("retried send succeeded",
				zap.String("message_id", item.msg.ID), zap.Int("attempt", item.attempt))
			item.resultCh <- sendOutcome{result: res}
			continue
		}

		item.attempt++
		item.nextAttempt = time.Now().Add(retryBackoff(item.attempt))
		p.log.Warn("retried send failed, backing off",
			zap.String("message_id", item.msg.ID), zap.Int("attempt", item.attempt),
			zap.Duration("backoff", retryBackoff(item.attempt)), zap.Error(err))
		p.retryMu.Lock()
		p.retryItems = append(p.retryItems, item)
		p.retryMu.Unlock()
	}
}
