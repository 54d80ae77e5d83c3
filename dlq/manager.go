// Package dlq implements the dead-letter subsystem: a secondary stream
// per configured DLQ holding messages whose processing exhausted
// retries, plus reprocess/cleanup operations over it. Grounded on the
// teacher's internal/pkg/redis/dlq module (a Push-over-XAdd-with-MaxLen
// wrapper), generalized with the same XRange/XDel primitives the queue
// package itself uses.
package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/message"
	"github.com/nvquang-dev/goqueue/queue"
)

// Manager owns one dead-letter stream, named like any other queue
// (conventionally "<queue>-dlq") and configured with its own MaxLength.
type Manager struct {
	name      string
	maxLength int64
	client    *queue.Client
	log       *logx.Logger
	bus       *event.Bus
}

// New builds a Manager whose dead-letter stream lives at
// queue.DLQStreamKey(name).
func New(name string, maxLength int64, conn redis.UniversalClient, log *logx.Logger, bus *event.Bus) *Manager {
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if maxLength <= 0 {
		maxLength = 10000
	}
	return &Manager{
		name:      name,
		maxLength: maxLength,
		client:    queue.NewClient(conn),
		log:       log,
		bus:       bus,
	}
}

func (m *Manager) streamKey() string { return queue.DLQStreamKey(m.name) }

// AddMessage wraps msg into a DeadLetterMessage recording reason,
// originalQueue and attempts = msg.RetryCount+1, merges metadata into
// its headers, and appends it with MAXLEN ~ maxLength trimming.
func (m *Manager) AddMessage(ctx context.Context, msg *message.Message, reason, originalQueue string, metadata map[string]string) (*message.DeadLetterMessage, error) {
	clone := msg.Clone()
	for k, v := range metadata {
		clone.Headers[k] = v
	}

	dlm := &message.DeadLetterMessage{
		Message:       *clone,
		OriginalQueue: originalQueue,
		FailureReason: reason,
		FailedAt:      time.Now(),
		Attempts:      msg.RetryCount + 1,
	}

	if _, err := m.client.XAdd(ctx, m.streamKey(), m.maxLength, dlm.ToStreamValues()); err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq add %s: %v", m.name, err)
	}

	m.bus.Emit("message-dead-letter", dlm.ID)
	return dlm, nil
}

// Stats summarizes a dead-letter stream's contents.
type Stats struct {
	Total        int64
	ByOriginal   map[string]int64
	ByReason     map[string]int64
	OldestFailed time.Time
	NewestFailed time.Time
}

// GetStats reports XLEN plus a full scan counting entries by
// originalQueue and failureReason, and the oldest/newest failedAt seen.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	total, err := m.client.XLen(ctx, m.streamKey())
	if err != nil {
		return Stats{}, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq stats %s: %v", m.name, err)
	}

	stats := Stats{Total: total, ByOriginal: map[string]int64{}, ByReason: map[string]int64{}}
	if total == 0 {
		return stats, nil
	}

	entries, err := m.client.XRange(ctx, m.streamKey(), "-", "+", total)
	if err != nil {
		return Stats{}, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq scan %s: %v", m.name, err)
	}

	for _, e := range entries {
		dlm, err := message.DeadLetterFromStreamValues(e.ID, e.Values)
		if err != nil {
			continue
		}
		stats.ByOriginal[dlm.OriginalQueue]++
		stats.ByReason[dlm.FailureReason]++
		if stats.OldestFailed.IsZero() || dlm.FailedAt.Before(stats.OldestFailed) {
			stats.OldestFailed = dlm.FailedAt
		}
		if dlm.FailedAt.After(stats.NewestFailed) {
			stats.NewestFailed = dlm.FailedAt
		}
	}
	return stats, nil
}

// QueryMessages pages XRANGE - + over the dead-letter stream.
func (m *Manager) QueryMessages(ctx context.Context, limit, offset int) ([]*message.DeadLetterMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := m.client.XRange(ctx, m.streamKey(), "-", "+", int64(limit+offset))
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq query %s: %v", m.name, err)
	}
	if offset >= len(entries) {
		return []*message.DeadLetterMessage{}, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*message.DeadLetterMessage, 0, len(entries))
	for _, e := range entries {
		dlm, err := message.DeadLetterFromStreamValues(e.ID, e.Values)
		if err != nil {
			m.log.Warn("skipping unparseable dlq entry",
				zap.String("dlq", m.name), zap.String("stream_id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, dlm)
	}
	return out, nil
}

// ReprocessMessage reads id from the dead-letter stream, builds a fresh
// message (new id, retryCount 0, reprocessedFrom set to id) and appends
// it to targetQueue (defaulting to the entry's recorded originalQueue),
// then removes it from the DLQ. Fails if id isn't found or no target
// queue can be determined.
func (m *Manager) ReprocessMessage(ctx context.Context, id, targetQueue string) (*message.Message, error) {
	entry, ok, err := m.client.XRangeID(ctx, m.streamKey(), id)
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq read %s: %v", id, err)
	}
	if !ok {
		return nil, errorsx.Wrapf(errorsx.ErrQueueNotFound, "dlq message %s not found", id)
	}

	dlm, err := message.DeadLetterFromStreamValues(entry.ID, entry.Values)
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrMessageDeserialization, "dlq decode %s: %v", id, err)
	}

	target := targetQueue
	if target == "" {
		target = dlm.OriginalQueue
	}
	if target == "" {
		return nil, errorsx.Wrap(errorsx.ErrOperationFailed, "no target queue could be determined for reprocess")
	}

	fresh := dlm.Message.Clone()
	fresh.ID = uuid.New().String()
	fresh.RetryCount = 0
	fresh.Timestamp = time.Now().UnixMilli()

	values := fresh.ToStreamValues()
	values["reprocessedFrom"] = id

	if _, err := m.client.XAdd(ctx, queue.StreamKey(target), m.maxLength, values); err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrSendFailed, "dlq reprocess to %s: %v", target, err)
	}
	if _, err := m.client.XDel(ctx, m.streamKey(), id); err != nil {
		m.log.Warn("reprocessed dlq message but failed to remove it from the dlq stream",
			zap.String("dlq", m.name), zap.String("stream_id", id), zap.Error(err))
	}

	fresh.Headers["reprocessedFrom"] = id
	return fresh, nil
}

// ReprocessResult is one item's outcome from ReprocessBatch.
type ReprocessResult struct {
	ID      string
	Success bool
	Error   error
}

// ReprocessBatch reprocesses ids with bounded parallelism (batchSize
// concurrent reprocess calls at a time, default 10).
func (m *Manager) ReprocessBatch(ctx context.Context, ids []string, targetQueue string, batchSize int) []ReprocessResult {
	if batchSize <= 0 {
		batchSize = 10
	}

	results := make([]ReprocessResult, len(ids))
	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := m.ReprocessMessage(ctx, id, targetQueue)
			results[i] = ReprocessResult{ID: id, Success: err == nil, Error: err}
		}(i, id)
	}
	wg.Wait()
	return results
}

// Cleanup scans the dead-letter stream and XDELs every entry whose
// timestamp predates now-maxAge.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	total, err := m.client.XLen(ctx, m.streamKey())
	if err != nil || total == 0 {
		return 0, err
	}

	entries, err := m.client.XRange(ctx, m.streamKey(), "-", "+", total)
	if err != nil {
		return 0, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq cleanup scan %s: %v", m.name, err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, e := range entries {
		dlm, err := message.DeadLetterFromStreamValues(e.ID, e.Values)
		if err != nil {
			continue
		}
		if time.UnixMilli(dlm.Timestamp).Before(cutoff) {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	sort.Strings(stale)
	n, err := m.client.XDel(ctx, m.streamKey(), stale...)
	if err != nil {
		return 0, errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq cleanup del %s: %v", m.name, err)
	}
	return n, nil
}

// Purge unconditionally deletes the dead-letter stream key.
func (m *Manager) Purge(ctx context.Context) error {
	if _, err := m.client.Del(ctx, m.streamKey()); err != nil {
		return errorsx.Wrapf(errorsx.ErrOperationFailed, "dlq purge %s: %v", m.name, err)
	}
	return nil
}
