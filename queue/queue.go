package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nvquang-dev/goqueue/errorsx"
	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/message"
	"github.com/nvquang-dev/goqueue/mqconfig"
)

// Info is the point-in-time snapshot returned by GetInfo.
type Info struct {
	Name          string
	Length        int64
	ConsumerGroup string
	GroupCount    int
}

// Stats is the richer snapshot the queue manager's metrics loop
// collects per queue.
type Stats struct {
	Name       string
	Length     int64
	MaxLength  int64
	Priority   bool
	GroupCount int
}

// SendOptions overrides fields of the message being sent. Per-call
// options win over whatever the message itself carries.
type SendOptions struct {
	Priority *int
	Delay    *time.Duration
	Headers  map[string]string
}

// Queue is the per-name topology over one or more Redis streams: the
// main stream (or nine priority-tier streams sharing a consumer group),
// a delayed-entry sorted set, and the sweeper that promotes due delayed
// entries back onto their target stream.
type Queue struct {
	name   string
	cfg    mqconfig.QueueConfig
	client *Client
	log    *logx.Logger
	bus    *event.Bus

	groupName string
	running   atomic.Bool

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New builds a Queue named name over conn, configured by cfg. Redis
// topology is not touched until Start is called.
func New(name string, cfg mqconfig.QueueConfig, conn redis.UniversalClient, log *logx.Logger, bus *event.Bus) *Queue {
	if log == nil {
		log = logx.Nop()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 10000
	}
	return &Queue{
		name:      name,
		cfg:       cfg,
		client:    NewClient(conn),
		log:       log,
		bus:       bus,
		groupName: DefaultGroupName(name),
	}
}

func (q *Queue) Name() string                 { return q.name }
func (q *Queue) Config() mqconfig.QueueConfig { return q.cfg }
func (q *Queue) GroupName() string            { return q.groupName }
func (q *Queue) Client() *Client              { return q.client }
func (q *Queue) IsRunning() bool              { return q.running.Load() }

// StreamKeys returns the stream(s) a consumer of this queue should read
// from: the nine priority-tier streams (highest first) when priority is
// enabled, or the single main stream otherwise.
func (q *Queue) StreamKeys() []string {
	if !q.cfg.Priority {
		return []string{StreamKey(q.name)}
	}
	tiers := PriorityTiers()
	keys := make([]string, len(tiers))
	for i, p := range tiers {
		// Highest priority tier first: consumers that read tiers in
		// this order prefer, but cannot guarantee, high-priority
		// delivery over low.
		keys[len(tiers)-1-i] = PriorityStreamKey(q.name, p)
	}
	return keys
}

// Start is idempotent: it ensures the main consumer group exists (or,
// with priority enabled, the same group on each of the nine priority
// streams), then launches the delayed-set sweeper.
func (q *Queue) Start(ctx context.Context) error {
	if q.running.Load() {
		return nil
	}

	if q.cfg.Priority {
		for _, p := range PriorityTiers() {
			if err := q.client.EnsureGroup(ctx, PriorityStreamKey(q.name, p), q.groupName); err != nil {
				return errorsx.Wrapf(errorsx.ErrOperationFailed, "ensure group for %s priority %d: %v", q.name, p, err)
			}
		}
	} else {
		if err := q.client.EnsureGroup(ctx, StreamKey(q.name), q.groupName); err != nil {
			return errorsx.Wrapf(errorsx.ErrOperationFailed, "ensure group for %s: %v", q.name, err)
		}
	}

	q.sweepStop = make(chan struct{})
	q.sweepWG.Add(1)
	go q.sweepLoop()

	q.running.Store(true)
	q.bus.Emit("started", q.name)
	q.log.Info("queue started", zap.String("queue", q.name), zap.Bool("priority", q.cfg.Priority))
	return nil
}

// Stop halts the sweeper. Idempotent; the running CAS guarantees the
// stop channel closes exactly once per Start.
func (q *Queue) Stop() error {
	if !q.running.CompareAndSwap(true, false) {
		return nil
	}
	close(q.sweepStop)
	q.sweepWG.Wait()
	q.bus.Emit("stopped", q.name)
	return nil
}

// targetStream resolves which stream a (possibly overridden) priority
// should land on.
func (q *Queue) targetStream(priority int) string {
	if q.cfg.Priority {
		return PriorityStreamKey(q.name, priority)
	}
	return StreamKey(q.name)
}

// ApplyOptions merges opts over a clone of msg (opts win), the same
// merge producer.Send uses to decide batching eligibility before
// delegating the actual append to this Queue.
func ApplyOptions(msg *message.Message, opts *SendOptions) *message.Message {
	return applyOptions(msg, opts)
}

func applyOptions(msg *message.Message, opts *SendOptions) *message.Message {
	if opts == nil {
		return msg
	}
	eff := msg.Clone()
	if opts.Priority != nil {
		eff.Priority = *opts.Priority
	}
	if opts.Delay != nil {
		eff.Delay = *opts.Delay
	}
	for k, v := range opts.Headers {
		eff.Headers[k] = v
	}
	return eff
}

// Send validates msg, merges opts over it (opts win), and routes it to
// its target stream, or stages it in the delayed set if its effective
// Delay is positive.
func (q *Queue) Send(ctx context.Context, msg *message.Message, opts *SendOptions) (message.SendResult, error) {
	eff := applyOptions(msg, opts)
	if err := eff.Validate(); err != nil {
		return message.SendResult{MessageID: eff.ID, Success: false, Error: err}, err
	}

	if eff.Delay > 0 {
		return q.sendDelayed(ctx, eff)
	}

	stream := q.targetStream(eff.Priority)
	redisID, err := q.client.XAdd(ctx, stream, q.cfg.MaxLength, eff.ToStreamValues())
	if err != nil {
		wrapped := errorsx.Wrapf(errorsx.ErrSendFailed, "send to %s: %v", stream, err)
		return message.SendResult{MessageID: eff.ID, Success: false, Error: wrapped}, wrapped
	}

	q.bus.Emit("message-sent", eff.ID)
	return message.SendResult{
		MessageID:      eff.ID,
		RedisMessageID: redisID,
		Timestamp:      eff.Timestamp,
		Success:        true,
	}, nil
}

func (q *Queue) sendDelayed(ctx context.Context, eff *message.Message) (message.SendResult, error) {
	executeAt := time.Now().Add(eff.Delay)
	payload, err := encodeDelayed(eff)
	if err != nil {
		wrapped := errorsx.Wrapf(errorsx.ErrMessageSerialization, "encode delayed entry: %v", err)
		return message.SendResult{MessageID: eff.ID, Success: false, Error: wrapped}, wrapped
	}

	if err := q.client.ZAdd(ctx, DelayedSetKey(q.name), float64(executeAt.UnixMilli()), payload); err != nil {
		wrapped := errorsx.Wrapf(errorsx.ErrSendFailed, "stage delayed entry: %v", err)
		return message.SendResult{MessageID: eff.ID, Success: false, Error: wrapped}, wrapped
	}

	return message.SendResult{
		MessageID: eff.ID,
		Timestamp: eff.Timestamp,
		Success:   true,
		Delayed:   true,
		ExecuteAt: executeAt,
	}, nil
}

// SendBatch validates every message up front, then issues one pipelined
// XAdd per non-delayed message. A delayed message inside a batch is
// skipped with a warning, matching the source behavior the spec
// preserves.
func (q *Queue) SendBatch(ctx context.Context, msgs []*message.Message, opts *SendOptions) ([]message.SendResult, error) {
	results := make([]message.SendResult, len(msgs))
	effs := make([]*message.Message, len(msgs))

	for i, m := range msgs {
		eff := applyOptions(m, opts)
		effs[i] = eff
		if err := eff.Validate(); err != nil {
			results[i] = message.SendResult{MessageID: eff.ID, Success: false, Error: err}
		}
	}

	pipe := q.client.rdb.Pipeline()
	slots := make([]*redis.StringCmd, len(msgs))
	for i, eff := range effs {
		if results[i].Error != nil {
			continue
		}
		if eff.Delay > 0 {
			q.log.Warn("delayed message skipped in batch send",
				zap.String("queue", q.name), zap.String("message_id", eff.ID))
			results[i] = message.SendResult{MessageID: eff.ID, Timestamp: eff.Timestamp, Success: false,
				Error: errorsx.Wrap(errorsx.ErrSendFailed, "delayed messages are not supported in sendBatch")}
			continue
		}
		stream := q.targetStream(eff.Priority)
		slots[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: q.cfg.MaxLength,
			Approx: true,
			Values: eff.ToStreamValues(),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// Individual command errors are still inspected below; a
		// pipeline-level error just means at least one slot failed.
		q.log.Warn("batch send pipeline reported an error",
			zap.String("queue", q.name), zap.Error(err))
	}

	for i, eff := range effs {
		if results[i].Error != nil || slots[i] == nil {
			continue
		}
		redisID, err := slots[i].Result()
		if err != nil {
			wrapped := errorsx.Wrapf(errorsx.ErrSendFailed, "batch send: %v", err)
			results[i] = message.SendResult{MessageID: eff.ID, Success: false, Error: wrapped}
			continue
		}
		results[i] = message.SendResult{
			MessageID:      eff.ID,
			RedisMessageID: redisID,
			Timestamp:      eff.Timestamp,
			Success:        true,
		}
	}

	q.bus.Emit("batch-sent", len(msgs))
	return results, nil
}

// Purge deletes the main stream key and every priority stream key,
// returning the sum of their prior lengths.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	total, err := q.GetLength(ctx)
	if err != nil {
		return 0, err
	}

	keys := []string{StreamKey(q.name)}
	if q.cfg.Priority {
		for _, p := range PriorityTiers() {
			keys = append(keys, PriorityStreamKey(q.name, p))
		}
	}
	if _, err := q.client.Del(ctx, keys...); err != nil {
		return 0, errorsx.Wrapf(errorsx.ErrOperationFailed, "purge %s: %v", q.name, err)
	}
	return total, nil
}

// GetLength sums XLEN across the main stream and, when priority is
// enabled, every priority stream.
func (q *Queue) GetLength(ctx context.Context) (int64, error) {
	total, err := q.client.XLen(ctx, StreamKey(q.name))
	if err != nil {
		return 0, errorsx.Wrapf(errorsx.ErrOperationFailed, "xlen %s: %v", q.name, err)
	}
	if q.cfg.Priority {
		for _, p := range PriorityTiers() {
			n, err := q.client.XLen(ctx, PriorityStreamKey(q.name, p))
			if err != nil {
				return 0, errorsx.Wrapf(errorsx.ErrOperationFailed, "xlen %s p%d: %v", q.name, p, err)
			}
			total += n
		}
	}
	return total, nil
}

// GetInfo reports length plus the main stream's consumer-group count,
// tolerating a stream/group that doesn't exist yet.
func (q *Queue) GetInfo(ctx context.Context) (Info, error) {
	length, err := q.GetLength(ctx)
	if err != nil {
		return Info{}, err
	}
	groups, _ := q.client.XInfoGroups(ctx, StreamKey(q.name))
	return Info{
		Name:          q.name,
		Length:        length,
		ConsumerGroup: q.groupName,
		GroupCount:    len(groups),
	}, nil
}

// GetStats is the richer snapshot the queue manager's metrics loop
// collects.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Name:       q.name,
		Length:     info.Length,
		MaxLength:  q.cfg.MaxLength,
		Priority:   q.cfg.Priority,
		GroupCount: info.GroupCount,
	}, nil
}

// QueryMessages pages XRANGE - + over the main stream and parses each
// entry back into a Message.
func (q *Queue) QueryMessages(ctx context.Context, limit, offset int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := q.client.XRange(ctx, StreamKey(q.name), "-", "+", int64(limit+offset))
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ErrOperationFailed, "query %s: %v", q.name, err)
	}
	if offset >= len(entries) {
		return []*message.Message{}, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*message.Message, 0, len(entries))
	for _, e := range entries {
		m, err := message.FromStreamValues(e.ID, e.Values)
		if err != nil {
			q.log.Warn("skipping unparseable stream entry",
				zap.String("queue", q.name), zap.String("stream_id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// delayedEntry is the JSON shape staged in a queue's delayed set: the
// flat stream-field encoding plus the target priority, so the sweeper
// can XADD it back onto the right stream once its turn comes.
type delayedEntry struct {
	Values   map[string]interface{} `json:"values"`
	Priority int                    `json:"priority"`
}

func encodeDelayed(m *message.Message) (string, error) {
	b, err := json.Marshal(delayedEntry{Values: m.ToStreamValues(), Priority: m.Priority})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDelayed(raw string) (delayedEntry, error) {
	var entry delayedEntry
	err := json.Unmarshal([]byte(raw), &entry)
	return entry, err
}
