package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepInterval is how often the sweeper polls the delayed set for due
// entries. The source the spec distills never promotes delayed entries
// back to the main stream at all (see design notes on the delayed-set
// sweeper); this loop is the faithful-rewrite fix for that gap.
const sweepInterval = 500 * time.Millisecond

// sweepLoop polls DelayedSetKey for entries whose executeAt has passed,
// promotes each to its target stream, and removes it from the set. It
// runs until Stop closes sweepStop.
func (q *Queue) sweepLoop() {
	defer q.sweepWG.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.sweepOnceTick()
		}
	}
}

func (q *Queue) sweepOnceTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := DelayedSetKey(q.name)
	due, err := q.client.ZRangeByScore(ctx, key, float64(time.Now().UnixMilli()))
	if err != nil {
		q.log.Warn("delayed-set sweep failed to scan", zap.String("key", key), zap.Error(err))
		return
	}

	for _, raw := range due {
		entry, err := decodeDelayed(raw)
		if err != nil {
			q.log.Warn("dropping unparseable delayed entry", zap.String("key", key), zap.Error(err))
			if _, remErr := q.client.ZRem(ctx, key, raw); remErr != nil {
				q.log.Warn("failed to remove unparseable delayed entry",
					zap.String("key", key), zap.Error(remErr))
			}
			continue
		}

		stream := q.targetStream(entry.Priority)
		if _, err := q.client.XAdd(ctx, stream, q.cfg.MaxLength, entry.Values); err != nil {
			q.log.Warn("failed to promote delayed entry, will retry next tick",
				zap.String("stream", stream), zap.Error(err))
			continue
		}
		if _, err := q.client.ZRem(ctx, key, raw); err != nil {
			q.log.Warn("promoted delayed entry but failed to remove it from the delayed set",
				zap.String("key", key), zap.Error(err))
		}
		q.bus.Emit("message-sent", entry.Values["id"])
	}
}
