package consumer

import (
	"context"

	"github.com/nvquang-dev/goqueue/message"
)

// Result is what a handler returns for one processed message. When the
// Consumer is in manual-ack mode (AutoAck=false), Ack/Requeue decide the
// XACK/retry outcome directly instead of the handler calling back into
// a result object. Go has no arity-detected "batch vs single" handler,
// so the two shapes are split into distinct named types below instead.
type Result struct {
	Ack     bool
	Requeue bool
	Err     error
}

// Acked reports successful, ackable processing.
func Acked() Result { return Result{Ack: true} }

// Nacked reports a failure the caller does not want retried through the
// normal retry policy; requeue=true marks-and-warns (see Consumer.nack),
// requeue=false acks and drops the entry.
func Nacked(requeue bool) Result { return Result{Ack: false, Requeue: requeue} }

// Failed reports a handler error, routed through the Consumer's retry
// policy (retry-then-requeue or dead-letter) rather than a plain nack.
func Failed(err error) Result { return Result{Err: err} }

// Handler is implemented by SingleHandler and BatchHandler; the tag
// method exists only to close the type set.
type Handler interface {
	isHandler()
}

// SingleHandler processes one message at a time.
type SingleHandler func(ctx context.Context, msg *message.Message) Result

func (SingleHandler) isHandler() {}

// BatchHandler processes a whole delivered batch in one call; the
// returned slice must have the same length and order as msgs.
type BatchHandler func(ctx context.Context, msgs []*message.Message) []Result

func (BatchHandler) isHandler() {}
