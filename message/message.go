// Package message defines the payload-bearing record that flows through
// every goqueue component, plus its flat-field encoding onto a Redis
// stream entry.
package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nvquang-dev/goqueue/errorsx"
)

// DefaultPriority is used when a message does not specify one.
const DefaultPriority = 5

// DefaultMaxRetries is used when neither the message nor its queue
// configures a retry cap.
const DefaultMaxRetries = 3

// Message is the unit of work moved from producer to consumer.
type Message struct {
	ID         string
	Payload    json.RawMessage
	Priority   int
	Headers    map[string]string
	Timestamp  int64 // ms epoch
	RetryCount int
	MaxRetries int
	Delay      time.Duration
	Source     string
	TraceID    string
}

// New builds a Message with priority 5, maxRetries 3, a generated ID,
// and the current time as Timestamp.
func New(payload json.RawMessage) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Payload:    payload,
		Priority:   DefaultPriority,
		Headers:    map[string]string{},
		Timestamp:  time.Now().UnixMilli(),
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate enforces the invariants shared by Queue.send and Producer.send:
// payload non-null, priority in [0,9], delay non-negative.
func (m *Message) Validate() error {
	if m == nil || len(m.Payload) == 0 {
		return errorsx.Wrap(errorsx.ErrMessageValidation, "payload is required")
	}
	if m.Priority < 0 || m.Priority > 9 {
		return errorsx.Wrapf(errorsx.ErrMessageValidation, "priority %d out of range [0,9]", m.Priority)
	}
	if m.Delay < 0 {
		return errorsx.Wrap(errorsx.ErrMessageValidation, "delay must be non-negative")
	}
	if m.RetryCount < 0 || m.MaxRetries < 0 {
		return errorsx.Wrap(errorsx.ErrMessageValidation, "retry counters must be non-negative")
	}
	return nil
}

// Clone returns a deep-enough copy safe to mutate independently (headers
// map is copied; Payload, being immutable JSON bytes, is shared).
func (m *Message) Clone() *Message {
	clone := *m
	clone.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		clone.Headers[k] = v
	}
	return &clone
}

// WithRetry returns a *new* message instance carrying an incremented
// RetryCount and the lastRetryAt/retryReason headers. The original
// message is left untouched.
func (m *Message) WithRetry(reason string) *Message {
	next := m.Clone()
	next.RetryCount = m.RetryCount + 1
	next.Headers["lastRetryAt"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	next.Headers["retryReason"] = reason
	return next
}

// EffectiveMaxRetries resolves the per-message vs per-queue maxRetries
// precedence: the message's own MaxRetries wins when explicitly set
// (non-zero), otherwise the queue's configured retryAttempts, otherwise
// the global default.
func (m *Message) EffectiveMaxRetries(queueRetryAttempts int) int {
	if m.MaxRetries > 0 {
		return m.MaxRetries
	}
	if queueRetryAttempts > 0 {
		return queueRetryAttempts
	}
	return DefaultMaxRetries
}

// ToStreamValues flattens the message into the string-field encoding a
// Redis stream entry requires: id, payload(JSON), priority,
// headers(JSON), timestamp, retryCount, maxRetries, source, traceId.
func (m *Message) ToStreamValues() map[string]interface{} {
	headersJSON, _ := json.Marshal(m.Headers)
	return map[string]interface{}{
		"id":         m.ID,
		"payload":    string(m.Payload),
		"priority":   strconv.Itoa(m.Priority),
		"headers":    string(headersJSON),
		"timestamp":  strconv.FormatInt(m.Timestamp, 10),
		"retryCount": strconv.Itoa(m.RetryCount),
		"maxRetries": strconv.Itoa(m.MaxRetries),
		"source":     m.Source,
		"traceId":    m.TraceID,
	}
}

// FromStreamValues reconstructs a Message from a decoded stream entry's
// values, applying the same defaults New() applies when a field is
// absent (priority=5, maxRetries=3, retryCount=0).
func FromStreamValues(id string, values map[string]interface{}) (*Message, error) {
	m := &Message{
		ID:         id,
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
		Headers:    map[string]string{},
	}

	str := func(key string) (string, bool) {
		v, ok := values[key]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}

	if v, ok := str("id"); ok && v != "" {
		m.ID = v
	}
	if v, ok := str("payload"); ok {
		m.Payload = json.RawMessage(v)
	}
	if len(m.Payload) == 0 {
		return nil, errorsx.Wrap(errorsx.ErrMessageDeserialization, "missing payload field")
	}
	if v, ok := str("priority"); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			m.Priority = p
		}
	}
	if v, ok := str("headers"); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &m.Headers)
	}
	if v, ok := str("timestamp"); ok && v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.Timestamp = ts
		}
	}
	if v, ok := str("retryCount"); ok && v != "" {
		if rc, err := strconv.Atoi(v); err == nil {
			m.RetryCount = rc
		}
	}
	if v, ok := str("maxRetries"); ok && v != "" {
		if mr, err := strconv.Atoi(v); err == nil {
			m.MaxRetries = mr
		}
	}
	if v, ok := str("source"); ok {
		m.Source = v
	}
	if v, ok := str("traceId"); ok {
		m.TraceID = v
	}

	return m, nil
}

// SendResult is returned by Queue.send / Producer.send.
type SendResult struct {
	MessageID      string
	RedisMessageID string
	Timestamp      int64
	Success        bool
	Error          error
	Delayed        bool
	ExecuteAt      time.Time
}

func (r SendResult) String() string {
	if r.Success {
		return fmt.Sprintf("SendResult{id=%s redisID=%s delayed=%v}", r.MessageID, r.RedisMessageID, r.Delayed)
	}
	return fmt.Sprintf("SendResult{id=%s error=%v}", r.MessageID, r.Error)
}
