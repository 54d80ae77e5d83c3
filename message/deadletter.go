package message

import (
	"strconv"
	"time"
)

// DeadLetterMessage extends Message with the provenance fields recorded
// when processing is abandoned.
type DeadLetterMessage struct {
	Message

	OriginalQueue   string
	FailureReason   string
	FailedAt        time.Time
	Attempts        int
	ReprocessedFrom string // set when re-enqueued via DLQ.reprocessMessage
}

// ToStreamValues flattens the dead-letter message onto the base
// Message encoding plus originalQueue/failureReason/failedAt/attempts
// and, when set, reprocessedFrom.
func (d *DeadLetterMessage) ToStreamValues() map[string]interface{} {
	values := d.Message.ToStreamValues()
	values["originalQueue"] = d.OriginalQueue
	values["failureReason"] = d.FailureReason
	values["failedAt"] = strconv.FormatInt(d.FailedAt.UnixMilli(), 10)
	values["attempts"] = strconv.Itoa(d.Attempts)
	if d.ReprocessedFrom != "" {
		values["reprocessedFrom"] = d.ReprocessedFrom
	}
	return values
}

// DeadLetterFromStreamValues reconstructs a DeadLetterMessage from a
// decoded stream entry, applying Message's own field defaults first.
func DeadLetterFromStreamValues(id string, values map[string]interface{}) (*DeadLetterMessage, error) {
	base, err := FromStreamValues(id, values)
	if err != nil {
		return nil, err
	}

	d := &DeadLetterMessage{Message: *base}
	if v, ok := values["originalQueue"].(string); ok {
		d.OriginalQueue = v
	}
	if v, ok := values["failureReason"].(string); ok {
		d.FailureReason = v
	}
	if v, ok := values["failedAt"].(string); ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			d.FailedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := values["attempts"].(string); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempts = n
		}
	}
	if v, ok := values["reprocessedFrom"].(string); ok {
		d.ReprocessedFrom = v
	}
	return d, nil
}
