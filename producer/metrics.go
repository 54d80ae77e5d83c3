package producer

import "time"

// Metrics is the point-in-time snapshot returned by GetMetrics. The
// averaging formulas are a simple (previous+sample)/2 blend, not a
// true EWMA; see design notes.
type Metrics struct {
	MessagesSent     int64
	AverageLatency   time.Duration
	BatchesSent      int64
	AverageBatchSize float64
	ErrorRate        float64
	LastSentAt       time.Time
}

func (m *Metrics) recordSend(success bool, latency time.Duration, now time.Time) {
	if success {
		m.MessagesSent++
		m.LastSentAt = now
	}
	if m.AverageLatency == 0 {
		m.AverageLatency = latency
	} else {
		m.AverageLatency = (m.AverageLatency + latency) / 2
	}

	sample := 0.0
	if !success {
		sample = 0.05
	}
	m.ErrorRate = m.ErrorRate*0.95 + sample
}

func (m *Metrics) recordBatch(size int) {
	m.BatchesSent++
	if m.AverageBatchSize == 0 {
		m.AverageBatchSize = float64(size)
	} else {
		m.AverageBatchSize = (m.AverageBatchSize + float64(size)) / 2
	}
}
