package consumer

import "time"

// Metrics is the point-in-time snapshot returned by GetMetrics, with
// the same (previous+sample)/2 blend used by producer.Metrics; see
// design notes for why this isn't a true EWMA.
type Metrics struct {
	MessagesProcessed    int64
	AverageProcessingTime time.Duration
	ErrorRate             float64
	LastProcessedAt       time.Time
}

func (m *Metrics) recordProcessed(success bool, latency time.Duration, now time.Time) {
	m.MessagesProcessed++
	m.LastProcessedAt = now
	if m.AverageProcessingTime == 0 {
		m.AverageProcessingTime = latency
	} else {
		m.AverageProcessingTime = (m.AverageProcessingTime + latency) / 2
	}

	sample := 0.0
	if !success {
		sample = 0.05
	}
	m.ErrorRate = m.ErrorRate*0.95 + sample
}
