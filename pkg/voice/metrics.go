package voice

import (
	"sync"
	"time"
)

// Metrics tracks latency at each stage of one turn.
// Stage latencies are measured from the end of the previous stage and
// the total from the moment the turn was submitted.
type Metrics struct {
	// Timestamps for key events
	SubmittedTime  time.Time // When the turn was admitted
	TranscriptTime time.Time // When STT completed
	CompletionTime time.Time // When the completion text was final
	AudioTime      time.Time // When synthesized audio was stored
	DoneTime       time.Time // When the turn was appended

	// Computed latencies
	STTLatency        time.Duration
	CompletionLatency time.Duration
	TTSLatency        time.Duration
	TotalLatency      time.Duration
}

func newMetrics(now time.Time) Metrics {
	return Metrics{SubmittedTime: now, TranscriptTime: now}
}

func (m *Metrics) markTranscript(now time.Time) {
	m.TranscriptTime = now
	m.STTLatency = now.Sub(m.SubmittedTime)
}

func (m *Metrics) markCompletion(now time.Time) {
	m.CompletionTime = now
	m.CompletionLatency = now.Sub(m.TranscriptTime)
}

func (m *Metrics) markAudio(now time.Time) {
	m.AudioTime = now
	if !m.CompletionTime.IsZero() {
		m.TTSLatency = now.Sub(m.CompletionTime)
	}
}

func (m *Metrics) markDone(now time.Time) {
	m.DoneTime = now
	m.TotalLatency = now.Sub(m.SubmittedTime)
}

// MetricsCollector keeps the metrics of recent turns across sessions.
// It is goroutine-safe.
type MetricsCollector struct {
	mu      sync.Mutex
	history []Metrics // Recent turns for averaging
	limit   int

	onUpdate func(Metrics)
}

// NewMetricsCollector creates a collector that remembers the last 100 turns.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		history: make([]Metrics, 0, 100),
		limit:   100,
	}
}

// OnUpdate sets a callback that fires whenever a turn is recorded.
func (c *MetricsCollector) OnUpdate(fn func(Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Record archives a finished turn's metrics.
func (c *MetricsCollector) Record(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if len(c.history) > c.limit {
		c.history = c.history[1:]
	}
	if c.onUpdate != nil {
		go c.onUpdate(m)
	}
}

// Count returns the number of remembered turns.
func (c *MetricsCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Last returns the most recent turn's metrics.
func (c *MetricsCollector) Last() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return Metrics{}
	}
	return c.history[len(c.history)-1]
}

// Average returns average metrics over recent turns.
func (c *MetricsCollector) Average() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return Metrics{}
	}

	var avg Metrics
	for _, h := range c.history {
		avg.STTLatency += h.STTLatency
		avg.CompletionLatency += h.CompletionLatency
		avg.TTSLatency += h.TTSLatency
		avg.TotalLatency += h.TotalLatency
	}

	n := time.Duration(len(c.history))
	avg.STTLatency /= n
	avg.CompletionLatency /= n
	avg.TTSLatency /= n
	avg.TotalLatency /= n

	return avg
}

// FormatLatency returns a formatted string of the stage latencies.
func (m *Metrics) FormatLatency() string {
	return formatDuration(m.STTLatency) + " STT | " +
		formatDuration(m.CompletionLatency) + " LLM | " +
		formatDuration(m.TTSLatency) + " TTS | " +
		formatDuration(m.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
