package common

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts decode throughput. Counters may be bumped from concurrent
// decodes; the clock is started and stopped once per run.
type Metrics struct {
	inputs     atomic.Int64
	bytes      atomic.Int64
	totalBytes atomic.Int64
	orbits     atomic.Int64
	fragments  atomic.Int64
	errors     atomic.Int64

	clock   sync.Mutex
	started time.Time
	stopped time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Start begins the run clock. Later calls are ignored until the clock is
// stopped.
func (m *Metrics) Start() {
	m.clock.Lock()
	defer m.clock.Unlock()
	if m.started.IsZero() {
		m.started = time.Now()
		m.stopped = time.Time{}
	}
}

func (m *Metrics) Stop() {
	m.clock.Lock()
	defer m.clock.Unlock()
	if !m.started.IsZero() && m.stopped.IsZero() {
		m.stopped = time.Now()
	}
}

// AddInput counts one input buffer of n bytes.
func (m *Metrics) AddInput(n int64) {
	if n < 0 {
		return
	}
	m.inputs.Add(1)
	m.bytes.Add(n)
}

// AddOrbit counts one decoded orbit and the fragments recovered from it.
func (m *Metrics) AddOrbit(fragments int64) {
	m.orbits.Add(1)
	if fragments > 0 {
		m.fragments.Add(fragments)
	}
}

func (m *Metrics) IncErrors() {
	m.errors.Add(1)
}

// SetTotalBytes sets the expected input size used for completion.
func (m *Metrics) SetTotalBytes(total int64) {
	m.totalBytes.Store(max(total, 0))
}

func (m *Metrics) elapsed() time.Duration {
	m.clock.Lock()
	defer m.clock.Unlock()
	switch {
	case m.started.IsZero():
		return 0
	case m.stopped.IsZero():
		return time.Since(m.started)
	default:
		return m.stopped.Sub(m.started)
	}
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Duration   time.Duration
	Inputs     int64
	Bytes      int64
	TotalBytes int64
	Orbits     int64
	Fragments  int64
	Errors     int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Duration:   m.elapsed(),
		Inputs:     m.inputs.Load(),
		Bytes:      m.bytes.Load(),
		TotalBytes: m.totalBytes.Load(),
		Orbits:     m.orbits.Load(),
		Fragments:  m.fragments.Load(),
		Errors:     m.errors.Load(),
	}
}

func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// Completion is Bytes/TotalBytes clamped to [0, 1]; 0 when no total is set.
func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return min(max(float64(s.Bytes)/float64(s.TotalBytes), 0), 1)
}

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// FormatBytes renders b with a binary unit, e.g. "2.00 KiB".
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	v := float64(b) / 1024
	unit := 0
	for v >= 1024 && unit < len(byteUnits)-1 {
		v /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[unit])
}

func formatProgressLine(s MetricsSnapshot) string {
	var b strings.Builder
	if s.TotalBytes > 0 {
		fmt.Fprintf(&b, "Progress: %6.2f%% (%s / %s)", s.Completion()*100, FormatBytes(s.Bytes), FormatBytes(s.TotalBytes))
	} else {
		fmt.Fprintf(&b, "Processed: %s", FormatBytes(s.Bytes))
	}
	fmt.Fprintf(&b, " orbits=%d fragments=%d", s.Orbits, s.Fragments)
	if s.Errors > 0 {
		fmt.Fprintf(&b, " errors=%d", s.Errors)
	}
	fmt.Fprintf(&b, " %.2f MiB/s", s.ThroughputBytesPerSecond()/(1<<20))
	return b.String()
}

// StartProgressPrinter rewrites a single status line on w every interval
// until the returned stop function is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) (stop func()) {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		width := 0
		for {
			select {
			case <-ticker.C:
				line := formatProgressLine(m.Snapshot())
				fmt.Fprintf(w, "\r%-*s", width, line)
				width = max(width, len(line))
			case <-done:
				if width > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", width))
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
