// Package diag carries decoder diagnostics from the point they are raised to
// whatever sink records them: memory, NDJSON files, HTTP streams or the log.
package diag

import (
	"strings"
	"sync"
	"time"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

// Diagnostic codes emitted by the decoder.
const (
	CodeStreamPreview    = "stream.preview"
	CodeOrbitBegin       = "orbit.begin"
	CodeHeaderMarker     = "header.marker"
	CodeHeaderField      = "header.field"
	CodeFragmentDecoded  = "fragment.decoded"
	CodeRegionMisaligned = "region.misaligned"
	CodeHeaderChecksum   = "checksum.header"
	CodeFragmentChecksum = "checksum.fragment"
)

type Diagnostic struct {
	Ts       time.Time `json:"ts"`
	Source   string    `json:"source,omitempty"`
	Code     string    `json:"code"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Orbit    *int      `json:"orbit,omitempty"`
	Ordinal  *int      `json:"ordinal,omitempty"`
	Offset   *int64    `json:"offset,omitempty"`
	Field    string    `json:"field,omitempty"`
	Value    *uint64   `json:"value,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
}

// Sink receives diagnostics. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(d Diagnostic)
}

// Int returns a pointer to v, for the optional numeric fields of Diagnostic.
func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }

func Uint64(v uint64) *uint64 { return &v }

type discard struct{}

func (discard) Emit(Diagnostic) {}

// Discard drops every diagnostic.
var Discard Sink = discard{}

type multi []Sink

func (m multi) Emit(d Diagnostic) {
	for _, s := range m {
		s.Emit(d)
	}
}

// Multi fans a diagnostic out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Summary counts diagnostics by severity.
type Summary struct {
	Total    int `json:"total"`
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Info     int `json:"info"`
}

// Collector keeps diagnostics in memory in emission order.
type Collector struct {
	mu    sync.Mutex
	diags []Diagnostic
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(d Diagnostic) {
	c.mu.Lock()
	c.diags = append(c.diags, d)
	c.mu.Unlock()
}

// Diagnostics returns a copy of everything collected so far.
func (c *Collector) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.diags))
	copy(out, c.diags)
	return out
}

// Filter returns the collected diagnostics at or above the given severity.
func (c *Collector) Filter(min Severity) []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Diagnostic
	for _, d := range c.diags {
		if Rank(d.Severity) >= Rank(min) {
			out = append(out, d)
		}
	}
	return out
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Summary
	for _, d := range c.diags {
		s.Total++
		switch d.Severity {
		case ERROR:
			s.Errors++
		case WARN:
			s.Warnings++
		case INFO:
			s.Info++
		}
	}
	return s
}

// Rank orders severities so thresholds can be compared; unknown values rank
// below INFO.
func Rank(s Severity) int {
	switch s {
	case ERROR:
		return 3
	case WARN:
		return 2
	case INFO:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts the usual spellings, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return ERROR, true
	case "WARN", "WARNING":
		return WARN, true
	case "INFO":
		return INFO, true
	}
	return "", false
}
