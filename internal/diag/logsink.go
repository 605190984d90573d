package diag

import "fmt"

// Logger is the leveled logging surface LogSink writes to.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// LogSink turns diagnostics into log lines at the matching level.
type LogSink struct {
	Logger Logger
}

func (s LogSink) Emit(d Diagnostic) {
	if s.Logger == nil {
		return
	}
	line := Format(d)
	switch d.Severity {
	case ERROR:
		s.Logger.Errorf("%s", line)
	case WARN:
		s.Logger.Warnf("%s", line)
	default:
		s.Logger.Infof("%s", line)
	}
}

// Format renders a diagnostic as a single human-readable line.
func Format(d Diagnostic) string {
	line := fmt.Sprintf("[%s] %s", d.Code, d.Message)
	if d.Source != "" {
		line = d.Source + ": " + line
	}
	if d.Orbit != nil {
		line += fmt.Sprintf(" orbit=%d", *d.Orbit)
	}
	if d.Ordinal != nil {
		line += fmt.Sprintf(" fragment=%d", *d.Ordinal)
	}
	if d.Offset != nil {
		line += fmt.Sprintf(" offset=0x%X", *d.Offset)
	}
	if d.Field != "" && d.Value != nil {
		line += fmt.Sprintf(" %s=%d", d.Field, *d.Value)
	}
	if d.Expected != "" || d.Actual != "" {
		line += fmt.Sprintf(" expected=%s actual=%s", d.Expected, d.Actual)
	}
	return line
}
