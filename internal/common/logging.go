package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log output; a destination prints lines at or above its
// threshold.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel accepts INFO, WARN/WARNING and ERROR in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO", "DEBUG":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LogConfig describes the two log destinations: a rotating file and the
// console, each with its own threshold.
type LogConfig struct {
	Directory        string `yaml:"directory" toml:"directory"`
	FileName         string `yaml:"fileName" toml:"fileName"`
	MaxSizeMB        int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxAgeDays       int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	MaxBackups       int    `yaml:"maxBackups" toml:"maxBackups"`
	Compress         bool   `yaml:"compress" toml:"compress"`
	FileThreshold    string `yaml:"fileThreshold" toml:"fileThreshold"`
	ConsoleThreshold string `yaml:"consoleThreshold" toml:"consoleThreshold"`
}

type destination struct {
	logger    *log.Logger
	threshold Level
}

// Logger writes leveled lines to every destination whose threshold admits
// them.
type Logger struct {
	mu    sync.RWMutex
	dests []destination
}

const logFlags = log.LstdFlags | log.Lmicroseconds

var std = &Logger{dests: []destination{{
	logger:    log.New(os.Stderr, "[dthgate] ", logFlags),
	threshold: LevelInfo,
}}}

// Default is the process-wide logger used by Logf and friends.
func Default() *Logger {
	return std
}

// NewLogger returns a logger with a single destination.
func NewLogger(w io.Writer, threshold Level) *Logger {
	return &Logger{dests: []destination{{logger: log.New(w, "[dthgate] ", logFlags), threshold: threshold}}}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msg := level.String() + " " + fmt.Sprintf(format, args...)
	for _, d := range l.dests {
		if level >= d.threshold {
			d.logger.Print(msg)
		}
	}
}

func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func Logf(format string, args ...any) {
	std.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	std.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	std.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	std.Errorf(format, args...)
	os.Exit(1)
}

// SetupLogging points the default logger at a lumberjack-rotated file and
// the console. The returned function closes the log file.
func SetupLogging(cfg LogConfig, console io.Writer) (func() error, error) {
	fileLevel, err := ParseLevel(cfg.FileThreshold)
	if err != nil {
		return nil, err
	}
	consoleLevel := LevelWarn
	if cfg.ConsoleThreshold != "" {
		if consoleLevel, err = ParseLevel(cfg.ConsoleThreshold); err != nil {
			return nil, err
		}
	}
	if console == nil {
		console = os.Stderr
	}
	dests := []destination{{logger: log.New(console, "[dthgate] ", logFlags), threshold: consoleLevel}}
	closer := func() error { return nil }
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := cfg.FileName
		if name == "" {
			name = "dthgate.log"
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Directory, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		dests = append(dests, destination{logger: log.New(rotator, "", logFlags), threshold: fileLevel})
		closer = rotator.Close
	}
	std.mu.Lock()
	std.dests = dests
	std.mu.Unlock()
	return closer, nil
}

// Now is the clock used for diagnostic timestamps.
func Now() time.Time {
	return time.Now().UTC()
}
