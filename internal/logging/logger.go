// Package logging is chronicle's leveled logger. Every entry is kept in a
// ring buffer, handed to live followers and printed as one key=value line.
package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

// core is shared by a logger and everything derived from it with With.
type core struct {
	mu        sync.Mutex
	out       io.Writer
	buffer    *LogBuffer
	followers *followers
}

type Logger struct {
	core   *core
	min    Level
	fields map[string]string
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stdout)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if !minLevel.valid() {
		minLevel = LevelInfo
	}
	return &Logger{
		core: &core{out: output, buffer: buffer, followers: &followers{}},
		min:  minLevel,
	}
}

// NewDiscardLogger records into a private buffer and prints nothing.
func NewDiscardLogger() *Logger {
	return NewLoggerWithOutput(nil, LevelInfo, nil)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.core.buffer
}

// Follow streams entries at or above minLevel as they are logged. Entries
// are dropped for a follower that falls behind. The returned func detaches.
func (l *Logger) Follow(minLevel Level) (<-chan LogEntry, func()) {
	if l == nil {
		closed := make(chan LogEntry)
		close(closed)
		return closed, func() {}
	}
	return l.core.followers.add(minLevel)
}

func (l *Logger) Followers() int {
	if l == nil {
		return 0
	}
	return l.core.followers.count()
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{core: l.core, min: l.min, fields: merge(l.fields, fields)}
}

func (l *Logger) Debug(message string, fields map[string]string) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields map[string]string) { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields map[string]string) { l.log(LevelWarning, message, fields) }
func (l *Logger) Error(message string, fields map[string]string) { l.log(LevelError, message, fields) }

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level.rank() >= l.min.rank()
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   merge(l.fields, fields),
	}
	l.core.buffer.Add(entry)
	l.core.followers.publish(entry)
	if l.core.out == nil {
		return
	}
	line := formatLine(entry)
	l.core.mu.Lock()
	_, _ = io.WriteString(l.core.out, line)
	l.core.mu.Unlock()
}

func ParseLevel(value string) (Level, bool) {
	level := Level(strings.ToLower(strings.TrimSpace(value)))
	if level == "warn" {
		level = LevelWarning
	}
	if !level.valid() {
		return "", false
	}
	return level, true
}

// LevelAtLeast reports whether level passes minLevel. An empty minimum passes everything.
func LevelAtLeast(level, minLevel Level) bool {
	return minLevel == "" || level.rank() >= minLevel.rank()
}

func merge(base, extra map[string]string) map[string]string {
	if len(base)+len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

// formatLine renders "<time> level=info msg="..." key="value"" with sorted keys.
func formatLine(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format(time.RFC3339))
	b.WriteString(" level=")
	b.WriteString(string(entry.Level))
	b.WriteString(" msg=")
	b.WriteString(strconv.Quote(entry.Message))
	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(entry.Context[key]))
	}
	b.WriteByte('\n')
	return b.String()
}
