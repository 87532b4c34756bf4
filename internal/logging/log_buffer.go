package logging

import (
	"sync"

	"chronicle/internal/buffer"
)

// LogBuffer retains the most recent entries for the logs endpoint.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{entries: buffer.NewRing[LogEntry](size)}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.entries.Add(entry)
	b.mu.Unlock()
}

// List returns the retained entries, oldest first.
func (b *LogBuffer) List() []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Query keeps the newest limit entries at or above minLevel, oldest first.
// A limit of zero or less keeps them all.
func (b *LogBuffer) Query(minLevel Level, limit int) []LogEntry {
	matched := []LogEntry{}
	for _, entry := range b.List() {
		if LevelAtLeast(entry.Level, minLevel) {
			matched = append(matched, entry)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
