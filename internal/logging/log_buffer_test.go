package logging

import (
	"sync"
	"testing"
)

func TestLogBufferKeepsNewest(t *testing.T) {
	buffer := NewLogBuffer(2)
	for _, message := range []string{"first", "second", "third"} {
		buffer.Add(LogEntry{Message: message})
	}

	entries := buffer.List()
	if len(entries) != 2 || entries[0].Message != "second" || entries[1].Message != "third" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLogBufferConcurrentAdds(t *testing.T) {
	buffer := NewLogBuffer(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				buffer.Add(LogEntry{Message: "entry"})
			}
		}()
	}
	wg.Wait()

	if got := len(buffer.List()); got != 50 {
		t.Fatalf("expected 50 entries, got %d", got)
	}
}

func TestLogBufferQuery(t *testing.T) {
	buffer := NewLogBuffer(10)
	buffer.Add(LogEntry{Level: LevelDebug, Message: "debug"})
	buffer.Add(LogEntry{Level: LevelWarning, Message: "warn"})
	buffer.Add(LogEntry{Level: LevelInfo, Message: "info"})
	buffer.Add(LogEntry{Level: LevelError, Message: "error"})

	cases := []struct {
		name  string
		level Level
		limit int
		want  []string
	}{
		{name: "warnings", level: LevelWarning, want: []string{"warn", "error"}},
		{name: "limit keeps newest", level: LevelDebug, limit: 1, want: []string{"error"}},
		{name: "no minimum", limit: 2, want: []string{"info", "error"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buffer.Query(tc.level, tc.limit)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, got)
			}
			for i, message := range tc.want {
				if got[i].Message != message {
					t.Fatalf("entry %d: expected %q, got %q", i, message, got[i].Message)
				}
			}
		})
	}
}

func TestNilLogBuffer(t *testing.T) {
	var buffer *LogBuffer
	buffer.Add(LogEntry{Message: "ignored"})
	if entries := buffer.Query(LevelInfo, 0); len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}
