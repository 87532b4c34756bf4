package logging

import "sync"

const followerBuffer = 128

type follower struct {
	entries chan LogEntry
	min     Level
}

type followers struct {
	mu   sync.Mutex
	list []*follower
}

func (f *followers) add(minLevel Level) (<-chan LogEntry, func()) {
	sub := &follower{entries: make(chan LogEntry, followerBuffer), min: minLevel}
	f.mu.Lock()
	f.list = append(f.list, sub)
	f.mu.Unlock()

	var once sync.Once
	return sub.entries, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, existing := range f.list {
				if existing == sub {
					f.list = append(f.list[:i], f.list[i+1:]...)
					break
				}
			}
			close(sub.entries)
		})
	}
}

func (f *followers) publish(entry LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.list {
		if !LevelAtLeast(entry.Level, sub.min) {
			continue
		}
		select {
		case sub.entries <- entry:
		default:
		}
	}
}

func (f *followers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}
