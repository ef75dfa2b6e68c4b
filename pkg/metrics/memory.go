package metrics

import "sync"

// MemoryObserver keeps recorded events, the most recent limit of them when
// limit is positive.
type MemoryObserver struct {
	mu     sync.Mutex
	limit  int
	events []MetricsEvent
}

func NewMemoryObserver(limit int) *MemoryObserver {
	return &MemoryObserver{limit: limit}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.limit:]...)
	}
	m.mu.Unlock()
}

func (m *MemoryObserver) Events() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricsEvent(nil), m.events...)
}

// Count returns how many retained events carry name.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
