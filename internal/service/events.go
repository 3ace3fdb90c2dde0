package service

import (
	"sync"

	"hl-sentinel/internal/model"
)

// eventLog keeps the most recent security events, deduplicated by id. A
// re-emitted id replaces the stored event without changing its position.
type eventLog struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	byID     map[string]model.SecurityEvent
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &eventLog{capacity: capacity, byID: make(map[string]model.SecurityEvent)}
}

// add stores events and returns those not seen before.
func (l *eventLog) add(events []model.SecurityEvent) []model.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fresh []model.SecurityEvent
	for _, ev := range events {
		if _, ok := l.byID[ev.ID]; ok {
			l.byID[ev.ID] = ev
			continue
		}
		l.byID[ev.ID] = ev
		l.order = append(l.order, ev.ID)
		fresh = append(fresh, ev)
	}

	if over := len(l.order) - l.capacity; over > 0 {
		for _, id := range l.order[:over] {
			delete(l.byID, id)
		}
		l.order = append([]string(nil), l.order[over:]...)
	}
	return fresh
}

func (l *eventLog) all() []model.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.SecurityEvent, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}
