package logging

import (
	"sync"
	"time"
)

const (
	defaultEventCapacity = 1000
	defaultQueryLimit    = 100
)

// InitEvent records one initialization attempt for a service.
type InitEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Group     string    `json:"group"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
}

// EventLog is a thread-safe ring buffer of recent initialization attempts,
// read by the operator dashboard.
type EventLog struct {
	mu     sync.RWMutex
	events []InitEvent
	next   int
	size   int
}

// NewEventLog creates an event log holding at most capacity entries.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	return &EventLog{events: make([]InitEvent, capacity)}
}

// Add appends ev, overwriting the oldest entry once full.
func (l *EventLog) Add(ev InitEvent) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.size < len(l.events) {
		l.size++
	}
}

// EventQuery filters a Query call. Zero values match everything.
type EventQuery struct {
	Service string
	Status  string
	Limit   int
}

// Query returns matching events newest first.
func (l *EventLog) Query(q EventQuery) []InitEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	out := make([]InitEvent, 0, min(limit, l.size))
	for i := 0; i < l.size && len(out) < limit; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		ev := l.events[idx]
		if q.Service != "" && ev.Service != q.Service {
			continue
		}
		if q.Status != "" && ev.Status != q.Status {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len reports how many events are stored.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}
