package misc

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Event kinds recorded by the registry.
const (
	EventRegister   = "register"
	EventDeregister = "deregister"
	EventOpen       = "open"
	EventOpenFailed = "open_failed"
	EventIoctl      = "ioctl"
	EventRelease    = "release"
	EventFault      = "fault"
)

// Event is one registry action kept for inspection.
type Event struct {
	Kind      string    `json:"kind"`
	Device    string    `json:"device"`
	Owner     string    `json:"owner,omitempty"`
	FD        uint64    `json:"fd,omitempty"`
	Cmd       uint32    `json:"cmd,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLog keeps the most recent events, oldest first.
type EventLog struct {
	mu       sync.Mutex
	capacity int
	q        *queue.Queue
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventLog{capacity: capacity, q: queue.New()}
}

func (l *EventLog) Add(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q.Add(ev)
	for l.q.Length() > l.capacity {
		l.q.Remove()
	}
}

// Recent returns up to limit of the newest events, oldest first.
func (l *EventLog) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.q.Length()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, l.q.Get(i).(Event))
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}
