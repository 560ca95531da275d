package streamable

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultRetention is the number of events kept for replay per session.
const DefaultRetention = 1024

// Event is one entry of a push stream.
type Event struct {
	ID   uint64
	Data []byte
}

// EventLog is an ordered, bounded, replayable sequence of events. Ids start at
// 1 and increase by one per Append, so a client marker names exactly the last
// event it received.
type EventLog struct {
	mu        sync.Mutex
	events    *queue.Queue
	lastID    uint64
	retention int
	wake      chan struct{}
}

// NewEventLog creates a log retaining at most retention events.
func NewEventLog(retention int) *EventLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &EventLog{
		events:    queue.New(),
		retention: retention,
		wake:      make(chan struct{}),
	}
}

// Append stores data under the next id and wakes waiting readers.
func (l *EventLog) Append(data []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	ev := Event{ID: l.lastID, Data: data}
	l.events.Add(ev)
	for l.events.Length() > l.retention {
		l.events.Remove()
	}

	close(l.wake)
	l.wake = make(chan struct{})
	return ev
}

// Since returns the retained events with an id greater than marker, oldest
// first. complete is false when events after marker were already evicted, or
// when marker is ahead of the log and so was never issued by it.
func (l *EventLog) Since(marker uint64) (events []Event, complete bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if marker > l.lastID {
		return nil, false
	}
	n := l.events.Length()
	if n == 0 || marker == l.lastID {
		return nil, true
	}
	oldest := l.events.Peek().(Event).ID
	complete = marker+1 >= oldest

	start := 0
	if marker >= oldest {
		start = int(marker - oldest + 1)
	}
	events = make([]Event, 0, n-start)
	for i := start; i < n; i++ {
		events = append(events, l.events.Get(i).(Event))
	}
	return events, complete
}

// LastID returns the id of the newest event, 0 when nothing was appended.
func (l *EventLog) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Wait returns a channel closed by the next Append.
func (l *EventLog) Wait() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wake
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Length()
}
