package pulse

import (
	"sync"
	"time"
)

// SubscriberBufferSize is the buffer of each subscriber channel
const SubscriberBufferSize = 100

// EventKind distinguishes bus events
type EventKind string

const (
	// EventProgress carries a job's percentage and status text
	EventProgress EventKind = "progress"
	// EventNotice is a user-visible message not tied to progress
	EventNotice EventKind = "notice"
	// EventDone marks a job that reached a terminal state
	EventDone EventKind = "done"
)

// Event is one message on the bus
type Event struct {
	Kind       EventKind `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message,omitempty"`
	AutoExport string    `json:"autoexport,omitempty"` // correlation id of the auto-export that started the job
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Bus fans events out to subscribers. Sends never block: a subscriber that
// falls behind misses events.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, SubscriberBufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber. The channel is not closed; the caller
// owns it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event. Safe on a nil bus.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Progress publishes a progress event
func (b *Bus) Progress(jobID string, percent int, message, autoExport string) {
	b.Emit(Event{Kind: EventProgress, JobID: jobID, Percent: percent, Message: message, AutoExport: autoExport})
}

// Notice publishes a user-visible notice
func (b *Bus) Notice(message string) {
	b.Emit(Event{Kind: EventNotice, Message: message})
}

// Done publishes the end of a job; err may be nil
func (b *Bus) Done(jobID, autoExport string, err error) {
	e := Event{Kind: EventDone, JobID: jobID, Percent: 100, AutoExport: autoExport}
	if err != nil {
		e.Error = err.Error()
	}
	b.Emit(e)
}
