package queue

type EventType string

const (
	EventAdded     EventType = "added"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
)

// Event notifies listeners of a job state transition.
type Event struct {
	Type EventType
	Job  *Job
	// Err is the delivery error for failed and retrying events.
	Err error
}

// Listener is called synchronously on the goroutine that made the
// transition; it must not block.
type Listener func(Event)

// Subscribe registers l for all future events.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

func (q *Queue) emit(e Event) {
	q.mu.RLock()
	listeners := q.listeners
	q.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
