package eventbus

import (
	"sync"
	"time"
)

// Event types published inside the process.
const (
	JobAdded       = "job.added"
	JobRemoved     = "job.removed"
	JobModified    = "job.modified"
	JobSkipped     = "job.skipped"
	JobStarted     = "job.started"
	JobFailed      = "job.failed"
	JobDropped     = "job.dropped"
	ReminderSent   = "reminder.sent"
	ReminderFailed = "reminder.failed"
	ConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the Data of every job.* event.
type JobEvent struct {
	JobID  string
	ChatID int64
	Pool   string
	Took   time.Duration
	Reason string
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events of the given
	// types (all types when none are given) and a function that cancels it.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) cannot
	// close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
