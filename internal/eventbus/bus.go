// Package eventbus fans task events out to in-process subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reconciler.
const (
	TasksRefreshed = "tasks.refreshed"
	TaskRan        = "task.ran"
	TaskChanged    = "task.changed"
)

// Event is a small signal; Data carries one of the payload types below.
//
// Publish never blocks. Subscribers get a buffered channel and miss events
// when they fall behind.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Refreshed is the payload of TasksRefreshed.
type Refreshed struct {
	Count  int
	Failed []string // backends whose discovery failed
}

// Ran is the payload of TaskRan.
type Ran struct {
	Label    string
	ExitCode int
	TimedOut bool
}

// Changed is the payload of TaskChanged. Op is add, update, delete,
// enable or disable.
type Changed struct {
	Label string
	Op    string
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the given types, or every event when
	// none are given.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool
}

func (s *sub) wants(t string) bool { return len(s.types) == 0 || s.types[t] }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// unsubscribe may close ch concurrently
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
