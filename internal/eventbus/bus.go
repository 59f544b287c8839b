package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reminder lifecycle topics.
const (
	TypeSpawned     = "reminder.spawned"
	TypeRetired     = "reminder.retired"
	TypeActivated   = "reminder.activated"
	TypeDeactivated = "reminder.deactivated"
	TypeFired       = "reminder.fired"
	TypeAcked       = "reminder.acked"
	TypeFailed      = "reminder.failed"
)

// Event is an in-memory lifecycle signal about one reminder instance.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type         string
	Time         time.Time
	Domain       string
	DefinitionID string
	CaseID       string
	InstanceID   string
	Method       string
	Detail       string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	drop atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// a concurrent unsubscribe may close ch
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.drop.Add(1)
			}
		}()
	}
}

// Dropped counts events lost to full subscriber buffers.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.drop.Load()
	}
	return 0
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
