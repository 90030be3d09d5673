// Package eventbus is the in-process fan-out used for run and config events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by reportd.
const (
	RunStarted  = "report.run.started"
	RunFinished = "report.run.finished"
	RunFailed   = "report.run.failed"
	RunSkipped  = "report.run.skipped"

	ScheduleInstalled = "report.schedule.installed"
	ScheduleRemoved   = "report.schedule.removed"
	ScheduleInvalid   = "report.schedule.invalid"

	ConfigReloaded = "config.reloaded"
)

// Event is a small signal; Data should stay JSON-serializable.
//
// Publish never blocks. Subscribers get a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under
			// the write lock can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
