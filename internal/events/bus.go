// Package events keeps the ordered event log of every job and fans new
// events out to in-process subscribers.
package events

import (
	"sync"

	"github.com/mycelian/shardtracker/internal/metrics"
	"github.com/mycelian/shardtracker/internal/model"
)

// Bus is a lightweight in-process pub-sub backed by one buffered channel per
// subscriber.
type Bus struct {
	mu     sync.Mutex
	buffer int
	subs   map[*subscription]struct{}
}

type subscription struct {
	jobID string
	ch    chan model.JobEvent
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{buffer: buffer, subs: map[*subscription]struct{}{}}
}

// Publish hands evt to every interested subscriber without blocking.
// Returns false if some subscriber's buffer was full and it missed evt.
func (b *Bus) Publish(evt model.JobEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := true
	for s := range b.subs {
		if s.jobID != "" && s.jobID != evt.JobID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			delivered = false
			metrics.EventsDropped.Inc()
		}
	}
	return delivered
}

// Subscribe returns a channel receiving the events of jobID, or of every job
// when jobID is empty. The cancel func must be called to release it.
func (b *Bus) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	s := &subscription{jobID: jobID, ch: make(chan model.JobEvent, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		})
	}
}
