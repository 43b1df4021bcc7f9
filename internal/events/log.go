package events

import (
	"context"
	"sync"

	"github.com/mycelian/shardtracker/internal/metrics"
	"github.com/mycelian/shardtracker/internal/model"
)

// Log holds every job's events in acceptance order.
type Log struct {
	mu   sync.RWMutex
	jobs map[string]*stream
	bus  *Bus
}

type stream struct {
	mu     sync.RWMutex
	events []model.JobEvent
}

// NewLog returns an empty log publishing appended events on bus.
func NewLog(bus *Bus) *Log {
	return &Log{jobs: map[string]*stream{}, bus: bus}
}

// Append numbers evt after the job's last event, stores it and publishes it.
// Callers append a shard's events while holding that shard's lock, so they
// are numbered in version order.
func (l *Log) Append(evt model.JobEvent) model.JobEvent {
	s := l.stream(evt.JobID)
	s.mu.Lock()
	evt.Seq = uint64(len(s.events)) + 1
	s.events = append(s.events, evt)
	s.mu.Unlock()

	metrics.Events.WithLabelValues(string(evt.Name)).Inc()
	if l.bus != nil {
		l.bus.Publish(evt)
	}
	return evt
}

// Restore replaces a job's events with persisted ones, which must be ordered
// by Seq starting at 1.
func (l *Log) Restore(jobID string, evts []model.JobEvent) {
	s := l.stream(jobID)
	s.mu.Lock()
	s.events = append([]model.JobEvent(nil), evts...)
	s.mu.Unlock()
}

// Since returns the job's events numbered after the given sequence.
func (l *Log) Since(jobID string, after uint64) []model.JobEvent {
	l.mu.RLock()
	s, ok := l.jobs[jobID]
	l.mu.RUnlock()
	if !ok {
		return []model.JobEvent{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if after >= uint64(len(s.events)) {
		return []model.JobEvent{}
	}
	return append([]model.JobEvent(nil), s.events[after:]...)
}

// Wait blocks until the job has events after the given sequence and returns
// them, or returns ctx.Err() once ctx is done.
func (l *Log) Wait(ctx context.Context, jobID string, after uint64) ([]model.JobEvent, error) {
	if evts := l.Since(jobID, after); len(evts) > 0 || l.bus == nil {
		return evts, nil
	}
	ch, cancel := l.bus.Subscribe(jobID)
	defer cancel()
	for {
		// an event may have landed between Since and Subscribe
		if evts := l.Since(jobID, after); len(evts) > 0 {
			return evts, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (l *Log) stream(jobID string) *stream {
	l.mu.RLock()
	s, ok := l.jobs[jobID]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.jobs[jobID]; !ok {
		s = &stream{}
		l.jobs[jobID] = s
	}
	return s
}
