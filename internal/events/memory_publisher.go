package events

import (
	"context"
	"sync"
	"time"
)

// MemoryPublisher collects events in memory for demo mode and tests.
type MemoryPublisher struct {
	events []Event
	mu     sync.Mutex
}

// NewMemoryPublisher creates an in-memory event publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns all published events. Test helper.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByType filters published events by type. Test helper.
func (p *MemoryPublisher) ByType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
