package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger stores audit records in memory for demo/testing.
type MemoryLogger struct {
	records []*Record
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *rec
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	l.records = append(l.records, &cp)
	return nil
}

// Records returns all stored audit records (for testing).
func (l *MemoryLogger) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// ByResource filters stored records by resource type and ID (for testing).
func (l *MemoryLogger) ByResource(resourceType, resourceID string) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, r := range l.records {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}
