package reconcile

import (
	"context"
	"sync"
	"time"
)

type inboxEntry struct {
	eventType   string
	receivedAt  time.Time
	processedAt time.Time
	outcome     string
}

// MemoryInbox is an in-process Inbox.
type MemoryInbox struct {
	mu     sync.Mutex
	events map[string]*inboxEntry
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{events: make(map[string]*inboxEntry)}
}

func (m *MemoryInbox) Begin(ctx context.Context, eventID, eventType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.events[eventID]; ok {
		return !e.processedAt.IsZero(), nil
	}
	m.events[eventID] = &inboxEntry{eventType: eventType, receivedAt: time.Now().UTC()}
	return false, nil
}

func (m *MemoryInbox) Finish(ctx context.Context, eventID, outcome string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		e = &inboxEntry{receivedAt: time.Now().UTC()}
		m.events[eventID] = e
	}
	if e.processedAt.IsZero() {
		e.processedAt = time.Now().UTC()
		e.outcome = outcome
	}
	return nil
}

// Outcome returns the recorded outcome of a processed event.
func (m *MemoryInbox) Outcome(eventID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok || e.processedAt.IsZero() {
		return "", false
	}
	return e.outcome, true
}
