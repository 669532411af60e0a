package notify

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryOutbox is an in-process Outbox.
type MemoryOutbox struct {
	mu      sync.Mutex
	seq     int64
	records []Record
	events  map[string]bool
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{events: make(map[string]bool)}
}

func (m *MemoryOutbox) Insert(ctx context.Context, eventID, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.events[eventID] {
		return nil
	}
	m.seq++
	m.records = append(m.records, Record{
		ID:        m.seq,
		EventID:   eventID,
		Topic:     topic,
		Key:       key,
		Payload:   slices.Clone(payload),
		CreatedAt: time.Now().UTC(),
	})
	m.events[eventID] = true
	return nil
}

func (m *MemoryOutbox) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.records {
		if r.SentAt != nil {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkSent(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].ID == id && m.records[i].SentAt == nil {
			now := time.Now().UTC()
			m.records[i].SentAt = &now
		}
	}
	return nil
}

// Len returns the number of stored records.
func (m *MemoryOutbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
