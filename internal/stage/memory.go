package stage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is a process-local stage. Entries are stored encoded so callers
// never share state with the store.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

func NewMemory(ttl time.Duration, clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{ttl: ttl, now: clock, entries: map[string]memEntry{}}
}

func (m *Memory) Put(_ context.Context, p *PendingOrder) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.InvoiceID] = memEntry{payload: b, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, invoiceID string) (*PendingOrder, error) {
	m.mu.Lock()
	e, ok := m.entries[invoiceID]
	if ok && m.ttl > 0 && !m.now().Before(e.expiresAt) {
		delete(m.entries, invoiceID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrStageMissing
	}
	var p PendingOrder
	if err := json.Unmarshal(e.payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Memory) Delete(_ context.Context, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, invoiceID)
	return nil
}
