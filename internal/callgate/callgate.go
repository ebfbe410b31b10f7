// Package callgate limits outbound calls to one per destination number and
// a global maximum in flight.
package callgate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrBusy means the destination already has a call in flight.
	ErrBusy = errors.New("destination already has an active call")

	// ErrAtCapacity means the global concurrency limit is reached.
	ErrAtCapacity = errors.New("maximum concurrent calls reached")
)

// Gate hands out call slots. A slot is identified by the destination and a
// holder ID; Release is a no-op unless the holder still owns the slot.
type Gate interface {
	Acquire(ctx context.Context, destination, holder string) error
	Release(ctx context.Context, destination, holder string) error
	Active(ctx context.Context) (int, error)
}

type slot struct {
	holder  string
	expires time.Time
}

// Memory is a single-process Gate. Slots expire after ttl so a call whose
// release was lost cannot pin a destination forever.
type Memory struct {
	max int
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	slots map[string]slot // keyed by destination
}

// NewMemory returns a gate allowing limit concurrent calls.
func NewMemory(limit int, ttl time.Duration) *Memory {
	return &Memory{
		max:   limit,
		ttl:   ttl,
		now:   time.Now,
		slots: make(map[string]slot),
	}
}

func (m *Memory) expireLocked(now time.Time) {
	for dest, s := range m.slots {
		if !now.Before(s.expires) {
			delete(m.slots, dest)
		}
	}
}

// Acquire claims the destination for holder.
func (m *Memory) Acquire(_ context.Context, destination, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if _, busy := m.slots[destination]; busy {
		return ErrBusy
	}
	if len(m.slots) >= m.max {
		return ErrAtCapacity
	}
	m.slots[destination] = slot{holder: holder, expires: now.Add(m.ttl)}
	return nil
}

// Release frees the destination if holder still owns it.
func (m *Memory) Release(_ context.Context, destination, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[destination]; ok && s.holder == holder {
		delete(m.slots, destination)
	}
	return nil
}

// Active returns the number of held slots.
func (m *Memory) Active(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	return len(m.slots), nil
}
