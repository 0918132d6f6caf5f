package lease

import (
	"context"
	"sync"
)

// MemoryBackend is a process-local backend used in tests and by the
// single-binary development profile. CAS is trivially atomic under the
// mutex.
type MemoryBackend struct {
	mu      sync.Mutex
	current *Lease

	// FailWith, when set, makes every call return the error. Tests use it
	// to drive the manager into observer mode.
	FailWith error
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(ctx context.Context) (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return nil, b.FailWith
	}
	if b.current == nil {
		return nil, nil
	}
	cp := *b.current
	return &cp, nil
}

func (b *MemoryBackend) CompareAndSwap(ctx context.Context, expectEpoch int64, next Lease) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return false, b.FailWith
	}
	currentEpoch := int64(0)
	if b.current != nil {
		currentEpoch = b.current.Epoch
	}
	if currentEpoch != expectEpoch {
		return false, nil
	}
	cp := next
	b.current = &cp
	return true, nil
}

func (b *MemoryBackend) Strong() bool { return true }
