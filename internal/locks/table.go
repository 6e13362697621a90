// Package locks provides per-key mutual exclusion for identity synchronisation.
package locks

import (
	"context"
	"sync"
)

// Locker serialises work on a key. The returned release function must be
// called exactly once; calling it more than once is a no-op.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Table is a process-local Locker. Entries are created on demand and removed
// when the last request referencing them releases, so the table never grows
// beyond the set of keys with in-flight work.
type Table struct {
	entries sync.Map // string -> *entry
}

type entry struct {
	sem chan struct{}

	mu      sync.Mutex
	refs    int
	retired bool
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{}
}

// Lock blocks until the key is held or ctx is done.
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	held := t.acquire(key)
	select {
	case held.sem <- struct{}{}:
	case <-ctx.Done():
		t.releaseRef(key, held)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-held.sem
			t.releaseRef(key, held)
		})
	}, nil
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	count := 0
	t.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (t *Table) acquire(key string) *entry {
	for {
		value, ok := t.entries.Load(key)
		if !ok {
			value, _ = t.entries.LoadOrStore(key, &entry{sem: make(chan struct{}, 1)})
		}
		candidate := value.(*entry)

		candidate.mu.Lock()
		if candidate.retired {
			// Already removed from the map by its last holder; look again.
			candidate.mu.Unlock()
			continue
		}
		candidate.refs++
		candidate.mu.Unlock()
		return candidate
	}
}

func (t *Table) releaseRef(key string, held *entry) {
	held.mu.Lock()
	defer held.mu.Unlock()
	held.refs--
	if held.refs > 0 {
		return
	}
	held.retired = true
	t.entries.CompareAndDelete(key, held)
}
