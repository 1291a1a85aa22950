// Package channel provides the contiguous-range id allocator used by the
// Client Agent for per-connection channels and by the Database Server for
// object ids.
package channel

import "fmt"

// Allocator hands out ids from [min, max] with reuse of freed ids. It is not
// safe for concurrent use; each owner calls it from its own event loop.
type Allocator struct {
	min  uint64
	max  uint64
	next uint64
	free []uint64
	used map[uint64]bool
}

// NewAllocator returns an allocator over the inclusive range [min, max].
func NewAllocator(min, max uint64) (*Allocator, error) {
	if min > max {
		return nil, fmt.Errorf("channel: invalid range [%d, %d]", min, max)
	}
	return &Allocator{
		min:  min,
		max:  max,
		next: min,
		used: make(map[uint64]bool),
	}, nil
}

// SetNext moves the fresh-id cursor. The Database Server uses this to resume
// from the persisted tracker value.
func (a *Allocator) SetNext(next uint64) error {
	if next < a.min || next > a.max+1 {
		return fmt.Errorf("channel: next %d outside range [%d, %d]", next, a.min, a.max)
	}
	a.next = next
	return nil
}

// Allocate returns a free id, preferring previously freed ids over fresh
// ones. It fails when the range is exhausted.
func (a *Allocator) Allocate() (uint64, error) {
	if n := len(a.free); n > 0 {
		id := a.free[0]
		a.free = a.free[1:]
		a.used[id] = true
		return id, nil
	}
	if a.next > a.max {
		return 0, fmt.Errorf("channel: range [%d, %d] exhausted", a.min, a.max)
	}
	id := a.next
	a.next++
	a.used[id] = true
	return id, nil
}

// Free returns an id to the pool. Freeing an id that is not allocated is an
// error; it indicates a double free or a foreign id.
func (a *Allocator) Free(id uint64) error {
	if !a.used[id] {
		return fmt.Errorf("channel: id %d is not allocated", id)
	}
	delete(a.used, id)
	a.free = append(a.free, id)
	return nil
}

// Allocated reports whether id is currently handed out.
func (a *Allocator) Allocated(id uint64) bool { return a.used[id] }

// InUse returns how many ids are currently handed out.
func (a *Allocator) InUse() int { return len(a.used) }
