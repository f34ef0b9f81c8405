package pool

import (
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrPoolExhausted is returned by Insert when every entry is in use.
	ErrPoolExhausted = errors.New("pool: no free entry")

	// ErrNotFound is returned when removing a payload or handle that is not
	// in use. It points at a caller bug such as a double remove.
	ErrNotFound = errors.New("pool: entry not in use")

	// ErrPoolClosed is returned by every operation after Close.
	ErrPoolClosed = errors.New("pool: closed")
)

// Handle identifies an in-use entry. It stays valid until the entry is
// released and may be reused afterwards.
type Handle int

type entry[T comparable] struct {
	value  T
	handle Handle
	inUse  bool
}

// ObjectPool tracks up to a fixed number of payloads. Entries move between
// the free and used lists and are never allocated after New.
//
// ObjectPool is not safe for concurrent use.
type ObjectPool[T comparable] struct {
	nodes []Node[entry[T]]
	free  List[entry[T]]
	used  List[entry[T]]
}

// New preallocates maxEntries entries, all free.
func New[T comparable](maxEntries int) (*ObjectPool[T], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("pool: capacity must be positive, got %d", maxEntries)
	}
	p := &ObjectPool[T]{nodes: make([]Node[entry[T]], maxEntries)}
	for i := maxEntries - 1; i >= 0; i-- {
		p.nodes[i].Value.handle = Handle(i)
		p.free.InsertHead(&p.nodes[i])
	}
	return p, nil
}

// Cap returns the fixed number of entries.
func (p *ObjectPool[T]) Cap() int { return len(p.nodes) }

// Len returns the number of entries in use.
func (p *ObjectPool[T]) Len() int { return p.used.Len() }

// Available returns the number of free entries.
func (p *ObjectPool[T]) Available() int { return p.free.Len() }

// Insert stores v in a free entry and returns its handle.
func (p *ObjectPool[T]) Insert(v T) (Handle, error) {
	if p.nodes == nil {
		return -1, ErrPoolClosed
	}
	n := p.free.PopHead()
	if n == nil {
		return -1, ErrPoolExhausted
	}
	n.Value.value = v
	n.Value.inUse = true
	p.used.InsertHead(n)
	return n.Value.handle, nil
}

// Remove releases the entry holding v, comparing payloads with ==.
func (p *ObjectPool[T]) Remove(v T) error {
	if p.nodes == nil {
		return ErrPoolClosed
	}
	for n := p.used.Head(); n != nil; n = n.Next() {
		if n.Value.value == v {
			p.release(n)
			return nil
		}
	}
	return ErrNotFound
}

// Release releases the entry identified by h in constant time.
func (p *ObjectPool[T]) Release(h Handle) error {
	if p.nodes == nil {
		return ErrPoolClosed
	}
	if h < 0 || int(h) >= len(p.nodes) || !p.nodes[h].Value.inUse {
		return fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	p.release(&p.nodes[h])
	return nil
}

func (p *ObjectPool[T]) release(n *Node[entry[T]]) {
	p.used.Remove(n)
	var zero T
	n.Value.value = zero
	n.Value.inUse = false
	p.free.InsertHead(n)
}

// Get returns the payload behind h.
func (p *ObjectPool[T]) Get(h Handle) (T, bool) {
	var zero T
	if h < 0 || int(h) >= len(p.nodes) || !p.nodes[h].Value.inUse {
		return zero, false
	}
	return p.nodes[h].Value.value, true
}

// Iterate returns the payloads in use, most recently inserted first. The
// starting point is captured when Iterate is called and every range over the
// returned sequence restarts from it. Inserting or removing while a range is
// in progress leaves the rest of that range undefined; finish or abandon it
// first.
func (p *ObjectPool[T]) Iterate() iter.Seq[T] {
	head := p.used.Head()
	return func(yield func(T) bool) {
		for n := head; n != nil; n = n.Next() {
			if !n.Value.inUse {
				return
			}
			if !yield(n.Value.value) {
				return
			}
		}
	}
}

// Close drops all entries. Every later operation fails with ErrPoolClosed.
func (p *ObjectPool[T]) Close() {
	p.nodes = nil
	p.free = List[entry[T]]{}
	p.used = List[entry[T]]{}
}
