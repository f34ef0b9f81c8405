// Package pool provides a fixed-capacity object pool that tracks in-use
// payloads without allocating after construction.
//
// The pool is built from two intrusive doubly linked lists, free and used,
// threaded through one preallocated node arena. Every node is on exactly one
// of the two lists at any time.
package pool

// Node is an element of a List. The list links through the node itself, so
// moving a node between lists never allocates.
type Node[T any] struct {
	Value T
	next  *Node[T]
	prev  *Node[T]
	list  *List[T]
}

// Next returns the following node or nil.
func (n *Node[T]) Next() *Node[T] { return n.next }

// List is an intrusive doubly linked list with O(1) head insertion and
// O(1) removal by node identity.
type List[T any] struct {
	head *Node[T]
	len  int
}

// Head returns the first node or nil.
func (l *List[T]) Head() *Node[T] { return l.head }

// Len returns the number of linked nodes.
func (l *List[T]) Len() int { return l.len }

// InsertHead prepends n. n must not be linked into any list.
func (l *List[T]) InsertHead(n *Node[T]) {
	n.next = l.head
	n.prev = nil
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	n.list = l
	l.len++
}

// PopHead unlinks and returns the first node, or nil if the list is empty.
func (l *List[T]) PopHead() *Node[T] {
	n := l.head
	if n == nil {
		return nil
	}
	l.unlink(n)
	return n
}

// Remove unlinks n. Removing a node that is not in the list does nothing.
func (l *List[T]) Remove(n *Node[T]) {
	if n == nil || n.list != l {
		return
	}
	l.unlink(n)
}

func (l *List[T]) unlink(n *Node[T]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.next, n.prev, n.list = nil, nil, nil
	l.len--
}
