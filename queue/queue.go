// Package queue implements the intrusive doubly-linked queue spec.md
// §3.1/§4.A that the interrupt manager's deferred-ISR FIFO and the
// scheduler's ready queues (out of scope) both sit on top of. Grounded
// on biscuit's general intrusive-structure idiom (main.go's passfd_t
// ring buffer, the bdev/proc linked tables) generalized into one
// reusable doubly-linked list.
package queue

import "github.com/justanotherdot/nanokern/common"

// Node is a single intrusive queue member. A Node belongs to at most
// one Queue at a time; Enlisted reflects that membership (spec.md
// §3.1). Callers embed or reference their own payload through Data.
type Node struct {
	prev, next *Node
	priority   uint
	enlisted   bool

	Data interface{}
}

// Enlisted reports whether the node is currently a member of a queue.
func (n *Node) Enlisted() bool { return n.enlisted }

// Priority returns the priority the node was last inserted with.
func (n *Node) Priority() uint { return n.priority }

// CreateNode allocates a standalone node carrying data. It is not a
// member of any queue until Push/PushPrio.
func CreateNode(data interface{}) *Node {
	return &Node{Data: data}
}

// DestroyNode rejects destroying a node still enlisted in a queue
// (spec.md §3.1 lifecycle, §7 Unauthorized).
func DestroyNode(n *Node) common.Err_t {
	if n == nil {
		return common.EFAULT
	}
	if n.enlisted {
		return common.EPERM
	}
	return 0
}

// Queue is an intrusive FIFO/priority list. Push inserts at the head;
// Pop removes from the tail (spec.md §4.A). Not internally
// synchronized: callers sharing a Queue across contexts must
// serialize externally (spec.md §5).
type Queue struct {
	head, tail *Node
	size       int
}

// CreateQueue returns an empty queue.
func CreateQueue() *Queue {
	return &Queue{}
}

// DestroyQueue rejects destroying a non-empty queue.
func DestroyQueue(q *Queue) common.Err_t {
	if q == nil {
		return common.EFAULT
	}
	if q.size != 0 {
		return common.EPERM
	}
	return 0
}

// Size returns the number of enlisted nodes.
func (q *Queue) Size() int { return q.size }

// Push inserts n at the head of the queue (spec.md §4.A).
func (q *Queue) Push(n *Node) common.Err_t {
	if n == nil {
		return common.EFAULT
	}
	if n.enlisted {
		return common.EPERM
	}
	n.prev = nil
	n.next = q.head
	if q.head != nil {
		q.head.prev = n
	}
	q.head = n
	if q.tail == nil {
		q.tail = n
	}
	n.enlisted = true
	q.size++
	return 0
}

// PushPrio inserts n ahead of the first existing node whose priority is
// less than or equal to priority, scanning from the head (spec.md
// §4.A, §8 scenario 2). Equal-priority nodes therefore form a FIFO:
// a later PushPrio call with the same priority as an earlier one lands
// closer to the head, so the earlier node is popped (from the tail)
// first — insertion order is preserved among ties.
func (q *Queue) PushPrio(n *Node, priority uint) common.Err_t {
	if n == nil {
		return common.EFAULT
	}
	if n.enlisted {
		return common.EPERM
	}
	n.priority = priority

	var at *Node
	for cur := q.head; cur != nil; cur = cur.next {
		if cur.priority <= priority {
			at = cur
			break
		}
	}

	if at == nil {
		// nothing qualifies: append at the tail
		n.prev = q.tail
		n.next = nil
		if q.tail != nil {
			q.tail.next = n
		}
		q.tail = n
		if q.head == nil {
			q.head = n
		}
	} else {
		n.next = at
		n.prev = at.prev
		if at.prev != nil {
			at.prev.next = n
		} else {
			q.head = n
		}
		at.prev = n
	}
	n.enlisted = true
	q.size++
	return 0
}

// Pop removes and returns the tail node, the oldest survivor of ties
// (spec.md §4.A).
func (q *Queue) Pop() (*Node, bool) {
	n := q.tail
	if n == nil {
		return nil, false
	}
	q.tail = n.prev
	if q.tail != nil {
		q.tail.next = nil
	} else {
		q.head = nil
	}
	n.prev, n.next = nil, nil
	n.enlisted = false
	q.size--
	return n, true
}

// Find does a linear scan from head to tail for the first node whose
// Data equals data (spec.md §4.A). O(size).
func (q *Queue) Find(data interface{}) *Node {
	for cur := q.head; cur != nil; cur = cur.next {
		if cur.Data == data {
			return cur
		}
	}
	return nil
}

// Remove detaches n from the queue. If n is not enlisted in this
// queue, Remove returns NotRegistered unless panicIfMissing is set, in
// which case it panics (spec.md §4.A — callers that expect the node to
// be present use this to surface a corrupted invariant immediately).
func (q *Queue) Remove(n *Node, panicIfMissing bool) common.Err_t {
	if n == nil {
		return common.EFAULT
	}
	if !n.enlisted || !q.owns(n) {
		if panicIfMissing {
			panic("queue: remove of node not enlisted in this queue")
		}
		return common.ENOENT
	}

	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.enlisted = false
	q.size--
	return 0
}

func (q *Queue) owns(n *Node) bool {
	for cur := q.head; cur != nil; cur = cur.next {
		if cur == n {
			return true
		}
	}
	return false
}
