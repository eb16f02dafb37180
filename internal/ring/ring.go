// Package ring implements the fixed-capacity circular message buffer that
// backs every client channel.
//
// One slot is always kept free to tell a full buffer from an empty one, so
// a Queue of capacity C holds at most C-1 messages and
// Occupied()+FreeSlots() == C-1 at all times.
//
// Head and tail mutation is serialized by a short internal mutex: the
// producer (the dispatcher) and the single consumer (the owning client)
// may run concurrently, but neither ever waits for longer than one slot
// copy.
package ring

import (
	"sync"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// MinCapacity is the smallest capacity accepted by New.
const MinCapacity = 2

// Queue is a circular buffer of icc.Message values.
type Queue struct {
	mu    sync.Mutex
	slots []icc.Message
	head  int // next slot to read
	tail  int // next slot to write
}

// New allocates a Queue with the given capacity. Capacities below
// MinCapacity are raised to it.
func New(capacity int) *Queue {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Queue{slots: make([]icc.Message, capacity)}
}

// Capacity returns the number of slots, one of which is always reserved.
func (q *Queue) Capacity() int {
	return len(q.slots)
}

// Enqueue appends msg at the tail. It never blocks; when the buffer is
// full it returns errors.ErrQueueFull and leaves the contents unchanged.
func (q *Queue) Enqueue(msg icc.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.advance(q.tail)
	if next == q.head {
		return errors.ErrQueueFull
	}
	q.slots[q.tail] = msg
	q.tail = next
	return nil
}

// Dequeue removes and returns the message at the head. The vacated slot
// is zeroed before the head moves on.
func (q *Queue) Dequeue() (icc.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == q.tail {
		return icc.Message{}, false
	}
	msg := q.slots[q.head]
	q.slots[q.head] = icc.Message{}
	q.head = q.advance(q.head)
	return msg, true
}

// Peek returns the head message without removing it.
func (q *Queue) Peek() (icc.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == q.tail {
		return icc.Message{}, false
	}
	return q.slots[q.head], true
}

// NotEmpty reports whether at least one message is queued.
func (q *Queue) NotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head != q.tail
}

// Occupied returns the number of queued messages.
func (q *Queue) Occupied() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.occupied()
}

// FreeSlots returns how many more messages can be enqueued.
func (q *Queue) FreeSlots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots) - 1 - q.occupied()
}

// Reset discards every queued message.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.slots)
	q.head, q.tail = 0, 0
}

func (q *Queue) occupied() int {
	n := q.tail - q.head
	if n < 0 {
		n += len(q.slots)
	}
	return n
}

func (q *Queue) advance(i int) int {
	i++
	if i == len(q.slots) {
		return 0
	}
	return i
}
