// Package channel holds the per-client state of the bus: the queue, the
// installed and flow-control flags, the wait mechanism for blocking
// readers and the optional upcall worker.
//
// A Channel is shared by the dispatcher (producer, never blocks) and the
// owning client (single consumer). Lifecycle changes take the write lock;
// delivery and reads take the read lock, so Close cannot interleave with
// an enqueue. Head and tail movement is serialized inside the queue.
//
// Deliver wakes blocked readers on every message but leaves the upcall
// worker alone; the dispatcher calls SignalWorker once per drained batch.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/notifier"
	"github.com/Iron-Ham/iccbus/internal/ring"
)

// Channel is one logical client endpoint.
type Channel struct {
	id icc.ClientID

	mu        sync.RWMutex
	installed bool
	queue     *ring.Queue
	worker    *notifier.Worker

	// flowMu pairs each flow flag change with the occupancy it was
	// decided on.
	flowMu           sync.Mutex
	flowBlocked      atomic.Bool
	exceptionPending atomic.Bool

	// ready is closed and replaced on every wake-up. Waiters grab the
	// current channel before checking state so no wake-up is missed.
	readyMu sync.Mutex
	ready   chan struct{}

	delivered  atomic.Uint64
	read       atomic.Uint64
	dropped    atomic.Uint64
	flowBlocks atomic.Uint64
}

func newChannel(id icc.ClientID, capacity int) *Channel {
	return &Channel{
		id:    id,
		queue: ring.New(capacity),
		ready: make(chan struct{}),
	}
}

// ID returns the channel's client id.
func (c *Channel) ID() icc.ClientID { return c.id }

func (c *Channel) errorf(op string, cause error) error {
	return errors.NewChannelError(op, cause).WithChannel(int(c.id))
}

// Open installs the channel. A second Open without an intervening Close
// fails with ErrAlreadyOpen.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.installed {
		return c.errorf("open", errors.ErrAlreadyOpen)
	}
	c.installed = true
	c.exceptionPending.Store(false)
	c.flowBlocked.Store(false)
	return nil
}

// Close uninstalls the channel, discards queued messages, clears flow
// state, wakes blocked readers and stops the upcall worker. It returns
// the number of discarded messages and whether the channel was open.
func (c *Channel) Close() (discarded int, wasOpen bool) {
	c.mu.Lock()
	wasOpen = c.installed
	c.installed = false
	discarded = c.queue.Occupied()
	c.queue.Reset()
	c.flowBlocked.Store(false)
	c.exceptionPending.Store(false)
	w := c.worker
	c.worker = nil
	c.mu.Unlock()

	c.wake()
	if w != nil {
		w.Stop()
	}
	return discarded, wasOpen
}

// Installed reports whether the channel is open.
func (c *Channel) Installed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.installed
}

// Deliver enqueues msg and, on success, raises the pending-exception flag
// and wakes blocked readers. It returns the occupancy after the enqueue.
// It never blocks and does not signal the upcall worker.
func (c *Channel) Deliver(msg icc.Message) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.installed {
		return 0, errors.ErrNotOpen
	}
	if err := c.queue.Enqueue(msg); err != nil {
		c.dropped.Add(1)
		return c.queue.Occupied(), err
	}
	c.delivered.Add(1)
	c.exceptionPending.Store(true)
	c.wake()
	return c.queue.Occupied(), nil
}

// SignalWorker asks the upcall worker, if any, for one callback. Signals
// that arrive before the worker runs are coalesced.
func (c *Channel) SignalWorker() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.worker != nil {
		c.worker.Signal()
	}
}

// Notify raises the pending-exception flag, wakes blocked readers and
// signals the upcall worker.
func (c *Channel) Notify() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.notifyLocked()
}

func (c *Channel) notifyLocked() {
	c.exceptionPending.Store(true)
	c.wake()
	if c.worker != nil {
		c.worker.Signal()
	}
}

func (c *Channel) wake() {
	c.readyMu.Lock()
	close(c.ready)
	c.ready = make(chan struct{})
	c.readyMu.Unlock()
}

// Ready returns a channel that is closed at the next wake-up: a delivery,
// a notification or Close.
func (c *Channel) Ready() <-chan struct{} {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

// TryRead dequeues the head message. It returns the occupancy after the
// dequeue, ErrNotOpen when the channel is closed and ErrQueueEmpty when
// nothing is queued.
func (c *Channel) TryRead() (icc.Message, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.installed {
		return icc.Message{}, 0, c.errorf("read", errors.ErrNotOpen)
	}
	msg, ok := c.queue.Dequeue()
	if !ok {
		return icc.Message{}, 0, c.errorf("read", errors.ErrQueueEmpty)
	}
	c.read.Add(1)
	return msg, c.queue.Occupied(), nil
}

// Wait blocks until a message is queued, the channel is closed or ctx is
// done. It returns nil when a read would succeed.
func (c *Channel) Wait(ctx context.Context) error {
	for {
		ready := c.Ready()

		c.mu.RLock()
		installed := c.installed
		c.mu.RUnlock()
		if !installed {
			return c.errorf("wait", errors.ErrNotOpen)
		}
		if c.queue.NotEmpty() {
			return nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return c.errorf("wait", errors.Join(errors.ErrCanceled, ctx.Err()))
		}
	}
}

// NotEmpty reports whether a message is queued.
func (c *Channel) NotEmpty() bool {
	return c.queue.NotEmpty()
}

// Occupied returns the number of queued messages.
func (c *Channel) Occupied() int {
	return c.queue.Occupied()
}

// FreeSlots returns how many more messages fit.
func (c *Channel) FreeSlots() int {
	return c.queue.FreeSlots()
}

// Capacity returns the queue capacity.
func (c *Channel) Capacity() int {
	return c.queue.Capacity()
}

// FlowBlocked reports whether the peer has been told to stop sending.
func (c *Channel) FlowBlocked() bool {
	return c.flowBlocked.Load()
}

// SetFlowBlocked sets the flag and reports whether this call changed it.
func (c *Channel) SetFlowBlocked() bool {
	if c.flowBlocked.CompareAndSwap(false, true) {
		c.flowBlocks.Add(1)
		return true
	}
	return false
}

// ClearFlowBlocked clears the flag and reports whether this call changed it.
func (c *Channel) ClearFlowBlocked() bool {
	return c.flowBlocked.CompareAndSwap(true, false)
}

// BlockAbove sets the flow-blocked flag if the queue holds at least high
// messages. It reports whether this call set the flag and the occupancy
// it decided on. It is serialized with ReleaseBelow, so a reader that
// drains the queue concurrently either sees the flag or stops it being
// set.
func (c *Channel) BlockAbove(high int) (bool, int) {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	n := c.queue.Occupied()
	if n < high {
		return false, n
	}
	return c.SetFlowBlocked(), n
}

// ReleaseBelow clears the flow-blocked flag if the queue holds fewer than
// low messages. It reports whether this call cleared the flag and the
// occupancy it decided on.
func (c *Channel) ReleaseBelow(low int) (bool, int) {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	n := c.queue.Occupied()
	if n >= low {
		return false, n
	}
	return c.ClearFlowBlocked(), n
}

// TakeException reports and clears the pending-exception flag.
func (c *Channel) TakeException() bool {
	return c.exceptionPending.Swap(false)
}

// Capabilities returns read when a message is queued and write when the
// channel is not flow blocked.
func (c *Channel) Capabilities() icc.CapabilityMask {
	var m icc.CapabilityMask
	if c.queue.NotEmpty() {
		m |= icc.CapRead
	}
	if !c.flowBlocked.Load() {
		m |= icc.CapWrite
	}
	return m
}

// Register starts an upcall worker for this channel. The channel need
// not be open.
func (c *Channel) Register(cb notifier.Callback, opts ...notifier.Option) error {
	if cb == nil {
		return c.errorf("register", errors.ErrInvalidCallback)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker != nil {
		return c.errorf("register", errors.ErrAlreadyRegistered)
	}
	w, err := notifier.Start(c.id, cb, c.Capabilities, opts...)
	if err != nil {
		return err
	}
	c.worker = w
	return nil
}

// Unregister stops the upcall worker and waits for it. A second call
// returns ErrNotRegistered.
func (c *Channel) Unregister() error {
	c.mu.Lock()
	w := c.worker
	c.worker = nil
	c.mu.Unlock()

	if w == nil {
		return c.errorf("unregister", errors.ErrNotRegistered)
	}
	w.Stop()
	return nil
}

// Registered reports whether an upcall worker is running.
func (c *Channel) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worker != nil
}

// Stats is a point-in-time view of one channel.
type Stats struct {
	ID          icc.ClientID `json:"id"`
	Installed   bool         `json:"installed"`
	Registered  bool         `json:"registered"`
	FlowBlocked bool         `json:"flow_blocked"`
	Occupied    int          `json:"occupied"`
	Capacity    int          `json:"capacity"`
	Delivered   uint64       `json:"delivered"`
	Read        uint64       `json:"read"`
	Dropped     uint64       `json:"dropped"`
	FlowBlocks  uint64       `json:"flow_blocks"`
}

// Stats returns the channel's counters and state.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	installed := c.installed
	registered := c.worker != nil
	c.mu.RUnlock()

	return Stats{
		ID:          c.id,
		Installed:   installed,
		Registered:  registered,
		FlowBlocked: c.flowBlocked.Load(),
		Occupied:    c.queue.Occupied(),
		Capacity:    c.queue.Capacity(),
		Delivered:   c.delivered.Load(),
		Read:        c.read.Load(),
		Dropped:     c.dropped.Load(),
		FlowBlocks:  c.flowBlocks.Load(),
	}
}
