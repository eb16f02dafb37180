package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iccbus/internal/icc"
)

// DefaultRedeliverDelay is how long the delivery goroutine waits before
// re-raising a notification that made no progress.
const DefaultRedeliverDelay = 500 * time.Microsecond

// inbox is the receive side shared by every adapter: a bounded FIFO of
// wire messages plus the goroutine that plays the role of the mailbox
// interrupt. Like a level-triggered line it keeps calling the handler
// while messages are pending and notifications are enabled.
type inbox struct {
	mu       sync.Mutex
	buf      []icc.WireMessage
	head     int
	n        int
	handler  func()
	disabled int

	kick  chan struct{}
	space chan struct{}
	stop  chan struct{}
	done  chan struct{}

	received  atomic.Uint64
	redeliver time.Duration
	stopOnce  sync.Once
}

func newInbox(depth int, redeliver time.Duration) *inbox {
	if depth < 1 {
		depth = 1
	}
	if redeliver <= 0 {
		redeliver = DefaultRedeliverDelay
	}
	b := &inbox{
		buf:       make([]icc.WireMessage, depth),
		kick:      make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		redeliver: redeliver,
	}
	go b.run()
	return b
}

// push appends w and raises a notification. It reports false when full.
func (b *inbox) push(w icc.WireMessage) bool {
	b.mu.Lock()
	if b.n == len(b.buf) {
		b.mu.Unlock()
		return false
	}
	b.buf[(b.head+b.n)%len(b.buf)] = w
	b.n++
	b.mu.Unlock()

	b.raise()
	return true
}

func (b *inbox) pop() (icc.WireMessage, bool) {
	b.mu.Lock()
	if b.n == 0 {
		b.mu.Unlock()
		return icc.WireMessage{}, false
	}
	w := b.buf[b.head]
	b.buf[b.head] = icc.WireMessage{}
	b.head = (b.head + 1) % len(b.buf)
	b.n--
	b.mu.Unlock()

	b.received.Add(1)
	select {
	case b.space <- struct{}{}:
	default:
	}
	return w, true
}

func (b *inbox) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *inbox) setHandler(fn func()) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
	b.raise()
}

func (b *inbox) disable() {
	b.mu.Lock()
	b.disabled++
	b.mu.Unlock()
}

func (b *inbox) enable() {
	b.mu.Lock()
	if b.disabled > 0 {
		b.disabled--
	}
	b.mu.Unlock()
	b.raise()
}

func (b *inbox) enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled == 0
}

// waitSpace blocks until a slot may have been freed or stop is closed.
func (b *inbox) waitSpace(stop <-chan struct{}) bool {
	select {
	case <-b.space:
		return true
	case <-stop:
		return false
	case <-b.stop:
		return false
	}
}

func (b *inbox) raise() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// deliverable returns the handler and the pending count when a
// notification should be raised now.
func (b *inbox) deliverable() (func(), int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil || b.disabled > 0 || b.n == 0 {
		return nil, 0, false
	}
	return b.handler, b.n, true
}

func (b *inbox) run() {
	defer close(b.done)

	retry := time.NewTimer(b.redeliver)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-b.kick:
		}

		for {
			h, before, ok := b.deliverable()
			if !ok {
				break
			}
			h()
			if b.pending() < before {
				continue
			}

			// No progress: whoever holds the dispatcher will drain, or
			// the line is re-raised after a short delay.
			retry.Reset(b.redeliver)
			select {
			case <-b.stop:
				return
			case <-b.kick:
				retry.Stop()
			case <-retry.C:
			}
		}
	}
}

func (b *inbox) close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
