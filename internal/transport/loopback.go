package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// Loopback is an in-memory mailbox. The local side uses it as an Adapter;
// the far side (a simulated peer or a test) reads what the local side sent
// from Sent and feeds inbound traffic with Inject.
type Loopback struct {
	in  *inbox
	out chan icc.WireMessage

	sent atomic.Uint64
	busy atomic.Uint64

	failMu  sync.RWMutex
	failErr error

	closeOnce sync.Once
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*loopbackOptions)

type loopbackOptions struct {
	redeliver time.Duration
	outDepth  int
}

// WithRedeliverDelay sets how long the delivery goroutine waits before
// re-raising a notification the handler could not act on.
func WithRedeliverDelay(d time.Duration) LoopbackOption {
	return func(o *loopbackOptions) { o.redeliver = d }
}

// WithOutboundDepth sizes the local-to-peer direction separately from the
// inbound one.
func WithOutboundDepth(n int) LoopbackOption {
	return func(o *loopbackOptions) { o.outDepth = n }
}

// NewLoopback creates a Loopback that buffers depth messages per direction.
func NewLoopback(depth int, opts ...LoopbackOption) *Loopback {
	o := loopbackOptions{outDepth: depth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.outDepth < 1 {
		o.outDepth = 1
	}
	return &Loopback{
		in:  newInbox(depth, o.redeliver),
		out: make(chan icc.WireMessage, o.outDepth),
	}
}

// Send queues w for the peer. It returns errors.ErrTransportBusy when the
// outbound direction is full and the configured failure, if any.
func (l *Loopback) Send(w icc.WireMessage) error {
	l.failMu.RLock()
	failErr := l.failErr
	l.failMu.RUnlock()
	if failErr != nil {
		return failErr
	}

	select {
	case l.out <- w:
		l.sent.Add(1)
		return nil
	default:
		l.busy.Add(1)
		return errors.ErrTransportBusy
	}
}

// TryReceive pops the oldest inbound message.
func (l *Loopback) TryReceive() (icc.WireMessage, bool) {
	return l.in.pop()
}

// SetNotificationHandler installs the function called when inbound data
// is available. Passing nil detaches it.
func (l *Loopback) SetNotificationHandler(fn func()) {
	l.in.setHandler(fn)
}

// EnableInterrupts undoes one DisableInterrupts.
func (l *Loopback) EnableInterrupts() { l.in.enable() }

// DisableInterrupts suppresses notifications until matched by EnableInterrupts.
func (l *Loopback) DisableInterrupts() { l.in.disable() }

// InterruptsEnabled reports whether notifications are currently raised.
func (l *Loopback) InterruptsEnabled() bool { return l.in.enabled() }

// Inject delivers w from the peer. It returns errors.ErrTransportBusy
// when the inbound direction is full.
func (l *Loopback) Inject(w icc.WireMessage) error {
	if !l.in.push(w) {
		return errors.ErrTransportBusy
	}
	return nil
}

// InjectMessage encodes m and injects it.
func (l *Loopback) InjectMessage(m icc.Message) error {
	return l.Inject(icc.ToWire(m))
}

// Sent returns the stream of messages the local side sent to the peer.
func (l *Loopback) Sent() <-chan icc.WireMessage {
	return l.out
}

// SetSendFailure makes every Send return err until cleared with nil.
func (l *Loopback) SetSendFailure(err error) {
	l.failMu.Lock()
	l.failErr = err
	l.failMu.Unlock()
}

// Pending returns the number of inbound messages not yet received.
func (l *Loopback) Pending() int {
	return l.in.pending()
}

// Stats returns traffic counters.
func (l *Loopback) Stats() Stats {
	return Stats{
		Sent:     l.sent.Load(),
		Received: l.in.received.Load(),
		Busy:     l.busy.Load(),
		Pending:  l.in.pending(),
	}
}

// Close stops the delivery goroutine. The outbound channel stays open so
// a peer draining it does not observe a spurious close.
func (l *Loopback) Close() {
	l.closeOnce.Do(l.in.close)
}
