package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

// Default limits, matching the config defaults.
const (
	DefaultBudget        = 128
	DefaultHighWatermark = 3840
)

// Dispatcher routes inbound messages to channels.
type Dispatcher struct {
	tr     transport.Adapter
	table  *channel.Table
	logger *logging.Logger
	bus    *event.Bus

	budget  int
	high    int
	control icc.ClientID

	// lock is a one-slot semaphore so that acquisition can be attempted
	// without blocking.
	lock chan struct{}

	relMu    sync.Mutex
	released chan struct{}

	drains      atomic.Uint64
	contended   atomic.Uint64
	routed      atomic.Uint64
	flowBlocks  atomic.Uint64
	badChannel  atomic.Uint64
	uninstalled atomic.Uint64
	queueFull   atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithEventBus publishes drop and flow-control events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithBudget sets how many messages one drain may move.
func WithBudget(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.budget = n
		}
	}
}

// WithHighWatermark sets the occupancy that blocks a channel.
func WithHighWatermark(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.high = n
		}
	}
}

// WithControlClient sets the channel that receives flow-control messages.
func WithControlClient(id icc.ClientID) Option {
	return func(d *Dispatcher) { d.control = id }
}

// New creates a Dispatcher over tr and table. It does not install itself
// as the transport's notification handler; call Attach for that.
func New(tr transport.Adapter, table *channel.Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tr:       tr,
		table:    table,
		logger:   logging.NopLogger(),
		budget:   DefaultBudget,
		high:     DefaultHighWatermark,
		control:  icc.ControlClient,
		lock:     make(chan struct{}, 1),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d
}

// Attach installs Drain as the transport's notification handler.
func (d *Dispatcher) Attach() {
	d.tr.SetNotificationHandler(d.Drain)
}

// TryAcquire attempts to take the dispatch lock without blocking.
func (d *Dispatcher) TryAcquire() bool {
	select {
	case d.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release gives the lock back and wakes contexts waiting in Released.
func (d *Dispatcher) Release() {
	<-d.lock

	d.relMu.Lock()
	close(d.released)
	d.released = make(chan struct{})
	d.relMu.Unlock()
}

// Released returns a channel that is closed at the next Release.
func (d *Dispatcher) Released() <-chan struct{} {
	d.relMu.Lock()
	defer d.relMu.Unlock()
	return d.released
}

// Drain is the transport notification handler: one bounded drain if the
// lock is free, nothing otherwise.
func (d *Dispatcher) Drain() {
	if !d.TryAcquire() {
		d.contended.Add(1)
		return
	}
	defer d.Release()
	d.DrainLocked(d.budget)
}

// DrainLocked routes up to budget messages. The caller must hold the
// lock. It returns how many messages were taken from the transport. Each
// channel that received messages gets one upcall signal after the loop.
func (d *Dispatcher) DrainLocked(budget int) int {
	d.drains.Add(1)
	var b Batch
	defer d.Flush(&b)

	n := 0
	for n < budget {
		w, ok := d.tr.TryReceive()
		if !ok {
			break
		}
		n++
		d.RouteBatch(icc.FromWire(w), &b)
	}
	return n
}

// Batch records which channels received messages so that each upcall
// worker is signaled once per batch rather than once per message.
type Batch struct {
	touched [icc.MaxClient]bool
}

// Flush signals the upcall worker of every channel in b and resets b.
func (d *Dispatcher) Flush(b *Batch) {
	for id, hit := range b.touched {
		if !hit {
			continue
		}
		if ch, ok := d.table.Lookup(icc.ClientID(id)); ok {
			ch.SignalWorker()
		}
	}
	b.touched = [icc.MaxClient]bool{}
}

// Route delivers a single message and signals the destination's upcall
// worker. The caller must hold the lock.
func (d *Dispatcher) Route(msg icc.Message) bool {
	var b Batch
	defer d.Flush(&b)
	return d.RouteBatch(msg, &b)
}

// RouteBatch delivers msg to its destination channel, applying the drop
// policy and the high-watermark check, and records the channel in b. It
// reports whether msg was queued. The caller must hold the lock and
// Flush b when the batch ends.
func (d *Dispatcher) RouteBatch(msg icc.Message, b *Batch) bool {
	ch, ok := d.table.Lookup(msg.Dst)
	if !ok {
		d.drop(msg, event.DropBadChannel)
		return false
	}

	_, err := ch.Deliver(msg)
	switch {
	case errors.Is(err, errors.ErrNotOpen):
		d.drop(msg, event.DropNotInstalled)
		return false
	case err != nil:
		d.drop(msg, event.DropQueueFull)
		return false
	}
	d.routed.Add(1)
	b.touched[msg.Dst] = true

	if blocked, occupied := ch.BlockAbove(d.high); blocked {
		d.flowBlocks.Add(1)
		d.logger.Info("flow blocked", "channel", int(msg.Dst), "occupied", occupied)
		d.publish(event.NewFlowChangedEvent(msg.Dst, true, occupied))

		ctl := icc.FlowControl(msg.Dst, msg.Dst, true)
		ctl.Dst = d.control
		d.RouteBatch(ctl, b)
	}
	return true
}

func (d *Dispatcher) drop(msg icc.Message, reason event.DropReason) {
	switch reason {
	case event.DropBadChannel:
		d.badChannel.Add(1)
	case event.DropNotInstalled:
		d.uninstalled.Add(1)
	case event.DropQueueFull:
		d.queueFull.Add(1)
	}
	d.logger.Warn("message dropped",
		"channel", int(msg.Dst),
		"src", int(msg.Src),
		"kind", msg.Kind.String(),
		"reason", string(reason),
	)
	d.publish(event.NewMessageDroppedEvent(msg.Dst, msg.Kind, reason))
}

func (d *Dispatcher) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// Stats counts dispatcher activity.
type Stats struct {
	Drains             uint64 `json:"drains"`
	Contended          uint64 `json:"contended"`
	Routed             uint64 `json:"routed"`
	FlowBlocks         uint64 `json:"flow_blocks"`
	DroppedBadChannel  uint64 `json:"dropped_bad_channel"`
	DroppedUninstalled uint64 `json:"dropped_uninstalled"`
	DroppedQueueFull   uint64 `json:"dropped_queue_full"`
}

// Dropped returns the total of all drop counters.
func (s Stats) Dropped() uint64 {
	return s.DroppedBadChannel + s.DroppedUninstalled + s.DroppedQueueFull
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Drains:             d.drains.Load(),
		Contended:          d.contended.Load(),
		Routed:             d.routed.Load(),
		FlowBlocks:         d.flowBlocks.Load(),
		DroppedBadChannel:  d.badChannel.Load(),
		DroppedUninstalled: d.uninstalled.Load(),
		DroppedQueueFull:   d.queueFull.Load(),
	}
}

// ControlClient returns the channel that receives flow-control messages.
func (d *Dispatcher) ControlClient() icc.ClientID {
	return d.control
}
