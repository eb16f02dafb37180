package bus

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/iccbus/internal/addrmap"
	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/Iron-Ham/iccbus/internal/dispatch"
	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/Iron-Ham/iccbus/internal/notifier"
	"github.com/Iron-Ham/iccbus/internal/syncreq"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

// Bus multiplexes client channels over one transport.
type Bus struct {
	cfg    *config.Config
	tr     transport.Adapter
	table  *channel.Table
	d      *dispatch.Dispatcher
	engine *syncreq.Engine
	maps   *addrmap.Table
	xlate  addrmap.Translator
	logger *logging.Logger
	events *event.Bus

	low      int
	control  icc.ClientID
	announce int

	shutdownOnce sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(b *Bus) {
		if cfg != nil {
			b.cfg = cfg
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithEventBus publishes lifecycle, drop, flow-control and sync events
// to events.
func WithEventBus(events *event.Bus) Option {
	return func(b *Bus) { b.events = events }
}

// WithTranslator replaces the built-in address table used by Write.
func WithTranslator(tr addrmap.Translator) Option {
	return func(b *Bus) { b.xlate = tr }
}

// New builds a Bus over tr and installs the dispatcher as the
// transport's notification handler. It fails when the configuration does
// not validate.
func New(tr transport.Adapter, opts ...Option) (*Bus, error) {
	b := &Bus{
		cfg:    config.Default(),
		tr:     tr,
		maps:   addrmap.NewTable(),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if errs := b.cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	if b.xlate == nil {
		b.xlate = b.maps
	}

	b.low = b.cfg.Queue.LowWatermark
	b.control = icc.ClientID(b.cfg.Bus.ControlClient)
	b.announce = b.cfg.Bus.AnnounceClient

	b.table = channel.NewTable(b.cfg.Queue.Capacity)
	b.d = dispatch.New(tr, b.table,
		dispatch.WithLogger(b.logger),
		dispatch.WithEventBus(b.events),
		dispatch.WithBudget(b.cfg.Dispatch.Budget),
		dispatch.WithHighWatermark(b.cfg.Queue.HighWatermark),
		dispatch.WithControlClient(b.control),
	)
	b.engine = syncreq.New(b.d, tr, b.table, syncEndpoint{b},
		syncreq.WithLogger(b.logger),
		syncreq.WithEventBus(b.events),
		syncreq.WithConfig(syncreq.Config{
			FlushLimit:     b.cfg.Sync.FlushLimit,
			DrainBudget:    b.cfg.Sync.DrainBudget,
			LockRetries:    b.cfg.Sync.LockRetries,
			MailboxRetries: b.cfg.Sync.MailboxRetries,
			Timeout:        b.cfg.Sync.Timeout(),
			RetryInterval:  b.cfg.Sync.RetryInterval(),
		}),
	)
	b.logger = b.logger.WithComponent("bus")
	b.d.Attach()
	return b, nil
}

func (b *Bus) get(op string, id icc.ClientID) (*channel.Channel, error) {
	c, ok := b.table.Lookup(id)
	if !ok {
		return nil, errors.NewChannelError(op, errors.ErrInvalidChannel).WithChannel(int(id))
	}
	return c, nil
}

func (b *Bus) publish(e event.Event) {
	if b.events != nil {
		b.events.Publish(e)
	}
}

// Open installs channel id. Opening an installed channel fails with
// ErrAlreadyOpen.
func (b *Bus) Open(id icc.ClientID) error {
	return b.open(id, false)
}

func (b *Bus) open(id icc.ClientID, auto bool) error {
	c, err := b.get("open", id)
	if err != nil {
		return err
	}
	if err := c.Open(); err != nil {
		return err
	}
	b.logger.Info("channel opened", "channel", int(id), "auto", auto)
	b.publish(event.NewChannelOpenedEvent(id, auto))

	if b.announce >= 0 && int(id) == b.announce {
		ready := icc.Message{Src: 0, Dst: 0, Kind: icc.KindCoreReady}
		if err := b.tr.Send(icc.ToWire(ready)); err != nil {
			b.logger.Warn("core ready announcement failed", "channel", int(id), "error", err.Error())
		}
	}
	return nil
}

// Close uninstalls channel id, discarding queued messages, stopping any
// callback worker and dropping its address mappings. Closing a channel
// that is not open succeeds.
func (b *Bus) Close(id icc.ClientID) error {
	c, err := b.get("close", id)
	if err != nil {
		return err
	}
	registered := c.Registered()
	discarded, wasOpen := c.Close()
	b.maps.Reset(id)
	if registered {
		b.publish(event.NewCallbackChangedEvent(id, false))
	}
	if !wasOpen {
		return nil
	}

	b.logger.Info("channel closed", "channel", int(id), "discarded", discarded)
	b.publish(event.NewChannelClosedEvent(id, discarded))
	return nil
}

// TryRead dequeues one message from channel id without blocking. It
// returns ErrQueueEmpty when nothing is queued.
func (b *Bus) TryRead(id icc.ClientID) (icc.Message, error) {
	c, err := b.get("read", id)
	if err != nil {
		return icc.Message{}, err
	}
	m, _, err := c.TryRead()
	if err != nil {
		return icc.Message{}, err
	}
	b.afterRead(c)
	return m, nil
}

// Read dequeues one message from channel id, waiting until one arrives,
// the channel is closed or ctx is done.
func (b *Bus) Read(ctx context.Context, id icc.ClientID) (icc.Message, error) {
	c, err := b.get("read", id)
	if err != nil {
		return icc.Message{}, err
	}
	for {
		m, _, err := c.TryRead()
		if err == nil {
			b.afterRead(c)
			return m, nil
		}
		if !errors.Is(err, errors.ErrQueueEmpty) {
			return icc.Message{}, err
		}
		if err := c.Wait(ctx); err != nil {
			return icc.Message{}, err
		}
	}
}

// afterRead applies the unblock half of flow control: once occupancy is
// below the low watermark a blocked channel is released and the peer is
// told so. The decision is made on the occupancy seen under the channel's
// flow lock, so a block raced in by the dispatcher is never left behind.
func (b *Bus) afterRead(c *channel.Channel) {
	if !c.FlowBlocked() {
		return
	}
	released, occupied := c.ReleaseBelow(b.low)
	if !released {
		return
	}

	id := c.ID()
	m := icc.FlowControl(b.control, id, false)
	m.Dst = b.control
	if err := b.tr.Send(icc.ToWire(m)); err != nil {
		// The peer still believes the channel is blocked; try again on
		// the next read.
		c.SetFlowBlocked()
		b.logger.Warn("flow unblock send failed", "channel", int(id), "error", err.Error())
		return
	}

	b.logger.Info("flow unblocked", "channel", int(id), "occupied", occupied)
	b.publish(event.NewFlowChangedEvent(id, false, occupied))
	c.Notify()
}

// Write sends msg from channel id. Src is stamped with id and pointer
// parameters are translated through the address table. A transport
// failure marks the channel flow blocked and is returned as a
// TransportError.
func (b *Bus) Write(id icc.ClientID, msg icc.Message) error {
	c, err := b.get("write", id)
	if err != nil {
		return err
	}
	if !c.Installed() {
		return errors.NewChannelError("write", errors.ErrNotOpen).WithChannel(int(id))
	}
	msg.Src = id
	if n := addrmap.Translate(b.xlate, &msg); n > 0 {
		b.logger.Debug("translated addresses", "channel", int(id), "count", n)
	}
	return b.send(msg)
}

func (b *Bus) send(msg icc.Message) error {
	err := b.tr.Send(icc.ToWire(msg))
	if err == nil {
		return nil
	}
	if c, ok := b.table.Lookup(msg.Src); ok && c.SetFlowBlocked() {
		b.logger.Warn("send failed, channel flow blocked", "channel", int(msg.Src), "error", err.Error())
		b.publish(event.NewFlowChangedEvent(msg.Src, true, c.Occupied()))
	}
	return errors.NewTransportError("send", err).WithChannel(int(msg.Src))
}

// Poll reports the channel's capabilities if a notification has arrived
// since the last poll, and CapNone otherwise.
func (b *Bus) Poll(id icc.ClientID) (icc.CapabilityMask, error) {
	c, err := b.get("poll", id)
	if err != nil {
		return icc.CapNone, err
	}
	if !c.Installed() {
		return icc.CapNone, errors.NewChannelError("poll", errors.ErrNotOpen).WithChannel(int(id))
	}
	if !c.TakeException() {
		return icc.CapNone, nil
	}
	return c.Capabilities(), nil
}

// FlowBlocked reports whether channel id is currently flow blocked.
// Invalid ids report false.
func (b *Bus) FlowBlocked(id icc.ClientID) bool {
	c, ok := b.table.Lookup(id)
	return ok && c.FlowBlocked()
}

// RegisterCallback starts an upcall worker for channel id. The callback
// runs on its own goroutine with the channel's capability mask, once per
// batch of deliveries. Panics are recovered and published.
func (b *Bus) RegisterCallback(id icc.ClientID, cb func(icc.CapabilityMask)) error {
	c, err := b.get("register", id)
	if err != nil {
		return err
	}
	err = c.Register(cb,
		notifier.WithLogger(b.logger),
		notifier.WithPanicHandler(func(id icc.ClientID, r *panics.Recovered) {
			b.publish(event.NewCallbackPanickedEvent(id, r.String()))
		}),
	)
	if err != nil {
		return err
	}
	b.logger.Debug("callback registered", "channel", int(id))
	b.publish(event.NewCallbackChangedEvent(id, true))
	return nil
}

// UnregisterCallback stops channel id's worker and waits for any
// in-flight callback. A second call returns ErrNotRegistered.
func (b *Bus) UnregisterCallback(id icc.ClientID) error {
	c, err := b.get("unregister", id)
	if err != nil {
		return err
	}
	if err := c.Unregister(); err != nil {
		return err
	}
	b.logger.Debug("callback unregistered", "channel", int(id))
	b.publish(event.NewCallbackChangedEvent(id, false))
	return nil
}

// SyncRequest sends msg from msg.Src and waits for the reply addressed
// back to msg.Src. The source channel is opened if needed.
func (b *Bus) SyncRequest(ctx context.Context, msg icc.Message) (icc.Message, error) {
	if _, err := b.get("sync", msg.Src); err != nil {
		return icc.Message{}, err
	}
	return b.engine.Request(ctx, msg)
}

// RegmapWrite asks the peer to write val at addr on behalf of channel id.
func (b *Bus) RegmapWrite(ctx context.Context, id icc.ClientID, addr, val uint32) error {
	msg := icc.Message{Src: id, Dst: id, Kind: icc.KindRegmapWrite}
	msg.Params[0] = addr
	msg.Params[1] = val
	_, err := b.regmap(ctx, msg)
	return err
}

// RegmapRead asks the peer for the value at addr on behalf of channel id.
func (b *Bus) RegmapRead(ctx context.Context, id icc.ClientID, addr uint32) (uint32, error) {
	msg := icc.Message{Src: id, Dst: id, Kind: icc.KindRegmapRead}
	msg.Params[0] = addr
	reply, err := b.regmap(ctx, msg)
	if err != nil {
		return 0, err
	}
	return reply.Params[1], nil
}

// regmap runs a register access with transport notifications held off,
// so the caller drains the reply itself.
func (b *Bus) regmap(ctx context.Context, msg icc.Message) (icc.Message, error) {
	b.tr.DisableInterrupts()
	defer b.tr.EnableInterrupts()

	reply, err := b.SyncRequest(ctx, msg)
	if err != nil {
		return icc.Message{}, err
	}
	if status := reply.Params[2]; status != 0 {
		return reply, errors.NewSyncError("regmap", errors.ErrRemoteStatus).WithChannel(int(msg.Src))
	}
	return reply, nil
}

// RawReceive takes one message straight from the transport, bypassing
// the channels. It fails with ErrTransportBusy while a drain is running
// and ErrQueueEmpty when nothing is pending.
func (b *Bus) RawReceive() (icc.Message, error) {
	if !b.d.TryAcquire() {
		return icc.Message{}, errors.NewTransportError("raw_receive", errors.ErrTransportBusy)
	}
	defer b.d.Release()

	w, ok := b.tr.TryReceive()
	if !ok {
		return icc.Message{}, errors.NewTransportError("raw_receive", errors.ErrQueueEmpty)
	}
	return icc.FromWire(w), nil
}

// AddressMap returns the built-in address table.
func (b *Bus) AddressMap() *addrmap.Table {
	return b.maps
}

// Config returns the configuration the bus was built with.
func (b *Bus) Config() *config.Config {
	return b.cfg
}

// Shutdown closes every channel and detaches from the transport. It is
// idempotent. The transport itself is left to its owner.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.tr.SetNotificationHandler(nil)
		for _, c := range b.table.All() {
			_ = b.Close(c.ID())
		}
		b.logger.Info("bus shut down")
	})
}

// syncEndpoint routes the engine's opens, reads and sends through the
// bus so events and flow control apply.
type syncEndpoint struct {
	b *Bus
}

func (e syncEndpoint) Open(id icc.ClientID) error { return e.b.open(id, true) }

func (e syncEndpoint) TryRead(id icc.ClientID) (icc.Message, error) { return e.b.TryRead(id) }

func (e syncEndpoint) Send(msg icc.Message) error { return e.b.send(msg) }
