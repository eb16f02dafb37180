// Package syncreq emulates a blocking call/response exchange on top of
// the asynchronous shared transport.
//
// A request runs three phases. Flush discards stale messages already
// queued for the caller's channel. Send hands the request to the
// transport. Await waits for the reply: whenever the dispatch lock is
// free the caller takes it and becomes the dispatcher, routing foreign
// traffic to its owners until its own reply appears; when the lock is
// held it parks until the holder releases it or delivers to the caller's
// channel. Every phase is bounded.
package syncreq

import (
	"context"
	"runtime"
	"time"

	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/dispatch"
	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

// Endpoint is the part of the bus a request drives. Reads and sends go
// through it so the bus's flow-control rules apply to sync traffic too.
type Endpoint interface {
	Open(id icc.ClientID) error
	TryRead(id icc.ClientID) (icc.Message, error)
	Send(msg icc.Message) error
}

// Config bounds each phase.
type Config struct {
	FlushLimit     int
	DrainBudget    int
	LockRetries    int
	MailboxRetries int
	Timeout        time.Duration
	RetryInterval  time.Duration
}

// DefaultConfig returns the limits the bus uses when none are configured.
func DefaultConfig() Config {
	return Config{
		FlushLimit:     32,
		DrainBudget:    32,
		LockRetries:    0xFFFFF,
		MailboxRetries: 0xFFFFF,
		Timeout:        5 * time.Second,
		RetryInterval:  200 * time.Microsecond,
	}
}

// ctxCheckEvery is how many empty mailbox polls pass between context
// checks.
const ctxCheckEvery = 1024

// Engine runs sync requests. It is safe for concurrent use; concurrent
// requests serialize on the dispatch lock only while draining.
type Engine struct {
	cfg    Config
	d      *dispatch.Dispatcher
	tr     transport.Adapter
	table  *channel.Table
	ep     Endpoint
	logger *logging.Logger
	bus    *event.Bus
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventBus publishes a SyncCompletedEvent for every request.
func WithEventBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithConfig replaces the default limits. Non-positive fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		def := DefaultConfig()
		if cfg.FlushLimit <= 0 {
			cfg.FlushLimit = def.FlushLimit
		}
		if cfg.DrainBudget <= 0 {
			cfg.DrainBudget = def.DrainBudget
		}
		if cfg.LockRetries <= 0 {
			cfg.LockRetries = def.LockRetries
		}
		if cfg.MailboxRetries <= 0 {
			cfg.MailboxRetries = def.MailboxRetries
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = def.Timeout
		}
		if cfg.RetryInterval <= 0 {
			cfg.RetryInterval = def.RetryInterval
		}
		e.cfg = cfg
	}
}

// New creates an Engine.
func New(d *dispatch.Dispatcher, tr transport.Adapter, table *channel.Table, ep Endpoint, opts ...Option) *Engine {
	e := &Engine{
		cfg:    DefaultConfig(),
		d:      d,
		tr:     tr,
		table:  table,
		ep:     ep,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("syncreq")
	return e
}

// Config returns the engine's limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// Request sends msg from msg.Src and waits for the first message
// addressed back to msg.Src.
func (e *Engine) Request(ctx context.Context, msg icc.Message) (icc.Message, error) {
	start := time.Now()
	reply, attempts, err := e.request(ctx, msg)
	dur := time.Since(start)

	if err != nil {
		e.logger.Warn("sync request failed",
			"channel", int(msg.Src),
			"kind", msg.Kind.String(),
			"attempts", attempts,
			"duration_ms", dur.Milliseconds(),
			"severity", errors.GetSeverity(err).String(),
			"retryable", errors.IsRetryable(err),
			"error", err.Error(),
		)
	} else {
		e.logger.Debug("sync request completed",
			"channel", int(msg.Src),
			"kind", msg.Kind.String(),
			"attempts", attempts,
		)
	}
	if e.bus != nil {
		e.bus.Publish(event.NewSyncCompletedEvent(msg.Src, msg.Kind, attempts, dur, err))
	}
	return reply, err
}

func (e *Engine) request(ctx context.Context, msg icc.Message) (icc.Message, int, error) {
	src := msg.Src
	own, err := e.table.Get(src)
	if err != nil {
		return icc.Message{}, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if !own.Installed() {
		if err := e.ep.Open(src); err != nil && !errors.Is(err, errors.ErrAlreadyOpen) {
			return icc.Message{}, 0, e.fail("open", src, 0, err)
		}
		e.logger.Debug("auto-opened channel for sync request", "channel", int(src))
	}

	if err := e.flush(src); err != nil {
		return icc.Message{}, 0, err
	}

	if err := e.ep.Send(msg); err != nil {
		return icc.Message{}, 0, e.fail("send", src, 0, err)
	}

	return e.await(ctx, own)
}

// flush discards up to FlushLimit stale messages. A queue that is still
// not empty afterwards means the peer is flooding the channel.
func (e *Engine) flush(src icc.ClientID) error {
	own, _ := e.table.Get(src)
	for n := 0; n < e.cfg.FlushLimit; n++ {
		m, err := e.ep.TryRead(src)
		if err != nil {
			return nil
		}
		e.logger.Debug("discarded stale message", "channel", int(src), "kind", m.Kind.String())
	}
	if own.NotEmpty() {
		return e.fail("flush", src, 0, errors.ErrPeerUnresponsive)
	}
	return nil
}

func (e *Engine) await(ctx context.Context, own *channel.Channel) (icc.Message, int, error) {
	src := own.ID()
	timer := time.NewTimer(e.cfg.RetryInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= e.cfg.LockRetries; attempt++ {
		// Grab both wake-ups before looking so a delivery or release that
		// lands between the check and the wait is not lost.
		released := e.d.Released()
		ready := own.Ready()

		if m, ok, err := e.takeReply(src); err != nil {
			return icc.Message{}, attempt, e.fail("await", src, attempt, err)
		} else if ok {
			return m, attempt, nil
		}

		if e.d.TryAcquire() {
			m, err := e.takeOver(ctx, src)
			if err != nil {
				return icc.Message{}, attempt, e.fail("drain", src, attempt, err)
			}
			return m, attempt, nil
		}

		timer.Reset(e.cfg.RetryInterval)
		select {
		case <-ready:
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			return icc.Message{}, attempt, e.fail("await", src, attempt, e.ctxErr(ctx))
		}
	}
	waited := e.cfg.RetryInterval * time.Duration(e.cfg.LockRetries)
	return icc.Message{}, e.cfg.LockRetries, e.fail("await", src, e.cfg.LockRetries,
		errors.NewTimeoutError("waiting for the dispatch lock", waited))
}

// takeReply reads the caller's own channel. ok is false when it is empty.
func (e *Engine) takeReply(src icc.ClientID) (icc.Message, bool, error) {
	m, err := e.ep.TryRead(src)
	switch {
	case err == nil:
		return m, true, nil
	case errors.Is(err, errors.ErrQueueEmpty):
		return icc.Message{}, false, nil
	default:
		return icc.Message{}, false, err
	}
}

// takeOver drains the transport while holding the dispatch lock, which
// the caller has already acquired.
func (e *Engine) takeOver(ctx context.Context, src icc.ClientID) (icc.Message, error) {
	e.tr.DisableInterrupts()
	defer e.tr.EnableInterrupts()
	defer e.d.Release()

	// Another context may have delivered the reply just before the lock
	// changed hands.
	if m, ok, err := e.takeReply(src); err != nil {
		return icc.Message{}, err
	} else if ok {
		return m, nil
	}

	// Foreign traffic is routed as one batch; each upcall worker fires
	// once when the drain ends.
	var batch dispatch.Batch
	defer e.d.Flush(&batch)

	for range e.cfg.DrainBudget {
		w, err := e.poll(ctx)
		if err != nil {
			return icc.Message{}, err
		}
		m := icc.FromWire(w)
		if m.Dst == src {
			return m, nil
		}
		e.d.RouteBatch(m, &batch)
	}
	return icc.Message{}, errors.ErrPeerUnresponsive
}

// poll waits for one message from the transport, yielding between empty
// attempts. The budget applies per message.
func (e *Engine) poll(ctx context.Context) (icc.WireMessage, error) {
	for n := range e.cfg.MailboxRetries {
		if w, ok := e.tr.TryReceive(); ok {
			return w, nil
		}
		if n%ctxCheckEvery == 0 && ctx.Err() != nil {
			return icc.WireMessage{}, e.ctxErr(ctx)
		}
		runtime.Gosched()
	}
	return icc.WireMessage{}, errors.ErrPeerUnresponsive
}

func (e *Engine) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError("sync request", e.cfg.Timeout).WithCause(ctx.Err())
	}
	return errors.Join(errors.ErrCanceled, ctx.Err())
}

func (e *Engine) fail(phase string, src icc.ClientID, attempts int, err error) error {
	return errors.NewSyncError(phase, err).WithChannel(int(src)).WithAttempts(attempts)
}
