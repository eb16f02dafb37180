// Package peer simulates the remote core on the far side of a loopback
// mailbox. It answers register-map and echo requests, tracks the flow
// control state the bus announces and generates background traffic that
// respects it.
package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
)

// Link is the peer's view of the mailbox.
type Link interface {
	Sent() <-chan icc.WireMessage
	InjectMessage(m icc.Message) error
}

// busyBackoff is how long the peer waits before retrying a full mailbox.
const busyBackoff = 100 * time.Microsecond

// Traffic describes one background generator.
type Traffic struct {
	Dst      icc.ClientID
	Kind     icc.Kind
	Interval time.Duration
	// Count stops the generator after that many messages; zero runs until
	// the context ends.
	Count int
}

// Peer is the simulated remote core.
type Peer struct {
	link    Link
	logger  *logging.Logger
	echo    bool
	traffic []Traffic

	regMu sync.Mutex
	regs  map[uint32]uint32

	blocked [icc.MaxClient]atomic.Bool
	ready   atomic.Bool

	received     atomic.Uint64
	replies      atomic.Uint64
	generated    atomic.Uint64
	skipped      atomic.Uint64
	busy         atomic.Uint64
	flowBlocks   atomic.Uint64
	flowUnblocks atomic.Uint64
}

// Option configures a Peer.
type Option func(*Peer)

// WithLogger sets the peer's logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Peer) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEcho controls whether unknown requests are echoed back to their
// sender. It is on by default.
func WithEcho(on bool) Option {
	return func(p *Peer) { p.echo = on }
}

// WithRegisters seeds the register map.
func WithRegisters(regs map[uint32]uint32) Option {
	return func(p *Peer) {
		for k, v := range regs {
			p.regs[k] = v
		}
	}
}

// WithTraffic adds a background generator.
func WithTraffic(t Traffic) Option {
	return func(p *Peer) { p.traffic = append(p.traffic, t) }
}

// New creates a Peer on link.
func New(link Link, opts ...Option) *Peer {
	p := &Peer{
		link:   link,
		logger: logging.NopLogger(),
		echo:   true,
		regs:   make(map[uint32]uint32),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("peer")
	return p
}

// Run serves requests and runs the generators until ctx is done.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.serve(ctx) })
	for _, t := range p.traffic {
		g.Go(func() error { return p.generate(ctx, t) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Peer) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-p.link.Sent():
			p.received.Add(1)
			if reply, ok := p.handle(icc.FromWire(w)); ok {
				if err := p.inject(ctx, reply); err != nil {
					return err
				}
				p.replies.Add(1)
			}
		}
	}
}

// handle processes one message from the bus and returns the reply, if
// any.
func (p *Peer) handle(m icc.Message) (icc.Message, bool) {
	switch m.Kind {
	case icc.KindFlowControl:
		id, blocked, _ := m.IsFlowControl()
		if !id.Valid() {
			return icc.Message{}, false
		}
		p.blocked[id].Store(blocked)
		if blocked {
			p.flowBlocks.Add(1)
		} else {
			p.flowUnblocks.Add(1)
		}
		p.logger.Debug("flow control", "channel", int(id), "blocked", blocked)
		return icc.Message{}, false

	case icc.KindCoreReady:
		p.ready.Store(true)
		p.logger.Info("local core ready")
		return icc.Message{}, false

	case icc.KindRegmapRead:
		reply := replyTo(m)
		p.regMu.Lock()
		v, ok := p.regs[m.Params[0]]
		p.regMu.Unlock()
		reply.Params[1] = v
		if !ok {
			reply.Params[2] = 1
		}
		return reply, true

	case icc.KindRegmapWrite:
		p.regMu.Lock()
		p.regs[m.Params[0]] = m.Params[1]
		p.regMu.Unlock()
		return replyTo(m), true

	default:
		if !p.echo {
			return icc.Message{}, false
		}
		return replyTo(m), true
	}
}

// replyTo addresses a copy of m back to its sender.
func replyTo(m icc.Message) icc.Message {
	r := m
	r.Src, r.Dst = m.Dst, m.Src
	r.Params[2] = 0
	return r
}

func (p *Peer) generate(ctx context.Context, t Traffic) error {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for t.Count == 0 || int(seq) < t.Count {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if t.Dst.Valid() && p.blocked[t.Dst].Load() {
			p.skipped.Add(1)
			continue
		}
		m := icc.Message{Src: t.Dst, Dst: t.Dst, Kind: t.Kind}
		m.Params[0] = seq
		if err := p.inject(ctx, m); err != nil {
			return err
		}
		p.generated.Add(1)
		seq++
	}
	return nil
}

// inject retries a full mailbox, or any other transient failure, until
// it accepts m or ctx ends.
func (p *Peer) inject(ctx context.Context, m icc.Message) error {
	for {
		err := p.link.InjectMessage(m)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
		p.busy.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff):
		}
	}
}

// Blocked reports whether the bus has asked the peer to hold traffic for
// channel id.
func (p *Peer) Blocked(id icc.ClientID) bool {
	return id.Valid() && p.blocked[id].Load()
}

// Ready reports whether the local core has announced itself.
func (p *Peer) Ready() bool {
	return p.ready.Load()
}

// Register returns the current value at addr.
func (p *Peer) Register(addr uint32) (uint32, bool) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	v, ok := p.regs[addr]
	return v, ok
}

// Stats counts peer activity.
type Stats struct {
	Received     uint64 `json:"received"`
	Replies      uint64 `json:"replies"`
	Generated    uint64 `json:"generated"`
	Skipped      uint64 `json:"skipped"`
	Busy         uint64 `json:"busy"`
	FlowBlocks   uint64 `json:"flow_blocks"`
	FlowUnblocks uint64 `json:"flow_unblocks"`
	Ready        bool   `json:"ready"`
}

// Stats returns the current counters.
func (p *Peer) Stats() Stats {
	return Stats{
		Received:     p.received.Load(),
		Replies:      p.replies.Load(),
		Generated:    p.generated.Load(),
		Skipped:      p.skipped.Load(),
		Busy:         p.busy.Load(),
		FlowBlocks:   p.flowBlocks.Load(),
		FlowUnblocks: p.flowUnblocks.Load(),
		Ready:        p.ready.Load(),
	}
}
