package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/Iron-Ham/iccbus/internal/bus"
	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/Iron-Ham/iccbus/internal/peer"
	"github.com/Iron-Ham/iccbus/internal/transport"
	"golang.org/x/sync/errgroup"
)

// harness is a bus wired to a simulated remote core, either through an
// in-memory loopback mailbox or through framed streams over a net.Pipe.
type harness struct {
	bus     *bus.Bus
	peer    *peer.Peer
	events  *event.Bus
	logger  *logging.Logger
	closers []func()
}

func newHarness(cfg *config.Config, logger *logging.Logger, wire bool, peerOpts ...peer.Option) (*harness, error) {
	h := &harness{
		events: event.NewBus(event.WithBusLogger(logger)),
		logger: logger,
	}

	var (
		tr   transport.Adapter
		link peer.Link
	)
	if wire {
		local, remote := net.Pipe()
		near := transport.NewStream(local, cfg.Transport.Depth, transport.WithStreamLogger(logger))
		far := transport.NewStream(remote, cfg.Transport.Depth, transport.WithStreamLogger(logger))
		h.closers = append(h.closers, func() { _ = far.Close() }, func() { _ = near.Close() })
		tr = near
		link = peer.NewStreamLink(far, cfg.Transport.Depth)
	} else {
		lb := transport.NewLoopback(cfg.Transport.Depth)
		h.closers = append(h.closers, lb.Close)
		tr = lb
		link = lb
	}

	b, err := bus.New(tr,
		bus.WithConfig(cfg),
		bus.WithLogger(logger),
		bus.WithEventBus(h.events),
	)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}
	h.bus = b
	h.peer = peer.New(link, append([]peer.Option{peer.WithLogger(logger)}, peerOpts...)...)
	return h, nil
}

// start runs the peer in g until ctx is done.
func (h *harness) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return h.peer.Run(ctx) })
}

// close shuts the bus down and then releases the transport.
func (h *harness) close() {
	if h.bus != nil {
		h.bus.Shutdown()
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

// newLogger builds the command logger from the logging section.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(cfg.Logging.LoggerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// loadConfig reads the active configuration and reports every invalid
// field at once.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
