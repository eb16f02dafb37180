package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/iccbus/internal/bus"
	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/Iron-Ham/iccbus/internal/peer"
	"github.com/Iron-Ham/iccbus/internal/tui/monitor"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// trafficKind tags messages produced by the simulated peer's generators.
const trafficKind icc.Kind = 0x40

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the bus against a simulated remote core",
	Long: `Run the bus against a simulated remote core.

The peer floods the given channels with traffic while local consumers
drain them. A separate client performs register-map round trips through
the synchronous request path at the same time, so flow control and
take-over draining are exercised together.

Examples:
  # Three channels for three seconds
  iccbus simulate

  # Slow consumers force the queues past the high watermark
  iccbus simulate --consume-delay 2ms -d 10s

  # Frame traffic over a pipe and watch it live
  iccbus simulate --wire --monitor -d 0`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

type simulateOptions struct {
	duration     time.Duration
	channels     []int
	interval     time.Duration
	count        int
	consumeDelay time.Duration
	callbacks    bool
	syncChannel  int
	syncInterval time.Duration
	wire         bool
	monitor      bool
	refresh      time.Duration
	jsonOut      bool
}

var simOpts simulateOptions

func init() {
	rootCmd.AddCommand(simulateCmd)
	addSimulateFlags(simulateCmd.Flags(), &simOpts, 3*time.Second)
	simulateCmd.Flags().BoolVar(&simOpts.monitor, "monitor", false, "show the live monitor while running")
	simulateCmd.Flags().BoolVar(&simOpts.jsonOut, "json", false, "print the final statistics as JSON")
}

func addSimulateFlags(f *pflag.FlagSet, o *simulateOptions, duration time.Duration) {
	f.DurationVarP(&o.duration, "duration", "d", duration, "how long to run (0 runs until interrupted)")
	f.IntSliceVar(&o.channels, "channels", []int{1, 2, 3}, "client ids that receive peer traffic")
	f.DurationVar(&o.interval, "interval", time.Millisecond, "interval between generated messages per channel")
	f.IntVar(&o.count, "count", 0, "messages generated per channel (0 for unlimited)")
	f.DurationVar(&o.consumeDelay, "consume-delay", 0, "pause after each read to build up a backlog")
	f.BoolVar(&o.callbacks, "callbacks", false, "consume through registered callbacks instead of blocking reads")
	f.IntVar(&o.syncChannel, "sync-channel", 7, "client id used for register-map round trips (-1 disables)")
	f.DurationVar(&o.syncInterval, "sync-interval", 50*time.Millisecond, "interval between register-map round trips")
	f.BoolVar(&o.wire, "wire", false, "frame messages over a net.Pipe instead of the in-memory mailbox")
	f.DurationVar(&o.refresh, "refresh", monitor.DefaultInterval, "monitor refresh interval")
}

// validate checks the traffic layout against the bus configuration.
func (o *simulateOptions) validate(cfg *config.Config) error {
	control := cfg.Bus.ControlClient
	seen := make(map[int]bool, len(o.channels))
	for _, id := range o.channels {
		switch {
		case id < 0 || id >= icc.MaxClient:
			return fmt.Errorf("channel %d out of range [0, %d)", id, icc.MaxClient)
		case id == control:
			return fmt.Errorf("channel %d is the control client", id)
		case id == o.syncChannel:
			return fmt.Errorf("channel %d is also the sync channel", id)
		case seen[id]:
			return fmt.Errorf("channel %d listed twice", id)
		}
		seen[id] = true
	}
	if o.syncChannel >= icc.MaxClient || o.syncChannel < -1 {
		return fmt.Errorf("sync channel %d out of range", o.syncChannel)
	}
	if o.syncChannel == control {
		return fmt.Errorf("sync channel %d is the control client", o.syncChannel)
	}
	if o.interval <= 0 || o.syncInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// simResult is what a simulation run reports.
type simResult struct {
	Elapsed  time.Duration `json:"elapsed"`
	Snapshot bus.Snapshot  `json:"snapshot"`
	Peer     peer.Stats    `json:"peer"`
	Consumed uint64        `json:"consumed"`
	Control  uint64        `json:"control_messages"`
	SyncOK   uint64        `json:"sync_ok"`
	SyncFail uint64        `json:"sync_failed"`
}

type simCounters struct {
	consumed atomic.Uint64
	control  atomic.Uint64
	syncOK   atomic.Uint64
	syncFail atomic.Uint64
}

func runSimulate(cmd *cobra.Command, args []string) error {
	res, err := runSimulation(cmd, &simOpts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if simOpts.jsonOut {
		return writeJSON(out, res)
	}
	_, err = fmt.Fprintln(out, renderSummary(res))
	return err
}

// runSimulation loads the configuration, builds the logger and runs the
// simulation. Logs that would land on stderr are dropped while the
// monitor owns the terminal.
func runSimulation(cmd *cobra.Command, o *simulateOptions) (simResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return simResult{}, err
	}

	logger := logging.NopLogger()
	if !o.monitor || cfg.Logging.Dir != "" {
		if logger, err = newLogger(cfg); err != nil {
			return simResult{}, err
		}
		defer func() { _ = logger.Close() }()
	}

	return simulate(cmd.Context(), cfg, logger, o)
}

// simulate runs one simulation until the duration elapses, the user
// interrupts or quits the monitor.
func simulate(parent context.Context, cfg *config.Config, logger *logging.Logger, o *simulateOptions) (simResult, error) {
	if err := o.validate(cfg); err != nil {
		return simResult{}, err
	}

	var peerOpts []peer.Option
	for _, id := range o.channels {
		peerOpts = append(peerOpts, peer.WithTraffic(peer.Traffic{
			Dst:      icc.ClientID(id),
			Kind:     trafficKind,
			Interval: o.interval,
			Count:    o.count,
		}))
	}
	h, err := newHarness(cfg, logger, o.wire, peerOpts...)
	if err != nil {
		return simResult{}, err
	}
	defer h.close()

	if path := viper.ConfigFileUsed(); path != "" {
		w, err := config.Watch(path, func(c *config.Config) {
			logger.SetLevel(c.Logging.Level)
			logger.Info("config reloaded", "level", c.Logging.Level)
		}, func(err error) {
			logger.Warn("config reload failed", "error", err.Error())
		})
		if err != nil {
			logger.Warn("config watch unavailable", "path", path, "error", err.Error())
		} else {
			defer w.Stop()
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if o.duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, o.duration)
		defer cancelTimeout()
	}

	control := icc.ClientID(cfg.Bus.ControlClient)
	if err := h.bus.Open(control); err != nil {
		return simResult{}, err
	}
	for _, id := range o.channels {
		if err := h.bus.Open(icc.ClientID(id)); err != nil {
			return simResult{}, err
		}
	}

	var counters simCounters
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	h.start(gctx, g)

	g.Go(func() error { return consumeControl(gctx, h, control, &counters) })
	for _, id := range o.channels {
		cid := icc.ClientID(id)
		if o.callbacks {
			ready := make(chan struct{}, 1)
			err := h.bus.RegisterCallback(cid, func(m icc.CapabilityMask) {
				if !m.CanRead() {
					return
				}
				select {
				case ready <- struct{}{}:
				default:
				}
			})
			if err != nil {
				cancel()
				_ = g.Wait()
				return simResult{}, err
			}
			g.Go(func() error { return consumeOnCallback(gctx, h.bus, cid, ready, o.consumeDelay, &counters) })
			continue
		}
		g.Go(func() error { return consume(gctx, h.bus, cid, o.consumeDelay, &counters) })
	}
	if o.syncChannel >= 0 {
		g.Go(func() error { return regmapLoop(gctx, h, icc.ClientID(o.syncChannel), o.syncInterval, &counters) })
	}
	if o.monitor {
		g.Go(func() error {
			// Quitting the monitor ends the run.
			defer cancel()
			return monitor.Run(gctx, h.bus, o.refresh)
		})
	}

	if err := g.Wait(); err != nil {
		return simResult{}, err
	}

	return simResult{
		Elapsed:  time.Since(started),
		Snapshot: h.bus.Snapshot(),
		Peer:     h.peer.Stats(),
		Consumed: counters.consumed.Load(),
		Control:  counters.control.Load(),
		SyncOK:   counters.syncOK.Load(),
		SyncFail: counters.syncFail.Load(),
	}, nil
}

// done maps an error seen after ctx ended to a clean exit.
func done(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func consume(ctx context.Context, b *bus.Bus, id icc.ClientID, delay time.Duration, c *simCounters) error {
	for {
		if _, err := b.Read(ctx, id); err != nil {
			return done(ctx, err)
		}
		c.consumed.Add(1)
		pause(ctx, delay)
	}
}

func consumeOnCallback(ctx context.Context, b *bus.Bus, id icc.ClientID, ready <-chan struct{}, delay time.Duration, c *simCounters) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
		for ctx.Err() == nil {
			if _, err := b.TryRead(id); err != nil {
				break
			}
			c.consumed.Add(1)
			pause(ctx, delay)
		}
	}
}

// consumeControl drains the control channel and forwards every block
// notice to the peer so it holds traffic for that channel. Unblocks are
// sent to the peer by the bus itself.
func consumeControl(ctx context.Context, h *harness, id icc.ClientID, c *simCounters) error {
	for {
		m, err := h.bus.Read(ctx, id)
		if err != nil {
			return done(ctx, err)
		}
		ch, blocked, ok := m.IsFlowControl()
		if !ok {
			continue
		}
		c.control.Add(1)
		h.logger.Debug("control message", "channel", int(ch), "blocked", blocked)
		if blocked && h.bus.FlowBlocked(ch) {
			forwardBlock(h, id, ch, m)
		}
	}
}

// forwardBlock relays a block notice. If the channel was released while
// the notice was in flight, the bus's unblock may already have reached
// the peer ahead of it, so the unblock is repeated.
func forwardBlock(h *harness, control, ch icc.ClientID, m icc.Message) {
	if err := h.bus.Write(control, m); err != nil {
		h.logger.Warn("flow block forward failed", "channel", int(ch), "error", err.Error())
		return
	}
	if h.bus.FlowBlocked(ch) {
		return
	}
	if err := h.bus.Write(control, icc.FlowControl(control, ch, false)); err != nil {
		h.logger.Warn("flow unblock forward failed", "channel", int(ch), "error", err.Error())
	}
}

// regmapLoop writes a register and reads it back on every tick.
func regmapLoop(ctx context.Context, h *harness, id icc.ClientID, interval time.Duration, c *simCounters) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := uint32(0); ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		addr := 0x1000 + seq%64
		if err := roundTrip(ctx, h.bus, id, addr, seq); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.syncFail.Add(1)
			h.logger.Warn("register round trip failed", "channel", int(id), "addr", addr, "error", err.Error())
			continue
		}
		c.syncOK.Add(1)
	}
}

func roundTrip(ctx context.Context, b *bus.Bus, id icc.ClientID, addr, val uint32) error {
	if err := b.RegmapWrite(ctx, id, addr, val); err != nil {
		return err
	}
	got, err := b.RegmapRead(ctx, id, addr)
	if err != nil {
		return err
	}
	if got != val {
		return fmt.Errorf("register 0x%x = %d, want %d", addr, got, val)
	}
	return nil
}

var (
	summaryTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	summaryHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	summaryLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	summaryWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderSummary formats a finished run as a table of channels followed by
// the dispatcher, transport, peer and sync counters.
func renderSummary(r simResult) string {
	var b strings.Builder

	b.WriteString(summaryTitleStyle.Render(fmt.Sprintf("iccbus simulation (%s)", r.Elapsed.Round(time.Millisecond))))
	b.WriteString("\n\n")
	b.WriteString(summaryHeaderStyle.Render(fmt.Sprintf("%-4s %10s %10s %8s %7s", "CH", "DELIVERED", "READ", "DROPPED", "BLOCKS")))
	b.WriteString("\n")
	for _, c := range r.Snapshot.Channels {
		if !c.Installed && c.Delivered == 0 {
			continue
		}
		line := fmt.Sprintf("%-4d %10d %10d %8d %7d", c.ID, c.Delivered, c.Read, c.Dropped, c.FlowBlocks)
		if c.Dropped > 0 {
			line = summaryWarnStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	d := r.Snapshot.Dispatch
	row := func(label, value string) {
		b.WriteString(summaryLabelStyle.Render(fmt.Sprintf("%-10s", label)))
		b.WriteString(" ")
		b.WriteString(value)
		b.WriteString("\n")
	}
	row("dispatch", fmt.Sprintf("drains %d  contended %d  routed %d  dropped %d", d.Drains, d.Contended, d.Routed, d.Dropped()))
	if t := r.Snapshot.Transport; t != nil {
		row("transport", fmt.Sprintf("sent %d  received %d  busy %d", t.Sent, t.Received, t.Busy))
	}
	row("peer", fmt.Sprintf("generated %d  skipped %d  replies %d  blocks %d  unblocks %d",
		r.Peer.Generated, r.Peer.Skipped, r.Peer.Replies, r.Peer.FlowBlocks, r.Peer.FlowUnblocks))
	row("consumed", fmt.Sprintf("%d  control %d", r.Consumed, r.Control))

	syncLine := fmt.Sprintf("ok %d  failed %d", r.SyncOK, r.SyncFail)
	if r.SyncFail > 0 {
		syncLine = summaryWarnStyle.Render(syncLine)
	}
	row("sync", syncLine)

	return strings.TrimRight(b.String(), "\n")
}

// writeJSON is shared by commands with a --json flag.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
