package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/peer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Issue synchronous requests to a simulated remote core",
	Long: `Issue synchronous requests to a simulated remote core.

Each invocation starts a bus and a peer, performs one request through
the synchronous request path and prints the reply.

Examples:
  # Read a register the peer was seeded with
  iccbus sync read 0x10 --reg 0x10=42

  # Write a register while the peer floods channels 1 and 2
  iccbus sync write 0x20 7 --noise 1,2

  # Round-trip an arbitrary message
  iccbus sync echo 0x55 1 2 3`,
}

var syncReadCmd = &cobra.Command{
	Use:   "read <addr>",
	Short: "Read a register through the register-map protocol",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRead,
}

var syncWriteCmd = &cobra.Command{
	Use:   "write <addr> <value>",
	Short: "Write a register through the register-map protocol",
	Args:  cobra.ExactArgs(2),
	RunE:  runSyncWrite,
}

var syncEchoCmd = &cobra.Command{
	Use:   "echo <kind> [params...]",
	Short: "Send a message and wait for the peer's echo",
	Args:  cobra.RangeArgs(1, icc.NumParams+1),
	RunE:  runSyncEcho,
}

var (
	syncChannel int
	syncRegs    map[string]string
	syncNoise   []int
	syncWire    bool
	syncJSON    bool
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncReadCmd)
	syncCmd.AddCommand(syncWriteCmd)
	syncCmd.AddCommand(syncEchoCmd)

	f := syncCmd.PersistentFlags()
	f.IntVar(&syncChannel, "channel", 7, "client id that issues the request")
	f.StringToStringVar(&syncRegs, "reg", nil, "seed a peer register as addr=value (repeatable)")
	f.IntSliceVar(&syncNoise, "noise", nil, "channels the peer floods while the request runs")
	f.BoolVar(&syncWire, "wire", false, "frame messages over a net.Pipe instead of the in-memory mailbox")
	f.BoolVar(&syncJSON, "json", false, "print the result as JSON")
}

// syncResult is printed by every sync subcommand.
type syncResult struct {
	Channel int           `json:"channel"`
	Kind    string        `json:"kind"`
	Addr    *uint32       `json:"addr,omitempty"`
	Value   *uint32       `json:"value,omitempty"`
	Params  []uint32      `json:"params,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r syncResult) String() string {
	switch {
	case r.Addr != nil && r.Value != nil:
		return fmt.Sprintf("channel %d %s 0x%x = %d (%s)", r.Channel, r.Kind, *r.Addr, *r.Value, r.Elapsed.Round(time.Microsecond))
	case r.Addr != nil:
		return fmt.Sprintf("channel %d %s 0x%x ok (%s)", r.Channel, r.Kind, *r.Addr, r.Elapsed.Round(time.Microsecond))
	default:
		return fmt.Sprintf("channel %d %s reply %v (%s)", r.Channel, r.Kind, r.Params, r.Elapsed.Round(time.Microsecond))
	}
}

// parseWord accepts decimal, 0x hex and 0o octal values.
func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: expected a 32-bit unsigned integer", s)
	}
	return uint32(v), nil
}

func parseRegisters(in map[string]string) (map[uint32]uint32, error) {
	regs := make(map[uint32]uint32, len(in))
	for k, v := range in {
		addr, err := parseWord(k)
		if err != nil {
			return nil, err
		}
		val, err := parseWord(v)
		if err != nil {
			return nil, err
		}
		regs[addr] = val
	}
	return regs, nil
}

func runSyncRead(cmd *cobra.Command, args []string) error {
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	return withSyncHarness(cmd, func(ctx context.Context, h *harness, id icc.ClientID) (syncResult, error) {
		v, err := h.bus.RegmapRead(ctx, id, addr)
		if err != nil {
			return syncResult{}, fmt.Errorf("register read failed: %w", err)
		}
		return syncResult{Kind: icc.KindRegmapRead.String(), Addr: &addr, Value: &v}, nil
	})
}

func runSyncWrite(cmd *cobra.Command, args []string) error {
	addr, err := parseWord(args[0])
	if err != nil {
		return err
	}
	val, err := parseWord(args[1])
	if err != nil {
		return err
	}
	return withSyncHarness(cmd, func(ctx context.Context, h *harness, id icc.ClientID) (syncResult, error) {
		if err := h.bus.RegmapWrite(ctx, id, addr, val); err != nil {
			return syncResult{}, fmt.Errorf("register write failed: %w", err)
		}
		return syncResult{Kind: icc.KindRegmapWrite.String(), Addr: &addr}, nil
	})
}

func runSyncEcho(cmd *cobra.Command, args []string) error {
	kind, err := parseWord(args[0])
	if err != nil {
		return err
	}
	msg := icc.Message{Kind: icc.Kind(kind)}
	for i, a := range args[1:] {
		if msg.Params[i], err = parseWord(a); err != nil {
			return err
		}
	}
	return withSyncHarness(cmd, func(ctx context.Context, h *harness, id icc.ClientID) (syncResult, error) {
		msg.Src, msg.Dst = id, id
		reply, err := h.bus.SyncRequest(ctx, msg)
		if err != nil {
			return syncResult{}, fmt.Errorf("sync request failed: %w", err)
		}
		return syncResult{Kind: reply.Kind.String(), Params: reply.Params[:]}, nil
	})
}

// withSyncHarness starts a bus and peer, runs fn once and prints its
// result.
func withSyncHarness(cmd *cobra.Command, fn func(context.Context, *harness, icc.ClientID) (syncResult, error)) error {
	if syncChannel < 0 || syncChannel >= icc.MaxClient {
		return fmt.Errorf("channel %d out of range [0, %d)", syncChannel, icc.MaxClient)
	}
	regs, err := parseRegisters(syncRegs)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	opts := []peer.Option{peer.WithRegisters(regs)}
	for _, n := range syncNoise {
		if n < 0 || n >= icc.MaxClient || n == syncChannel {
			return fmt.Errorf("noise channel %d is invalid", n)
		}
		opts = append(opts, peer.WithTraffic(peer.Traffic{Dst: icc.ClientID(n), Kind: trafficKind, Interval: 100 * time.Microsecond}))
	}

	h, err := newHarness(cfg, logger, syncWire, opts...)
	if err != nil {
		return err
	}
	defer h.close()

	for _, n := range syncNoise {
		if err := h.bus.Open(icc.ClientID(n)); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	h.start(gctx, g)

	id := icc.ClientID(syncChannel)
	started := time.Now()
	res, reqErr := fn(gctx, h, id)
	res.Channel = syncChannel
	res.Elapsed = time.Since(started)

	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if reqErr != nil {
		return reqErr
	}

	if syncJSON {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.String())
	return err
}
