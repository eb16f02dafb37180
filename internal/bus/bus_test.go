package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/iccbus/internal/addrmap"
	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.Capacity = 16
	cfg.Queue.HighWatermark = 8
	cfg.Queue.LowWatermark = 4
	cfg.Sync.TimeoutMs = 2000
	return cfg
}

func newTestBus(t *testing.T, mutate func(*config.Config), opts ...Option) (*Bus, *transport.Loopback) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	lb := transport.NewLoopback(64)
	b, err := New(lb, append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		b.Shutdown()
		lb.Close()
	})
	return b, lb
}

func msgTo(dst icc.ClientID, n uint32) icc.Message {
	m := icc.Message{Src: 9, Dst: dst, Kind: icc.Kind(0x40)}
	m.Params[0] = n
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func occupied(b *Bus, id icc.ClientID) int {
	c, _ := b.table.Get(id)
	return c.Occupied()
}

// sentFlowControl collects the flow-control messages the bus has sent to
// the peer so far.
func sentFlowControl(lb *transport.Loopback) []icc.Message {
	var out []icc.Message
	for {
		select {
		case w := <-lb.Sent():
			m := icc.FromWire(w)
			if _, _, ok := m.IsFlowControl(); ok {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.LowWatermark = cfg.Queue.HighWatermark
	lb := transport.NewLoopback(4)
	defer lb.Close()

	_, err := New(lb, WithConfig(cfg))
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		t.Errorf("New() error = %v, want ValidationErrors", err)
	}
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("errors.Is(%v, ErrInvalidInput) = false", err)
	}
}

func TestLifecycle(t *testing.T) {
	b, _ := newTestBus(t, nil)

	if err := b.Open(5); err != nil {
		t.Fatalf("Open(5) error = %v", err)
	}
	if err := b.Open(5); !errors.Is(err, errors.ErrAlreadyOpen) {
		t.Errorf("second Open(5) error = %v, want ErrAlreadyOpen", err)
	}
	if err := b.Close(5); err != nil {
		t.Fatalf("Close(5) error = %v", err)
	}
	// Range is checked before install state: a valid closed id is NotOpen.
	if _, err := b.TryRead(5); !errors.Is(err, errors.ErrNotOpen) {
		t.Errorf("TryRead(5) after Close error = %v, want ErrNotOpen", err)
	}
	if err := b.Close(5); err != nil {
		t.Errorf("Close() on closed channel error = %v", err)
	}

	bad := icc.ClientID(icc.MaxClient)
	tests := []struct {
		name string
		call func() error
	}{
		{"open", func() error { return b.Open(bad) }},
		{"close", func() error { return b.Close(bad) }},
		{"read", func() error { _, err := b.TryRead(bad); return err }},
		{"write", func() error { return b.Write(bad, icc.Message{}) }},
		{"poll", func() error { _, err := b.Poll(bad); return err }},
		{"register", func() error { return b.RegisterCallback(bad, func(icc.CapabilityMask) {}) }},
		{"unregister", func() error { return b.UnregisterCallback(bad) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, errors.ErrInvalidChannel) {
				t.Errorf("%s(invalid) error = %v, want ErrInvalidChannel", tt.name, err)
			}
		})
	}
}

func TestFlowControl_BlockAndUnblockOnce(t *testing.T) {
	b, lb := newTestBus(t, nil)
	_ = b.Open(icc.ControlClient)
	_ = b.Open(5)

	for i := range 8 {
		if err := lb.InjectMessage(msgTo(5, uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "eight messages on channel 5", func() bool { return occupied(b, 5) == 8 })

	var blocks []icc.Message
	for {
		m, err := b.TryRead(icc.ControlClient)
		if err != nil {
			break
		}
		blocks = append(blocks, m)
	}
	if len(blocks) != 1 {
		t.Fatalf("control channel got %d messages, want 1", len(blocks))
	}
	if id, blocked, ok := blocks[0].IsFlowControl(); !ok || !blocked || id != 5 {
		t.Errorf("block message = %+v, want FlowControl{1, 5}", blocks[0])
	}

	mask, _ := b.Poll(5)
	if mask.CanWrite() {
		t.Error("blocked channel reports write capability")
	}
	if !b.FlowBlocked(5) {
		t.Error("FlowBlocked(5) = false while over the high watermark")
	}
	if b.FlowBlocked(icc.MaxClient) {
		t.Error("FlowBlocked reports true for an invalid id")
	}

	var unblocks []icc.Message
	for i := range 8 {
		m, err := b.TryRead(5)
		if err != nil {
			t.Fatalf("TryRead %d error = %v", i, err)
		}
		if m.Params[0] != uint32(i) {
			t.Errorf("read %d = %d, order broken", i, m.Params[0])
		}
		unblocks = append(unblocks, sentFlowControl(lb)...)
	}
	if len(unblocks) != 1 {
		t.Fatalf("sent %d flow-control messages, want 1", len(unblocks))
	}
	id, blocked, _ := unblocks[0].IsFlowControl()
	if blocked || id != 5 || unblocks[0].Dst != icc.ControlClient {
		t.Errorf("unblock message = %+v, want FlowControl{0, 5}", unblocks[0])
	}

	if b.FlowBlocked(5) {
		t.Error("channel still flow blocked after draining")
	}
}

func TestFlowControl_UnblockSendFailureRetries(t *testing.T) {
	b, lb := newTestBus(t, nil)
	_ = b.Open(5)
	for i := range 8 {
		_ = lb.InjectMessage(msgTo(5, uint32(i)))
	}
	waitFor(t, "channel 5 to block", func() bool {
		c, _ := b.table.Get(5)
		return c.FlowBlocked()
	})

	lb.SetSendFailure(errors.ErrTransportBusy)
	for range 5 {
		_, _ = b.TryRead(5)
	}
	c, _ := b.table.Get(5)
	if !c.FlowBlocked() {
		t.Fatal("flag cleared although the unblock was never sent")
	}

	lb.SetSendFailure(nil)
	_, _ = b.TryRead(5)
	if c.FlowBlocked() {
		t.Error("flag not cleared once sending works again")
	}
	if n := len(sentFlowControl(lb)); n != 1 {
		t.Errorf("sent %d unblock messages, want 1", n)
	}
}

func TestDispatch_FullQueueDropsNewest(t *testing.T) {
	b, lb := newTestBus(t, func(c *config.Config) {
		c.Queue.Capacity = 8
		c.Queue.HighWatermark = 7
		c.Queue.LowWatermark = 2
	})
	_ = b.Open(3)

	// Hold notifications so all nine land in a single drain.
	lb.DisableInterrupts()
	for i := range 9 {
		_ = lb.InjectMessage(msgTo(3, uint32(i)))
	}
	lb.EnableInterrupts()
	waitFor(t, "drain", func() bool { return b.Snapshot().Dispatch.DroppedQueueFull == 2 })

	for i := range 7 {
		m, err := b.TryRead(3)
		if err != nil {
			t.Fatalf("TryRead %d error = %v", i, err)
		}
		if m.Params[0] != uint32(i) {
			t.Errorf("message %d = %d, queue contents changed", i, m.Params[0])
		}
	}
	if _, err := b.TryRead(3); !errors.Is(err, errors.ErrQueueEmpty) {
		t.Errorf("extra message present: %v", err)
	}
}

func TestCallback_StopsOwnChannel(t *testing.T) {
	tests := []struct {
		name string
		stop func(b *Bus, id icc.ClientID) error
	}{
		{"unregister", func(b *Bus, id icc.ClientID) error { return b.UnregisterCallback(id) }},
		{"close", func(b *Bus, id icc.ClientID) error { return b.Close(id) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, lb := newTestBus(t, nil)
			const id = icc.ClientID(4)
			_ = b.Open(id)

			done := make(chan error, 1)
			err := b.RegisterCallback(id, func(icc.CapabilityMask) {
				done <- tt.stop(b, id)
			})
			if err != nil {
				t.Fatal(err)
			}

			_ = lb.InjectMessage(msgTo(id, 1))
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("%s from the callback error = %v", tt.name, err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("%s from the callback deadlocked", tt.name)
			}

			c, _ := b.table.Get(id)
			if c.Registered() {
				t.Error("worker still registered after self-stop")
			}
			if err := b.UnregisterCallback(id); !errors.Is(err, errors.ErrNotRegistered) {
				t.Errorf("UnregisterCallback() after self-stop error = %v, want ErrNotRegistered", err)
			}
		})
	}
}

func TestRegisterCallback_OncePerBatch(t *testing.T) {
	b, lb := newTestBus(t, func(c *config.Config) {
		c.Queue.Capacity = 128
		c.Queue.HighWatermark = 100
		c.Queue.LowWatermark = 50
	})
	_ = b.Open(2)

	var calls atomic.Int32
	var mu sync.Mutex
	var masks []icc.CapabilityMask
	err := b.RegisterCallback(2, func(m icc.CapabilityMask) {
		calls.Add(1)
		mu.Lock()
		masks = append(masks, m)
		mu.Unlock()
		// A slow callback leaves room for per-message signals to pile up.
		time.Sleep(50 * time.Microsecond)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Queue the whole batch while notifications are masked so it is
	// drained in one pass.
	const batch = 60
	lb.DisableInterrupts()
	for i := range batch {
		if err := lb.InjectMessage(msgTo(2, uint32(i))); err != nil {
			t.Fatalf("InjectMessage(%d) error = %v", i, err)
		}
	}
	lb.EnableInterrupts()

	waitFor(t, "drain", func() bool { return occupied(b, 2) == batch })
	waitFor(t, "callback", func() bool { return calls.Load() >= 1 })
	time.Sleep(30 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times for a batch of %d, want 1", n, batch)
	}
	mu.Lock()
	if !masks[0].CanRead() {
		t.Errorf("mask = %s, want read-ready", masks[0])
	}
	mu.Unlock()

	if err := b.UnregisterCallback(2); err != nil {
		t.Errorf("UnregisterCallback() error = %v", err)
	}
	if err := b.UnregisterCallback(2); !errors.Is(err, errors.ErrNotRegistered) {
		t.Errorf("second UnregisterCallback() error = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterCallback_PanicPublished(t *testing.T) {
	events := event.NewBus()
	b, lb := newTestBus(t, nil, WithEventBus(events))
	_ = b.Open(2)

	got := make(chan event.CallbackPanickedEvent, 1)
	events.Subscribe(event.TypeCallbackPanicked, func(e event.Event) {
		select {
		case got <- e.(event.CallbackPanickedEvent):
		default:
		}
	})
	_ = b.RegisterCallback(2, func(icc.CapabilityMask) { panic("boom") })
	_ = lb.InjectMessage(msgTo(2, 1))

	select {
	case e := <-got:
		if e.Channel != 2 {
			t.Errorf("panic event channel = %d", e.Channel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no panic event")
	}
}

func TestRead_Blocking(t *testing.T) {
	b, lb := newTestBus(t, nil)
	_ = b.Open(4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = lb.InjectMessage(msgTo(4, 77))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := b.Read(ctx, 4)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if m.Params[0] != 77 {
		t.Errorf("Read() = %+v", m)
	}
}

func TestRead_UnblockedByClose(t *testing.T) {
	b, _ := newTestBus(t, nil)
	_ = b.Open(4)

	done := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background(), 4)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = b.Close(4)

	select {
	case err := <-done:
		if !errors.Is(err, errors.ErrNotOpen) {
			t.Errorf("Read() error = %v, want ErrNotOpen", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read() still blocked after Close")
	}
}

func TestWrite(t *testing.T) {
	b, lb := newTestBus(t, nil)

	if err := b.Write(3, icc.Message{}); !errors.Is(err, errors.ErrNotOpen) {
		t.Errorf("Write() on closed channel error = %v", err)
	}

	_ = b.Open(3)
	if err := b.AddressMap().Map(3, addrmap.Mapping{User: 0x1000, Kernel: 0x8000, Size: 0x100}); err != nil {
		t.Fatal(err)
	}
	m := icc.Message{Src: 11, Dst: 6, Kind: icc.Kind(0x50), Attr: 1 << 1}
	m.Params[1] = 0x1010
	if err := b.Write(3, m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := icc.FromWire(<-lb.Sent())
	if got.Src != 3 {
		t.Errorf("Src = %d, want stamped 3", got.Src)
	}
	if got.Params[1] != 0x8010 {
		t.Errorf("Params[1] = %#x, want translated 0x8010", got.Params[1])
	}
}

func TestWrite_SendFailureBlocksChannel(t *testing.T) {
	b, lb := newTestBus(t, nil)
	_ = b.Open(3)
	lb.SetSendFailure(errors.ErrTransportBusy)

	err := b.Write(3, icc.Message{Dst: 6})
	var te *errors.TransportError
	if !errors.As(err, &te) || !errors.Is(err, errors.ErrTransportBusy) {
		t.Fatalf("Write() error = %v, want TransportError(busy)", err)
	}
	c, _ := b.table.Get(3)
	if !c.FlowBlocked() {
		t.Error("send failure did not flow block the sender")
	}
}

func TestPoll(t *testing.T) {
	b, lb := newTestBus(t, nil)
	if _, err := b.Poll(7); !errors.Is(err, errors.ErrNotOpen) {
		t.Errorf("Poll() on closed channel error = %v", err)
	}
	_ = b.Open(7)

	if m, _ := b.Poll(7); m != icc.CapNone {
		t.Errorf("Poll() before delivery = %s", m)
	}
	_ = lb.InjectMessage(msgTo(7, 1))
	waitFor(t, "delivery", func() bool { return occupied(b, 7) == 1 })

	m, err := b.Poll(7)
	if err != nil || m != icc.CapRead|icc.CapWrite {
		t.Errorf("Poll() = (%s, %v), want rw", m, err)
	}
	if m, _ := b.Poll(7); m != icc.CapNone {
		t.Errorf("second Poll() = %s, want none", m)
	}
}

// echoPeer answers every request it sees, serving register reads from
// regs.
func echoPeer(t *testing.T, lb *transport.Loopback, regs map[uint32]uint32) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case w := <-lb.Sent():
				req := icc.FromWire(w)
				reply := req
				switch req.Kind {
				case icc.KindRegmapRead:
					v, ok := regs[req.Params[0]]
					reply.Params[1] = v
					if !ok {
						reply.Params[2] = 1
					}
				case icc.KindRegmapWrite:
					regs[req.Params[0]] = req.Params[1]
				}
				_ = lb.InjectMessage(reply)
			}
		}
	}()
}

func TestSyncRequest(t *testing.T) {
	b, lb := newTestBus(t, nil)
	echoPeer(t, lb, map[uint32]uint32{})

	req := icc.Message{Src: 6, Dst: 6, Kind: icc.Kind(0x33)}
	req.Params[0] = 12
	reply, err := b.SyncRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("SyncRequest() error = %v", err)
	}
	if reply.Params[0] != 12 {
		t.Errorf("reply = %+v", reply)
	}

	c, _ := b.table.Get(6)
	if !c.Installed() {
		t.Error("source channel not auto-opened")
	}
}

func TestRegmap(t *testing.T) {
	b, lb := newTestBus(t, nil)
	regs := map[uint32]uint32{0x100: 0xCAFE}
	echoPeer(t, lb, regs)
	ctx := context.Background()

	v, err := b.RegmapRead(ctx, 8, 0x100)
	if err != nil || v != 0xCAFE {
		t.Fatalf("RegmapRead() = (%#x, %v)", v, err)
	}
	if err := b.RegmapWrite(ctx, 8, 0x200, 7); err != nil {
		t.Fatalf("RegmapWrite() error = %v", err)
	}
	if v, _ := b.RegmapRead(ctx, 8, 0x200); v != 7 {
		t.Errorf("read back %d, want 7", v)
	}
	if _, err := b.RegmapRead(ctx, 8, 0x999); !errors.Is(err, errors.ErrRemoteStatus) {
		t.Errorf("RegmapRead(unknown) error = %v, want ErrRemoteStatus", err)
	}
	if !lb.InterruptsEnabled() {
		t.Error("interrupts left disabled after regmap calls")
	}
}

func TestOpen_AnnouncesReady(t *testing.T) {
	b, lb := newTestBus(t, func(c *config.Config) { c.Bus.AnnounceClient = 3 })

	_ = b.Open(2)
	select {
	case <-lb.Sent():
		t.Fatal("non-announce channel sent a message")
	default:
	}

	_ = b.Open(3)
	select {
	case w := <-lb.Sent():
		if m := icc.FromWire(w); m.Kind != icc.KindCoreReady || m.Src != 0 || m.Dst != 0 {
			t.Errorf("announcement = %+v", m)
		}
	default:
		t.Fatal("no core ready announcement")
	}
}

func TestRawReceive(t *testing.T) {
	b, lb := newTestBus(t, nil)
	lb.DisableInterrupts()
	_ = lb.InjectMessage(msgTo(5, 3))

	if !b.d.TryAcquire() {
		t.Fatal("TryAcquire() = false")
	}
	if _, err := b.RawReceive(); !errors.Is(err, errors.ErrTransportBusy) {
		t.Errorf("RawReceive() while draining error = %v", err)
	}
	b.d.Release()

	m, err := b.RawReceive()
	if err != nil || m.Params[0] != 3 {
		t.Errorf("RawReceive() = (%+v, %v)", m, err)
	}
	if _, err := b.RawReceive(); !errors.Is(err, errors.ErrQueueEmpty) {
		t.Errorf("RawReceive() on empty error = %v", err)
	}
	lb.EnableInterrupts()
}

func TestClose_PublishesAndResets(t *testing.T) {
	events := event.NewBus()
	b, lb := newTestBus(t, nil, WithEventBus(events))

	var mu sync.Mutex
	var types []string
	events.SubscribeAll(func(e event.Event) {
		mu.Lock()
		types = append(types, e.EventType())
		mu.Unlock()
	})

	_ = b.Open(5)
	_ = b.AddressMap().Map(5, addrmap.Mapping{User: 1, Kernel: 2})
	_ = lb.InjectMessage(msgTo(5, 1))
	waitFor(t, "delivery", func() bool { return occupied(b, 5) == 1 })
	_ = b.Close(5)

	if len(b.AddressMap().Mappings(5)) != 0 {
		t.Error("Close() kept address mappings")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != event.TypeChannelOpened || types[1] != event.TypeChannelClosed {
		t.Errorf("events = %v", types)
	}
}

func TestSnapshot(t *testing.T) {
	b, lb := newTestBus(t, nil)
	_ = b.Open(1)
	_ = lb.InjectMessage(msgTo(1, 1))
	_ = lb.InjectMessage(msgTo(2, 1)) // not installed
	waitFor(t, "drain", func() bool {
		d := b.Snapshot().Dispatch
		return d.Routed+d.Dropped() == 2
	})

	s := b.Snapshot()
	if len(s.Channels) != icc.MaxClient {
		t.Fatalf("Snapshot has %d channels", len(s.Channels))
	}
	if !s.Channels[1].Installed || s.Channels[1].Occupied != 1 {
		t.Errorf("channel 1 = %+v", s.Channels[1])
	}
	if s.Dispatch.DroppedUninstalled != 1 {
		t.Errorf("DroppedUninstalled = %d", s.Dispatch.DroppedUninstalled)
	}
	if s.Transport == nil || s.Transport.Received != 2 {
		t.Errorf("Transport = %+v", s.Transport)
	}
	if s.OpenChannels() != 1 {
		t.Errorf("OpenChannels() = %d", s.OpenChannels())
	}
}
