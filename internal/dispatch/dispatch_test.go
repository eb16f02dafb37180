package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/event"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

func msgTo(dst icc.ClientID, n uint32) icc.Message {
	m := icc.Message{Src: 9, Dst: dst, Kind: icc.Kind(0x40)}
	m.Params[0] = n
	return m
}

type fixture struct {
	lb    *transport.Loopback
	table *channel.Table
	d     *Dispatcher
	bus   *event.Bus
}

func newFixture(t *testing.T, capacity, high int) *fixture {
	t.Helper()
	lb := transport.NewLoopback(64)
	t.Cleanup(lb.Close)
	table := channel.NewTable(capacity)
	bus := event.NewBus()
	d := New(lb, table, WithBudget(16), WithHighWatermark(high), WithEventBus(bus))
	return &fixture{lb: lb, table: table, d: d, bus: bus}
}

func (f *fixture) inject(t *testing.T, msgs ...icc.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := f.lb.InjectMessage(m); err != nil {
			t.Fatalf("InjectMessage() error = %v", err)
		}
	}
}

func (f *fixture) open(t *testing.T, ids ...icc.ClientID) {
	t.Helper()
	for _, id := range ids {
		c, _ := f.table.Get(id)
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
	}
}

func readAll(t *testing.T, table *channel.Table, id icc.ClientID) []icc.Message {
	t.Helper()
	var out []icc.Message
	for {
		m, _, err := table.TryRead(id)
		if err != nil {
			return out
		}
		out = append(out, m)
	}
}

func TestDrain_RoutesInOrder(t *testing.T) {
	f := newFixture(t, 16, 15)
	f.open(t, 2, 3)
	f.inject(t, msgTo(2, 0), msgTo(3, 1), msgTo(2, 2), msgTo(3, 3))

	f.d.Drain()

	got2 := readAll(t, f.table, 2)
	got3 := readAll(t, f.table, 3)
	if len(got2) != 2 || got2[0].Params[0] != 0 || got2[1].Params[0] != 2 {
		t.Errorf("channel 2 got %+v", got2)
	}
	if len(got3) != 2 || got3[0].Params[0] != 1 || got3[1].Params[0] != 3 {
		t.Errorf("channel 3 got %+v", got3)
	}
	if s := f.d.Stats(); s.Routed != 4 || s.Drains != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDrain_RespectsBudget(t *testing.T) {
	f := newFixture(t, 64, 63)
	f.open(t, 2)
	for i := range 20 {
		f.inject(t, msgTo(2, uint32(i)))
	}

	if !f.d.TryAcquire() {
		t.Fatal("TryAcquire() on a free lock = false")
	}
	n := f.d.DrainLocked(16)
	f.d.Release()

	if n != 16 {
		t.Errorf("DrainLocked() moved %d, want 16", n)
	}
	if f.lb.Pending() != 4 {
		t.Errorf("Pending() = %d, want 4", f.lb.Pending())
	}
}

func TestDrain_SkipsWhenContended(t *testing.T) {
	f := newFixture(t, 16, 15)
	f.open(t, 2)
	f.inject(t, msgTo(2, 1))

	if !f.d.TryAcquire() {
		t.Fatal("TryAcquire() = false")
	}
	if f.d.TryAcquire() {
		t.Fatal("second TryAcquire() = true")
	}
	f.d.Drain()
	if f.lb.Pending() != 1 {
		t.Error("Drain() ran while the lock was held")
	}
	if f.d.Stats().Contended != 1 {
		t.Errorf("Contended = %d", f.d.Stats().Contended)
	}

	released := f.d.Released()
	f.d.Release()
	select {
	case <-released:
	default:
		t.Error("Released() channel not closed by Release")
	}
}

func TestRoute_DropPolicy(t *testing.T) {
	tests := []struct {
		name   string
		dst    icc.ClientID
		reason event.DropReason
	}{
		{"out of range", icc.MaxClient + 3, event.DropBadChannel},
		{"not installed", 7, event.DropNotInstalled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 8, 7)
			var mu sync.Mutex
			var got []event.MessageDroppedEvent
			f.bus.Subscribe(event.TypeMessageDropped, func(e event.Event) {
				mu.Lock()
				got = append(got, e.(event.MessageDroppedEvent))
				mu.Unlock()
			})

			if f.d.Route(msgTo(tt.dst, 1)) {
				t.Fatal("Route() = true for an undeliverable message")
			}
			mu.Lock()
			defer mu.Unlock()
			if len(got) != 1 || got[0].Reason != tt.reason {
				t.Errorf("drop events = %+v, want one %s", got, tt.reason)
			}
			if f.d.Stats().Dropped() != 1 {
				t.Errorf("Dropped() = %d", f.d.Stats().Dropped())
			}
		})
	}
}

func TestRoute_FullQueueKeepsContents(t *testing.T) {
	f := newFixture(t, 4, 100)
	f.open(t, 2)
	for i := range 3 {
		if !f.d.Route(msgTo(2, uint32(i))) {
			t.Fatalf("Route(%d) = false", i)
		}
	}

	if f.d.Route(msgTo(2, 99)) {
		t.Fatal("Route() into a full queue = true")
	}

	got := readAll(t, f.table, 2)
	if len(got) != 3 {
		t.Fatalf("queue holds %d messages, want 3", len(got))
	}
	for i, m := range got {
		if m.Params[0] != uint32(i) {
			t.Errorf("message %d = %d, contents changed", i, m.Params[0])
		}
	}
	if f.d.Stats().DroppedQueueFull != 1 {
		t.Errorf("DroppedQueueFull = %d", f.d.Stats().DroppedQueueFull)
	}
}

func TestRoute_FlowBlockOnce(t *testing.T) {
	f := newFixture(t, 16, 6)
	f.open(t, icc.ControlClient, 5)

	for i := range 10 {
		f.d.Route(msgTo(5, uint32(i)))
	}

	ctl := readAll(t, f.table, icc.ControlClient)
	if len(ctl) != 1 {
		t.Fatalf("control channel got %d messages, want exactly 1", len(ctl))
	}
	id, blocked, ok := ctl[0].IsFlowControl()
	if !ok || !blocked || id != 5 {
		t.Errorf("control message = %+v, want FlowControl{1, 5}", ctl[0])
	}
	if ctl[0].Src != 5 || ctl[0].Dst != icc.ControlClient {
		t.Errorf("control message addressing = %d -> %d", ctl[0].Src, ctl[0].Dst)
	}

	c, _ := f.table.Get(5)
	if !c.FlowBlocked() {
		t.Error("channel 5 not flow blocked")
	}
	if f.d.Stats().FlowBlocks != 1 {
		t.Errorf("FlowBlocks = %d", f.d.Stats().FlowBlocks)
	}
}

func TestRoute_CustomControlClient(t *testing.T) {
	f := newFixture(t, 8, 2)
	f.d = New(f.lb, f.table, WithHighWatermark(2), WithControlClient(9))
	f.open(t, 9, 4)

	f.d.Route(msgTo(4, 1))
	f.d.Route(msgTo(4, 2))

	ctl := readAll(t, f.table, 9)
	if len(ctl) != 1 || ctl[0].Dst != 9 {
		t.Errorf("control channel 9 got %+v", ctl)
	}
}

func TestAttach_DrainsFromDeliveryGoroutine(t *testing.T) {
	f := newFixture(t, 64, 63)
	f.open(t, 2)
	f.d.Attach()

	for i := range 40 {
		f.inject(t, msgTo(2, uint32(i)))
	}

	c, _ := f.table.Get(2)
	deadline := time.Now().Add(5 * time.Second)
	for c.Occupied() < 40 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	got := readAll(t, f.table, 2)
	if len(got) != 40 {
		t.Fatalf("delivered %d, want 40", len(got))
	}
	for i, m := range got {
		if m.Params[0] != uint32(i) {
			t.Fatalf("message %d out of order", i)
		}
	}
}

func TestDrain_SignalsEachWorkerOncePerBatch(t *testing.T) {
	f := newFixture(t, 64, 63)
	f.open(t, 2, 3, 4)

	var calls [icc.MaxClient]atomic.Int32
	for _, id := range []icc.ClientID{2, 3, 4} {
		c, _ := f.table.Get(id)
		if err := c.Register(func(icc.CapabilityMask) { calls[id].Add(1) }); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = c.Unregister() })
	}

	for i := range 12 {
		f.inject(t, msgTo(2, uint32(i)), msgTo(3, uint32(i)))
	}
	f.d.Drain()

	deadline := time.Now().Add(5 * time.Second)
	for (calls[2].Load() == 0 || calls[3].Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	for _, tt := range []struct {
		id   icc.ClientID
		want int32
	}{{2, 1}, {3, 1}, {4, 0}} {
		if got := calls[tt.id].Load(); got != tt.want {
			t.Errorf("channel %d callback ran %d times for one batch, want %d", tt.id, got, tt.want)
		}
	}
}

func TestRouteBatch_DefersSignalUntilFlush(t *testing.T) {
	f := newFixture(t, 16, 15)
	f.open(t, 5)
	c, _ := f.table.Get(5)

	var calls atomic.Int32
	if err := c.Register(func(icc.CapabilityMask) { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}
	defer c.Unregister()

	var b Batch
	for i := range 5 {
		f.d.RouteBatch(msgTo(5, uint32(i)), &b)
	}
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("callback ran %d times before Flush", n)
	}

	f.d.Flush(&b)
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// A second Flush of the same batch has nothing left to signal.
	f.d.Flush(&b)
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}
