package notifier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

func readable() icc.CapabilityMask { return icc.CapRead | icc.CapWrite }

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name  string
		cb    Callback
		probe Probe
	}{
		{"nil callback", nil, readable},
		{"nil probe", func(icc.CapabilityMask) {}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Start(3, tt.cb, tt.probe)
			if !errors.Is(err, errors.ErrInvalidCallback) {
				t.Errorf("Start() error = %v, want ErrInvalidCallback", err)
			}
			if w != nil {
				t.Error("Start() returned a worker on error")
			}
		})
	}
}

func TestWorker_InvokesWithMask(t *testing.T) {
	got := make(chan icc.CapabilityMask, 1)
	w, err := Start(2, func(m icc.CapabilityMask) { got <- m }, readable)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Signal()
	select {
	case m := <-got:
		if !m.CanRead() || !m.CanWrite() {
			t.Errorf("mask = %s, want rw", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestWorker_CoalescesSignals(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	w, err := Start(2, func(icc.CapabilityMask) {
		if calls.Add(1) == 1 {
			<-release
		}
	}, readable)
	if err != nil {
		t.Fatal(err)
	}

	w.Signal()
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Ten signals while the callback is blocked collapse into one more call.
	for range 10 {
		w.Signal()
	}
	close(release)

	deadline = time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if n := calls.Load(); n != 2 {
		t.Errorf("callback ran %d times, want 2", n)
	}
	if w.Invocations() != 2 {
		t.Errorf("Invocations() = %d", w.Invocations())
	}
}

func TestWorker_SkipsEmptyMask(t *testing.T) {
	var calls atomic.Int32
	w, _ := Start(1, func(icc.CapabilityMask) { calls.Add(1) }, func() icc.CapabilityMask { return icc.CapNone })
	w.Signal()
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	if calls.Load() != 0 {
		t.Error("callback invoked with an empty mask")
	}
}

func TestWorker_StopWaitsForInFlightCallback(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	w, _ := Start(4, func(icc.CapabilityMask) {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}, readable)

	w.Signal()
	<-entered
	w.Stop()

	if !finished.Load() {
		t.Error("Stop() returned before the in-flight callback finished")
	}
	w.Stop() // idempotent
}

func TestWorker_StopFromOwnCallback(t *testing.T) {
	var calls atomic.Int32
	started := make(chan *Worker, 1)
	returned := make(chan struct{})
	w, _ := Start(5, func(icc.CapabilityMask) {
		calls.Add(1)
		self := <-started
		self.Stop()
		close(returned)
	}, readable)
	started <- w

	w.Signal()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() called from the callback did not return")
	}

	// The worker exits once the callback returns; an outside Stop joins it.
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() after a self-stop did not return")
	}

	w.Signal()
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}

func TestGoid(t *testing.T) {
	own := goid()
	if own == 0 {
		t.Fatal("goid() = 0")
	}
	other := make(chan uint64)
	go func() { other <- goid() }()
	if g := <-other; g == own || g == 0 {
		t.Errorf("goid() in another goroutine = %d, own = %d", g, own)
	}
}

func TestWorker_RecoversPanics(t *testing.T) {
	var mu sync.Mutex
	var recovered []*panics.Recovered
	var calls atomic.Int32

	w, _ := Start(6, func(icc.CapabilityMask) {
		if calls.Add(1) == 1 {
			panic("first call fails")
		}
	}, readable, WithPanicHandler(func(id icc.ClientID, r *panics.Recovered) {
		mu.Lock()
		recovered = append(recovered, r)
		mu.Unlock()
	}))
	defer w.Stop()

	w.Signal()
	deadline := time.Now().Add(5 * time.Second)
	for w.Panics() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// The worker survives and keeps serving.
	w.Signal()
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatal("worker stopped serving after a panic")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(recovered) != 1 || recovered[0].Value != "first call fails" {
		t.Errorf("recovered = %v", recovered)
	}
}
