// Package notifier runs the per-channel upcall worker.
//
// A Worker owns one goroutine that waits for signals and invokes the
// client's callback with the channel's current capability mask. Signals
// coalesce: any number of Signal calls made while the worker is busy or
// not yet scheduled produce a single callback, so a burst of deliveries
// is reported once per batch rather than once per message.
//
// A callback may stop its own worker, directly or through unregistering
// or closing its channel. Stop then returns without waiting and the
// worker exits once the callback returns.
package notifier

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
)

// Callback is the client upcall.
type Callback func(icc.CapabilityMask)

// Probe reports the channel's capability mask at callback time.
type Probe func() icc.CapabilityMask

// Worker delivers notifications for one channel.
type Worker struct {
	id     icc.ClientID
	cb     Callback
	probe  Probe
	logger *logging.Logger

	onPanic func(id icc.ClientID, r *panics.Recovered)

	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       conc.WaitGroup

	// loopG is the id of the goroutine running loop, zero until it starts.
	loopG atomic.Uint64

	invocations atomic.Uint64
	panicked    atomic.Uint64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPanicHandler is called after a callback panic has been recovered.
func WithPanicHandler(fn func(id icc.ClientID, r *panics.Recovered)) Option {
	return func(w *Worker) { w.onPanic = fn }
}

// Start validates its arguments and launches the worker goroutine. On
// error nothing is started.
func Start(id icc.ClientID, cb Callback, probe Probe, opts ...Option) (*Worker, error) {
	if cb == nil || probe == nil {
		return nil, errors.NewChannelError("register", errors.ErrInvalidCallback).WithChannel(int(id))
	}

	w := &Worker{
		id:     id,
		cb:     cb,
		probe:  probe,
		logger: logging.NopLogger(),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("notifier").WithChannel(id)

	w.wg.Go(w.loop)
	return w, nil
}

// Signal asks for a callback. It never blocks.
func (w *Worker) Signal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Stop stops the worker and waits for any in-flight callback to return.
// It is idempotent. Called from the worker's own callback it only marks
// the worker stopped, since waiting there would wait on itself.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.inLoop() {
		return
	}
	w.wg.Wait()
}

func (w *Worker) inLoop() bool {
	g := w.loopG.Load()
	return g != 0 && g == goid()
}

// goid returns the current goroutine's id as printed in stack traces.
func goid() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Invocations returns how many times the callback has been called.
func (w *Worker) Invocations() uint64 {
	return w.invocations.Load()
}

// Panics returns how many callback invocations panicked.
func (w *Worker) Panics() uint64 {
	return w.panicked.Load()
}

func (w *Worker) loop() {
	w.loopG.Store(goid())
	for {
		select {
		case <-w.stop:
			return
		case <-w.signal:
		}

		// Stop wins over a signal that raced with it.
		select {
		case <-w.stop:
			return
		default:
		}

		mask := w.probe()
		if mask == icc.CapNone {
			continue
		}
		w.invoke(mask)
	}
}

func (w *Worker) invoke(mask icc.CapabilityMask) {
	w.invocations.Add(1)

	var pc panics.Catcher
	pc.Try(func() { w.cb(mask) })

	if r := pc.Recovered(); r != nil {
		w.panicked.Add(1)
		w.logger.Error("callback panicked", "mask", mask.String(), "panic", r.String())
		if w.onPanic != nil {
			w.onPanic(w.id, r)
		}
	}
}
