package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/logging"
)

// Stream carries fixed-size binary frames (icc.WireSize bytes each) over
// an io.ReadWriteCloser such as a net.Conn or one end of a net.Pipe.
//
// Sends are queued and written by a background goroutine so Send never
// blocks. Received frames go into a bounded inbox; when it is full the
// reader stops reading, which pushes back on the remote writer.
type Stream struct {
	rwc io.ReadWriteCloser
	in  *inbox
	out chan icc.WireMessage

	group  *errgroup.Group
	cancel context.CancelFunc
	logger *logging.Logger

	sent   atomic.Uint64
	busy   atomic.Uint64
	failed atomic.Bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger sets the logger for I/O failures.
func WithStreamLogger(l *logging.Logger) StreamOption {
	return func(s *Stream) {
		if l != nil {
			s.logger = l.WithComponent("stream")
		}
	}
}

// NewStream starts framing over rwc with depth messages buffered in each
// direction.
func NewStream(rwc io.ReadWriteCloser, depth int, opts ...StreamOption) *Stream {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	s := &Stream{
		rwc:    rwc,
		in:     newInbox(depth, 0),
		out:    make(chan icc.WireMessage, depth),
		group:  g,
		cancel: cancel,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	return s
}

func (s *Stream) readLoop(ctx context.Context) error {
	frame := make([]byte, icc.WireSize)
	for {
		if _, err := io.ReadFull(s.rwc, frame); err != nil {
			return s.fail("read", err)
		}
		var w icc.WireMessage
		if err := w.UnmarshalBinary(frame); err != nil {
			return s.fail("decode", err)
		}
		for !s.in.push(w) {
			if !s.in.waitSpace(ctx.Done()) {
				return nil
			}
		}
	}
}

func (s *Stream) writeLoop(ctx context.Context) error {
	buf := make([]byte, 0, icc.WireSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-s.out:
			buf, _ = w.AppendBinary(buf[:0])
			if _, err := s.rwc.Write(buf); err != nil {
				return s.fail("write", err)
			}
		}
	}
}

// fail records the first I/O error and closes the connection so the
// other loop unblocks.
func (s *Stream) fail(op string, err error) error {
	s.errMu.Lock()
	first := s.err == nil
	if first {
		s.err = errors.NewTransportError(op, errors.Join(errors.ErrTransportFailed, err))
	}
	wrapped := s.err
	s.errMu.Unlock()

	if first && !s.failed.Load() {
		s.logger.Warn("stream failed", "op", op, "error", err.Error())
	}
	s.failed.Store(true)
	_ = s.rwc.Close()
	return wrapped
}

// Send queues w for writing.
func (s *Stream) Send(w icc.WireMessage) error {
	if s.failed.Load() {
		if err := s.Err(); err != nil {
			return err
		}
		return errors.ErrTransportFailed
	}
	select {
	case s.out <- w:
		s.sent.Add(1)
		return nil
	default:
		s.busy.Add(1)
		return errors.ErrTransportBusy
	}
}

// TryReceive pops the oldest received message.
func (s *Stream) TryReceive() (icc.WireMessage, bool) {
	return s.in.pop()
}

// SetNotificationHandler installs the data-available handler.
func (s *Stream) SetNotificationHandler(fn func()) { s.in.setHandler(fn) }

// EnableInterrupts undoes one DisableInterrupts.
func (s *Stream) EnableInterrupts() { s.in.enable() }

// DisableInterrupts suppresses notifications until matched by EnableInterrupts.
func (s *Stream) DisableInterrupts() { s.in.disable() }

// Err returns the first I/O failure, or nil.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stats returns traffic counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Sent:     s.sent.Load(),
		Received: s.in.received.Load(),
		Busy:     s.busy.Load(),
		Pending:  s.in.pending(),
	}
}

// Close shuts the connection down and waits for the I/O goroutines. It
// returns the first I/O error other than the one caused by closing.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		wasFailed := s.failed.Swap(true)
		s.cancel()
		_ = s.rwc.Close()
		_ = s.group.Wait()
		s.in.close()
		if wasFailed {
			err = s.Err()
		}
	})
	return err
}
