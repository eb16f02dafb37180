package peer

import (
	"github.com/Iron-Ham/iccbus/internal/icc"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

// StreamLink lets a Peer serve the far end of a framed stream.
type StreamLink struct {
	s   *transport.Stream
	out chan icc.WireMessage
}

// NewStreamLink installs itself as s's notification handler. depth bounds
// the frames buffered for the peer; when it is full the stream's inbox
// holds the rest and retries later.
func NewStreamLink(s *transport.Stream, depth int) *StreamLink {
	if depth < 1 {
		depth = 1
	}
	l := &StreamLink{s: s, out: make(chan icc.WireMessage, depth)}
	s.SetNotificationHandler(l.pump)
	return l
}

func (l *StreamLink) pump() {
	for len(l.out) < cap(l.out) {
		w, ok := l.s.TryReceive()
		if !ok {
			return
		}
		l.out <- w
	}
}

// Sent returns the frames received from the bus side.
func (l *StreamLink) Sent() <-chan icc.WireMessage {
	return l.out
}

// InjectMessage writes m to the bus side.
func (l *StreamLink) InjectMessage(m icc.Message) error {
	return l.s.Send(icc.ToWire(m))
}
