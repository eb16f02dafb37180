package bus

import (
	"github.com/Iron-Ham/iccbus/internal/channel"
	"github.com/Iron-Ham/iccbus/internal/dispatch"
	"github.com/Iron-Ham/iccbus/internal/transport"
)

// Snapshot is a point-in-time view of the bus for the CLI and monitor.
type Snapshot struct {
	Channels  []channel.Stats  `json:"channels"`
	Dispatch  dispatch.Stats   `json:"dispatch"`
	Transport *transport.Stats `json:"transport,omitempty"`
	Events    uint64           `json:"events"`
}

// OpenChannels counts installed channels.
func (s Snapshot) OpenChannels() int {
	n := 0
	for _, c := range s.Channels {
		if c.Installed {
			n++
		}
	}
	return n
}

// Queued sums the occupancy of every channel.
func (s Snapshot) Queued() int {
	n := 0
	for _, c := range s.Channels {
		n += c.Occupied
	}
	return n
}

// Snapshot collects channel, dispatcher and transport counters.
func (b *Bus) Snapshot() Snapshot {
	s := Snapshot{
		Channels: b.table.Snapshot(),
		Dispatch: b.d.Stats(),
	}
	if r, ok := b.tr.(transport.StatsReporter); ok {
		ts := r.Stats()
		s.Transport = &ts
	}
	if b.events != nil {
		s.Events = b.events.Published()
	}
	return s
}
