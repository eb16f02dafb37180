// Package transport defines the contract between the bus and the shared
// mailbox it multiplexes, plus two implementations: Loopback, an
// in-memory mailbox whose far end is driven by a simulated peer, and
// Stream, which frames messages over any io.ReadWriteCloser.
package transport

import (
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// Adapter is the shared mailbox.
//
// Send and TryReceive never block. The notification handler is invoked
// from the adapter's delivery goroutine whenever inbound data may be
// available and notifications are enabled. DisableInterrupts and
// EnableInterrupts nest: notifications resume only when every Disable
// has been matched by an Enable.
type Adapter interface {
	Send(w icc.WireMessage) error
	TryReceive() (icc.WireMessage, bool)
	SetNotificationHandler(fn func())
	EnableInterrupts()
	DisableInterrupts()
}

// Stats counts adapter traffic.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Busy     uint64 `json:"busy"`
	Pending  int    `json:"pending"`
}

// StatsReporter is implemented by adapters that keep traffic counters.
type StatsReporter interface {
	Stats() Stats
}
