// Package dispatch moves messages from the shared transport into channel
// queues.
//
// A [Dispatcher] is the single authority for routing. It is invoked from
// the transport's delivery goroutine through [Dispatcher.Drain] and by
// the sync request engine, which takes the same lock and routes foreign
// traffic while it waits for its own reply. At most one drain runs at a
// time; a context that finds the lock held returns immediately because
// the holder will make progress on the same data.
//
// # Drop Policy
//
// Routing never blocks. Messages for an out-of-range id, an uninstalled
// channel or a full queue are discarded, logged at WARN, counted and
// published as [event.MessageDroppedEvent]. The original sender is never
// told.
//
// # Flow Control
//
// When a delivery leaves a queue at or above the high watermark and the
// channel is not already blocked, the channel is marked blocked and a
// flow-control message is routed to the control client.
package dispatch
