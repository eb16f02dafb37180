// Package event provides a synchronous pub-sub bus for observing the ICC
// bus without coupling observers to its internals.
//
// The dispatcher, channels, notifiers and the sync engine publish events;
// the monitor UI, the simulate command and tests subscribe to them.
//
// # Event Categories
//
// Channel lifecycle:
//   - [ChannelOpenedEvent], [ChannelClosedEvent], [CallbackChangedEvent]
//
// Dispatch:
//   - [MessageDroppedEvent]: a message was discarded (channel not installed,
//     queue full or id out of range)
//   - [FlowChangedEvent]: a channel crossed a watermark
//
// Sync requests and notifiers:
//   - [SyncCompletedEvent], [CallbackPanickedEvent]
//
// # Usage
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeMessageDropped, func(e event.Event) {
//	    drop := e.(event.MessageDroppedEvent)
//	    fmt.Println("dropped on", drop.Channel, drop.Reason)
//	})
//
// Handlers run synchronously on the publisher's goroutine, which is often
// the dispatcher. Keep them short and never call back into the bus from
// a handler.
package event
