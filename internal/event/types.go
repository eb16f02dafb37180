package event

import (
	"time"

	"github.com/Iron-Ham/iccbus/internal/icc"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "channel.opened".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeChannelOpened    = "channel.opened"
	TypeChannelClosed    = "channel.closed"
	TypeCallbackChanged  = "channel.callback"
	TypeMessageDropped   = "message.dropped"
	TypeFlowChanged      = "flow.changed"
	TypeSyncCompleted    = "sync.completed"
	TypeCallbackPanicked = "callback.panicked"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Channel Lifecycle Events
// -----------------------------------------------------------------------------

// ChannelOpenedEvent is emitted when a channel becomes installed.
type ChannelOpenedEvent struct {
	baseEvent
	Channel icc.ClientID
	Auto    bool // opened implicitly by a sync request
}

// NewChannelOpenedEvent creates a ChannelOpenedEvent.
func NewChannelOpenedEvent(ch icc.ClientID, auto bool) ChannelOpenedEvent {
	return ChannelOpenedEvent{
		baseEvent: newBaseEvent(TypeChannelOpened),
		Channel:   ch,
		Auto:      auto,
	}
}

// ChannelClosedEvent is emitted when a channel is uninstalled.
type ChannelClosedEvent struct {
	baseEvent
	Channel   icc.ClientID
	Discarded int // messages still queued at close
}

// NewChannelClosedEvent creates a ChannelClosedEvent.
func NewChannelClosedEvent(ch icc.ClientID, discarded int) ChannelClosedEvent {
	return ChannelClosedEvent{
		baseEvent: newBaseEvent(TypeChannelClosed),
		Channel:   ch,
		Discarded: discarded,
	}
}

// CallbackChangedEvent is emitted when a notifier is registered or removed.
type CallbackChangedEvent struct {
	baseEvent
	Channel    icc.ClientID
	Registered bool
}

// NewCallbackChangedEvent creates a CallbackChangedEvent.
func NewCallbackChangedEvent(ch icc.ClientID, registered bool) CallbackChangedEvent {
	return CallbackChangedEvent{
		baseEvent:  newBaseEvent(TypeCallbackChanged),
		Channel:    ch,
		Registered: registered,
	}
}

// -----------------------------------------------------------------------------
// Dispatch Events
// -----------------------------------------------------------------------------

// DropReason says why the dispatcher discarded a message.
type DropReason string

const (
	DropNotInstalled DropReason = "not_installed"
	DropQueueFull    DropReason = "queue_full"
	DropBadChannel   DropReason = "bad_channel"
)

// MessageDroppedEvent is emitted for every message the dispatcher discards.
type MessageDroppedEvent struct {
	baseEvent
	Channel icc.ClientID
	Kind    icc.Kind
	Reason  DropReason
}

// NewMessageDroppedEvent creates a MessageDroppedEvent.
func NewMessageDroppedEvent(ch icc.ClientID, kind icc.Kind, reason DropReason) MessageDroppedEvent {
	return MessageDroppedEvent{
		baseEvent: newBaseEvent(TypeMessageDropped),
		Channel:   ch,
		Kind:      kind,
		Reason:    reason,
	}
}

// FlowChangedEvent is emitted when a channel enters or leaves the
// flow-blocked state.
type FlowChangedEvent struct {
	baseEvent
	Channel  icc.ClientID
	Blocked  bool
	Occupied int // queue occupancy when the transition happened
}

// NewFlowChangedEvent creates a FlowChangedEvent.
func NewFlowChangedEvent(ch icc.ClientID, blocked bool, occupied int) FlowChangedEvent {
	return FlowChangedEvent{
		baseEvent: newBaseEvent(TypeFlowChanged),
		Channel:   ch,
		Blocked:   blocked,
		Occupied:  occupied,
	}
}

// -----------------------------------------------------------------------------
// Sync Request Events
// -----------------------------------------------------------------------------

// SyncCompletedEvent is emitted when a sync request finishes, successfully
// or not.
type SyncCompletedEvent struct {
	baseEvent
	Channel  icc.ClientID
	Kind     icc.Kind
	Success  bool
	Attempts int
	Duration time.Duration
	Err      string
}

// NewSyncCompletedEvent creates a SyncCompletedEvent. err may be nil.
func NewSyncCompletedEvent(ch icc.ClientID, kind icc.Kind, attempts int, d time.Duration, err error) SyncCompletedEvent {
	e := SyncCompletedEvent{
		baseEvent: newBaseEvent(TypeSyncCompleted),
		Channel:   ch,
		Kind:      kind,
		Success:   err == nil,
		Attempts:  attempts,
		Duration:  d,
	}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// -----------------------------------------------------------------------------
// Notifier Events
// -----------------------------------------------------------------------------

// CallbackPanickedEvent is emitted when a client callback panics. The
// notifier recovers and keeps serving the channel.
type CallbackPanickedEvent struct {
	baseEvent
	Channel icc.ClientID
	Panic   string
}

// NewCallbackPanickedEvent creates a CallbackPanickedEvent.
func NewCallbackPanickedEvent(ch icc.ClientID, panicMsg string) CallbackPanickedEvent {
	return CallbackPanickedEvent{
		baseEvent: newBaseEvent(TypeCallbackPanicked),
		Channel:   ch,
		Panic:     panicMsg,
	}
}
