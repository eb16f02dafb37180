// Package icc defines the message shapes shared by every layer of the
// inter-core communication bus: the public Message, the transport-level
// WireMessage, client identifiers, attribute bits and capability masks.
//
// The codec between Message and WireMessage is pure and total: any bit
// pattern in Kind, Attr or Params is legal here, and
// FromWire(ToWire(m)) == m for every Message with in-range client ids.
package icc

import "fmt"

// NumParams is the number of 32-bit parameter words carried by a message.
const NumParams = 8

// MaxClient is the number of logical client channels on the bus.
const MaxClient = 16

// ControlClient is the reserved channel that carries flow-control signaling.
const ControlClient ClientID = 0

// ClientID identifies a logical client channel.
type ClientID uint8

// Valid reports whether the id is in [0, MaxClient).
func (c ClientID) Valid() bool {
	return int(c) < MaxClient
}

// Kind identifies the message type. Values other than the ones declared
// here belong to the clients and pass through the bus untouched.
type Kind uint32

const (
	// KindFlowControl is sent to ControlClient when a channel crosses a
	// watermark. Params[0] is 1 to block and 0 to unblock, Params[1] is the
	// affected channel id.
	KindFlowControl Kind = 0xFC
	// KindCoreReady announces to the peer that the local core is up.
	KindCoreReady Kind = 0xB0
	// KindRegmapWrite asks the peer to write Params[1] at address Params[0].
	KindRegmapWrite Kind = 0x20
	// KindRegmapRead asks the peer to read address Params[0]. The reply
	// carries the value in Params[1] and a status in Params[2].
	KindRegmapRead Kind = 0x21
)

// String returns a short name for well-known kinds and hex otherwise.
func (k Kind) String() string {
	switch k {
	case KindFlowControl:
		return "flow_control"
	case KindCoreReady:
		return "core_ready"
	case KindRegmapWrite:
		return "regmap_write"
	case KindRegmapRead:
		return "regmap_read"
	default:
		return fmt.Sprintf("0x%x", uint32(k))
	}
}

// Attr is the per-parameter attribute bitmask. Bit i marks Params[i] as
// an address; bit i+CoherentShift marks that address as cache coherent,
// which exempts it from translation.
type Attr uint32

// CoherentShift is the offset of the coherent bits within Attr.
const CoherentShift = 16

// IsPointer reports whether Params[i] carries an address.
func (a Attr) IsPointer(i int) bool {
	return i >= 0 && i < NumParams && a&(1<<uint(i)) != 0
}

// IsCoherent reports whether the address in Params[i] needs no translation.
func (a Attr) IsCoherent(i int) bool {
	return i >= 0 && i < NumParams && a&(1<<uint(i+CoherentShift)) != 0
}

// Message is the public message shape. It is a value type and is copied
// through the pipeline.
type Message struct {
	Src    ClientID
	Dst    ClientID
	Kind   Kind
	Attr   Attr
	Params [NumParams]uint32
}

// FlowControl builds the control message announcing that channel id is
// blocked (true) or unblocked (false).
func FlowControl(src, id ClientID, blocked bool) Message {
	m := Message{Src: src, Dst: ControlClient, Kind: KindFlowControl}
	if blocked {
		m.Params[0] = 1
	}
	m.Params[1] = uint32(id)
	return m
}

// IsFlowControl reports whether m is a flow-control message and, if so,
// which channel it concerns and whether it blocks.
func (m Message) IsFlowControl() (id ClientID, blocked bool, ok bool) {
	if m.Kind != KindFlowControl {
		return 0, false, false
	}
	return ClientID(m.Params[1]), m.Params[0] == 1, true
}

// CapabilityMask reports what a client may do on its channel when woken.
type CapabilityMask uint8

const (
	// CapNone means nothing is ready.
	CapNone CapabilityMask = 0
	// CapRead means at least one message is queued.
	CapRead CapabilityMask = 1 << 0
	// CapWrite means the channel is not flow blocked.
	CapWrite CapabilityMask = 1 << 1
)

// CanRead reports whether the read bit is set.
func (m CapabilityMask) CanRead() bool { return m&CapRead != 0 }

// CanWrite reports whether the write bit is set.
func (m CapabilityMask) CanWrite() bool { return m&CapWrite != 0 }

// String renders the mask as "r", "w", "rw" or "-".
func (m CapabilityMask) String() string {
	s := ""
	if m.CanRead() {
		s += "r"
	}
	if m.CanWrite() {
		s += "w"
	}
	if s == "" {
		return "-"
	}
	return s
}
