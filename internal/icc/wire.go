package icc

import (
	"encoding/binary"
	"fmt"
)

// Header is the framing header of a WireMessage.
type Header struct {
	SrcID     uint8
	DstID     uint8
	MsgID     uint32
	ParamAttr uint32
}

// WireMessage is the transport-level framing of a Message: a header
// followed by a fixed payload.
type WireMessage struct {
	Header Header
	Data   [NumParams]uint32
}

// WireSize is the encoded size of a WireMessage in bytes.
//
// Layout (little endian):
//
//	[0]      src id
//	[1]      dst id
//	[2:4]    reserved, zero
//	[4:8]    msg id
//	[8:12]   param attr
//	[12:44]  NumParams data words
const WireSize = 12 + 4*NumParams

// ToWire maps a Message onto its wire framing field for field.
func ToWire(m Message) WireMessage {
	return WireMessage{
		Header: Header{
			SrcID:     uint8(m.Src),
			DstID:     uint8(m.Dst),
			MsgID:     uint32(m.Kind),
			ParamAttr: uint32(m.Attr),
		},
		Data: m.Params,
	}
}

// FromWire maps a WireMessage back onto the public Message shape.
func FromWire(w WireMessage) Message {
	return Message{
		Src:    ClientID(w.Header.SrcID),
		Dst:    ClientID(w.Header.DstID),
		Kind:   Kind(w.Header.MsgID),
		Attr:   Attr(w.Header.ParamAttr),
		Params: w.Data,
	}
}

// MarshalBinary encodes the message into its fixed WireSize byte layout.
func (w WireMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireSize)
	w.put(buf)
	return buf, nil
}

// AppendBinary appends the encoded message to b.
func (w WireMessage) AppendBinary(b []byte) ([]byte, error) {
	n := len(b)
	b = append(b, make([]byte, WireSize)...)
	w.put(b[n:])
	return b, nil
}

func (w WireMessage) put(buf []byte) {
	buf[0] = w.Header.SrcID
	buf[1] = w.Header.DstID
	buf[2], buf[3] = 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], w.Header.MsgID)
	binary.LittleEndian.PutUint32(buf[8:12], w.Header.ParamAttr)
	for i, v := range w.Data {
		off := 12 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
	}
}

// UnmarshalBinary decodes exactly WireSize bytes.
func (w *WireMessage) UnmarshalBinary(buf []byte) error {
	if len(buf) != WireSize {
		return fmt.Errorf("wire message: got %d bytes, want %d", len(buf), WireSize)
	}
	w.Header.SrcID = buf[0]
	w.Header.DstID = buf[1]
	w.Header.MsgID = binary.LittleEndian.Uint32(buf[4:8])
	w.Header.ParamAttr = binary.LittleEndian.Uint32(buf[8:12])
	for i := range w.Data {
		off := 12 + 4*i
		w.Data[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return nil
}
