package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	timestampLen = 8
	// AppHeaderLen is the marker byte plus the u32 message id.
	AppHeaderLen = 5
)

// Packet is one parsed transport datagram.
type Packet struct {
	ID           ID
	HasTimestamp bool
	TimestampMS  uint64
	// MessageID is set only for application packets.
	MessageID uint32
	// Payload excludes the id byte, the timestamp wrapper and the
	// application header.
	Payload []byte
}

// IsApplication reports whether the packet carries an application message.
func (p Packet) IsApplication() bool {
	return p.ID >= IDUserPacketEnum
}

// Parse strips an optional timestamp wrapper and splits the packet into
// its id, application message id (if any) and payload.
func Parse(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, ErrEmptyPacket
	}
	var p Packet
	if ID(data[0]) == IDTimestamp {
		if len(data) < 1+timestampLen+1 {
			return Packet{}, fmt.Errorf("%w: timestamp wrapper needs %d bytes, got %d", ErrTruncated, 2+timestampLen, len(data))
		}
		p.HasTimestamp = true
		p.TimestampMS = binary.BigEndian.Uint64(data[1 : 1+timestampLen])
		data = data[1+timestampLen:]
		if ID(data[0]) == IDTimestamp {
			return Packet{}, ErrNestedTimestamp
		}
	}
	p.ID = ID(data[0])
	if !p.IsApplication() {
		p.Payload = data[1:]
		return p, nil
	}
	if len(data) < AppHeaderLen {
		return Packet{}, fmt.Errorf("%w: application header needs %d bytes, got %d", ErrTruncated, AppHeaderLen, len(data))
	}
	p.MessageID = binary.BigEndian.Uint32(data[1:AppHeaderLen])
	p.Payload = data[AppHeaderLen:]
	return p, nil
}

// EncodeApplication builds [IDUserPacketEnum][u32 msgID][payload].
func EncodeApplication(msgID uint32, payload []byte) []byte {
	buf := make([]byte, AppHeaderLen+len(payload))
	buf[0] = byte(IDUserPacketEnum)
	binary.BigEndian.PutUint32(buf[1:AppHeaderLen], msgID)
	copy(buf[AppHeaderLen:], payload)
	return buf
}

// EncodeSystem builds a system packet with an opaque payload.
func EncodeSystem(id ID, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(id)
	copy(buf[1:], payload)
	return buf
}

// WithTimestamp prefixes data with the timestamp wrapper.
func WithTimestamp(ms uint64, data []byte) []byte {
	buf := make([]byte, 1+timestampLen+len(data))
	buf[0] = byte(IDTimestamp)
	binary.BigEndian.PutUint64(buf[1:1+timestampLen], ms)
	copy(buf[1+timestampLen:], data)
	return buf
}
