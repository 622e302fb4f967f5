package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/google/uuid"
)

// Field ids shared by the structured system and engine payloads.
const (
	FieldAddress uint16 = 1
	FieldGUID    uint16 = 2
	FieldName    uint16 = 3
	FieldWorld   uint16 = 4
	FieldData    uint16 = 5
	FieldIndex   uint16 = 6
	FieldTotal   uint16 = 7
	FieldEventID uint16 = 8
)

// RemoteConnection is one entry of a remote-new-incoming-connection list.
type RemoteConnection struct {
	Address string
	GUID    uuid.UUID
}

// EncodeRemoteConnections writes address/guid pairs in order.
func EncodeRemoteConnections(list []RemoteConnection) []byte {
	fields := make([]tlv.Field, 0, 2*len(list))
	for _, rc := range list {
		fields = append(fields, tlv.String(FieldAddress, rc.Address), tlv.Bytes(FieldGUID, rc.GUID[:]))
	}
	return tlv.EncodeFields(fields)
}

func DecodeRemoteConnections(payload []byte) ([]RemoteConnection, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteConnection, 0, len(fields)/2)
	var cur RemoteConnection
	haveAddr := false
	for _, f := range fields {
		switch f.ID {
		case FieldAddress:
			if haveAddr {
				return nil, fmt.Errorf("%w: guid for %s", ErrMissingField, cur.Address)
			}
			cur = RemoteConnection{Address: string(f.Value)}
			haveAddr = true
		case FieldGUID:
			if !haveAddr {
				return nil, fmt.Errorf("%w: address before guid", ErrMissingField)
			}
			id, err := guidFromBytes(f.Value)
			if err != nil {
				return nil, err
			}
			cur.GUID = id
			out = append(out, cur)
			haveAddr = false
		}
	}
	if haveAddr {
		return nil, fmt.Errorf("%w: guid for %s", ErrMissingField, cur.Address)
	}
	return out, nil
}

// NewHost is the payload of IDFCM2NewHost. The packet source is the new host.
type NewHost struct {
	OldGUID    uuid.UUID
	OldAddress string
}

func EncodeNewHost(nh NewHost) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(FieldGUID, nh.OldGUID[:]),
		tlv.String(FieldAddress, nh.OldAddress),
	})
}

func DecodeNewHost(payload []byte) (NewHost, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return NewHost{}, err
	}
	var nh NewHost
	if f, ok := tlv.GetField(fields, FieldGUID); ok {
		if nh.OldGUID, err = guidFromBytes(f.Value); err != nil {
			return NewHost{}, err
		}
	}
	if f, ok := tlv.GetField(fields, FieldAddress); ok {
		nh.OldAddress = string(f.Value)
	}
	return nh, nil
}

// EncodePong builds the unconnected pong payload: [u64 ms][beacon].
func EncodePong(ms uint64, beacon []byte) []byte {
	buf := make([]byte, 8+len(beacon))
	binary.BigEndian.PutUint64(buf[:8], ms)
	copy(buf[8:], beacon)
	return buf
}

func DecodePong(payload []byte) (uint64, []byte, error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: pong needs 8 bytes, got %d", ErrTruncated, len(payload))
	}
	beacon := make([]byte, len(payload)-8)
	copy(beacon, payload[8:])
	return binary.BigEndian.Uint64(payload[:8]), beacon, nil
}

// EncodeReadyEvent carries the ready event id.
func EncodeReadyEvent(eventID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, eventID)
	return buf
}

func DecodeReadyEvent(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: ready event needs 4 bytes, got %d", ErrTruncated, len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// RemoteEvent is the MsgRemoteEvent body.
type RemoteEvent struct {
	Name  string
	World string
	Data  []byte
}

func EncodeRemoteEvent(ev RemoteEvent) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldName, ev.Name),
		tlv.String(FieldWorld, ev.World),
		tlv.Bytes(FieldData, ev.Data),
	})
}

func DecodeRemoteEvent(payload []byte) (RemoteEvent, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return RemoteEvent{}, err
	}
	name, ok := tlv.GetField(fields, FieldName)
	if !ok || len(name.Value) == 0 {
		return RemoteEvent{}, fmt.Errorf("%w: remote event name", ErrMissingField)
	}
	ev := RemoteEvent{Name: string(name.Value)}
	if f, ok := tlv.GetField(fields, FieldWorld); ok {
		ev.World = string(f.Value)
	}
	if f, ok := tlv.GetField(fields, FieldData); ok {
		ev.Data = f.Value
	}
	return ev, nil
}

// PackageChunk is one MsgPackageChunk body.
type PackageChunk struct {
	Name  string
	Index uint32
	Total uint32
	Data  []byte
}

func EncodePackageChunk(c PackageChunk) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldName, c.Name),
		tlv.U32(FieldIndex, c.Index),
		tlv.U32(FieldTotal, c.Total),
		tlv.Bytes(FieldData, c.Data),
	})
}

func DecodePackageChunk(payload []byte) (PackageChunk, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return PackageChunk{}, err
	}
	var c PackageChunk
	name, ok := tlv.GetField(fields, FieldName)
	if !ok {
		return PackageChunk{}, fmt.Errorf("%w: package name", ErrMissingField)
	}
	c.Name = string(name.Value)
	idx, ok := tlv.GetField(fields, FieldIndex)
	if !ok {
		return PackageChunk{}, fmt.Errorf("%w: chunk index", ErrMissingField)
	}
	if c.Index, err = tlv.U32FromBytes(idx.Value); err != nil {
		return PackageChunk{}, err
	}
	total, ok := tlv.GetField(fields, FieldTotal)
	if !ok {
		return PackageChunk{}, fmt.Errorf("%w: chunk total", ErrMissingField)
	}
	if c.Total, err = tlv.U32FromBytes(total.Value); err != nil {
		return PackageChunk{}, err
	}
	if c.Total == 0 || c.Index >= c.Total {
		return PackageChunk{}, fmt.Errorf("%w: chunk %d of %d", ErrTruncated, c.Index, c.Total)
	}
	if f, ok := tlv.GetField(fields, FieldData); ok {
		c.Data = f.Value
	}
	return c, nil
}

func guidFromBytes(b []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidGUID, err)
	}
	return id, nil
}
