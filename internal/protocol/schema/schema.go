package schema

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Handshake message types exchanged before a stream carries session
// packets.
const (
	MsgHello   uint32 = 1
	MsgWelcome uint32 = 2
	MsgReject  uint32 = 3
)

// Field IDs for handshake bodies.
const (
	FieldGUID     uint16 = 1
	FieldAddress  uint16 = 2
	FieldProtocol uint16 = 3
	FieldReason   uint16 = 4
	FieldDetail   uint16 = 5
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldGUID, tlv.TypeBytes},
		{FieldAddress, tlv.TypeString},
		{FieldProtocol, tlv.TypeU16},
	},
	MsgWelcome: {
		{FieldGUID, tlv.TypeBytes},
		{FieldAddress, tlv.TypeString},
	},
	MsgReject: {
		{FieldReason, tlv.TypeU8},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Decode parses a TLV body and validates it as messageType.
func Decode(messageType uint32, body []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(body)
	if err != nil {
		return nil, err
	}
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
