package wsnet

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/danmuck/meshctl/internal/transport"
	"github.com/google/uuid"
)

type hello struct {
	id       transport.Identity
	protocol uint16
}

func encodeHello(self transport.Identity, password string) frame.Frame {
	body := tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldGUID, self.GUID[:]),
		tlv.String(schema.FieldAddress, self.Address),
		tlv.U16(schema.FieldProtocol, ProtocolVersion),
	})
	f := frame.New(frame.KindHello, 0, body)
	if password != "" {
		f.Auth = []byte(password)
	}
	return f
}

func decodeHello(body []byte) (hello, error) {
	fields, err := schema.Decode(schema.MsgHello, body)
	if err != nil {
		return hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	id, err := identityFields(fields)
	if err != nil {
		return hello{}, err
	}
	f, _ := tlv.GetField(fields, schema.FieldProtocol)
	version, err := tlv.U16FromBytes(f.Value)
	if err != nil {
		return hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return hello{id: id, protocol: version}, nil
}

func encodeWelcome(self transport.Identity) frame.Frame {
	body := tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldGUID, self.GUID[:]),
		tlv.String(schema.FieldAddress, self.Address),
	})
	return frame.New(frame.KindWelcome, 0, body)
}

func decodeWelcome(body []byte) (transport.Identity, error) {
	fields, err := schema.Decode(schema.MsgWelcome, body)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return identityFields(fields)
}

// encodeReject carries the system packet id the dialer should report.
func encodeReject(reason protocol.ID) frame.Frame {
	body := tlv.EncodeFields([]tlv.Field{
		tlv.U8(schema.FieldReason, uint8(reason)),
		tlv.String(schema.FieldDetail, reason.String()),
	})
	return frame.New(frame.KindReject, 0, body)
}

func decodeReject(body []byte) (protocol.ID, error) {
	fields, err := schema.Decode(schema.MsgReject, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, _ := tlv.GetField(fields, schema.FieldReason)
	if len(f.Value) != 1 {
		return 0, fmt.Errorf("%w: reject reason length %d", ErrHandshake, len(f.Value))
	}
	id := protocol.ID(f.Value[0])
	if !id.IsSystem() {
		return 0, fmt.Errorf("%w: reject reason %s", ErrHandshake, id)
	}
	return id, nil
}

func identityFields(fields []tlv.Field) (transport.Identity, error) {
	g, _ := tlv.GetField(fields, schema.FieldGUID)
	guid, err := uuid.FromBytes(g.Value)
	if err != nil || guid == uuid.Nil {
		return transport.Identity{}, fmt.Errorf("%w: %v", protocol.ErrInvalidGUID, err)
	}
	a, _ := tlv.GetField(fields, schema.FieldAddress)
	return transport.Identity{GUID: guid, Address: string(a.Value)}, nil
}
