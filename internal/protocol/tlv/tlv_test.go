package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsPreservesOrderAndUnknown(t *testing.T) {
	in := []Field{
		String(1, "10.0.0.2:2500"),
		Bytes(2, []byte{0xAA, 0xBB}),
		String(1, "10.0.0.3:2500"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0x01}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(out))
	}
	if string(out[2].Value) != "10.0.0.3:2500" {
		t.Fatalf("repeated field order not preserved: %+v", out[2])
	}
	if out[3].ID != 9999 || !bytes.Equal(out[3].Value, []byte{0x01}) {
		t.Fatalf("unknown field not preserved: %+v", out[3])
	}
}

func TestScalarHelpers(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{U16(1, 2500), U32(2, 7), U64(3, 1<<40), Bool(4, true)}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	port, err := U16FromBytes(fields[0].Value)
	if err != nil || port != 2500 {
		t.Fatalf("u16 mismatch: %d %v", port, err)
	}
	v32, err := U32FromBytes(fields[1].Value)
	if err != nil || v32 != 7 {
		t.Fatalf("u32 mismatch: %d %v", v32, err)
	}
	v64, err := U64FromBytes(fields[2].Value)
	if err != nil || v64 != 1<<40 {
		t.Fatalf("u64 mismatch: %d %v", v64, err)
	}
	b, err := BoolFromBytes(fields[3].Value)
	if err != nil || !b {
		t.Fatalf("bool mismatch: %v %v", b, err)
	}
	if err := MustType(fields[0], TypeU32); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsRejectsOversizedLength(t *testing.T) {
	payload := []byte{0, 1, TypeBytes, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrFieldTooLarge) {
		t.Fatalf("expected ErrFieldTooLarge, got %v", err)
	}
}
