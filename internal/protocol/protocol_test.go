package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseApplicationPacket(t *testing.T) {
	raw := EncodeApplication(0x200, []byte("hello"))
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.IsApplication() || p.MessageID != 0x200 || string(p.Payload) != "hello" {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func TestParseStripsTimestampWrapper(t *testing.T) {
	raw := WithTimestamp(1234, EncodeApplication(MsgUser, []byte{1}))
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.HasTimestamp || p.TimestampMS != 1234 {
		t.Fatalf("timestamp not stripped: %+v", p)
	}
	if p.ID != IDUserPacketEnum || p.MessageID != MsgUser {
		t.Fatalf("inner id mismatch: %+v", p)
	}

	sys, err := Parse(WithTimestamp(5, EncodeSystem(IDConnectionLost, nil)))
	if err != nil || sys.ID != IDConnectionLost || sys.IsApplication() {
		t.Fatalf("timestamped system packet mismatch: %+v %v", sys, err)
	}
}

func TestParseMalformedPacketsAreDeterministic(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrEmptyPacket},
		{"app header truncated", []byte{byte(IDUserPacketEnum), 0, 1}, ErrTruncated},
		{"timestamp truncated", []byte{byte(IDTimestamp), 0, 0, 0}, ErrTruncated},
		{"timestamp without inner id", WithTimestamp(1, nil), ErrTruncated},
		{"nested timestamp", WithTimestamp(1, WithTimestamp(2, []byte{byte(IDConnectionLost)})), ErrNestedTimestamp},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestIDNames(t *testing.T) {
	if IDFCM2NewHost.String() != "fcm2_new_host" {
		t.Fatalf("unexpected name %q", IDFCM2NewHost.String())
	}
	if got := ID(0x7F).String(); got != "unknown(0x7f)" {
		t.Fatalf("unexpected unknown name %q", got)
	}
	if !IDReadyEventSet.IsSystem() || IDUserPacketEnum.IsSystem() {
		t.Fatalf("system range boundary mismatch")
	}
}

func TestRemoteConnectionListKeepsPairs(t *testing.T) {
	in := []RemoteConnection{
		{Address: "10.0.0.2:2500", GUID: uuid.New()},
		{Address: "10.0.0.3:2500", GUID: uuid.New()},
	}
	out, err := DecodeRemoteConnections(EncodeRemoteConnections(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[1] != in[1] {
		t.Fatalf("pairs mismatch: %+v", out)
	}
}

func TestPongCarriesBeaconVerbatim(t *testing.T) {
	beacon := []byte("name = 'lobby'")
	ms, got, err := DecodePong(EncodePong(99, beacon))
	if err != nil || ms != 99 || !bytes.Equal(got, beacon) {
		t.Fatalf("pong mismatch: %d %q %v", ms, got, err)
	}
	if _, _, err := DecodePong([]byte{1, 2}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncated pong, got %v", err)
	}
}

func TestPackageChunkValidatesIndex(t *testing.T) {
	raw := EncodePackageChunk(PackageChunk{Name: "map.pak", Index: 2, Total: 2, Data: []byte{1}})
	if _, err := DecodePackageChunk(raw); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected out of range chunk to fail, got %v", err)
	}
	ok := EncodePackageChunk(PackageChunk{Name: "map.pak", Index: 1, Total: 2, Data: []byte{1}})
	c, err := DecodePackageChunk(ok)
	if err != nil || c.Index != 1 || c.Name != "map.pak" {
		t.Fatalf("chunk mismatch: %+v %v", c, err)
	}
}

func TestRemoteEventRequiresName(t *testing.T) {
	if _, err := DecodeRemoteEvent(EncodeRemoteEvent(RemoteEvent{})); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected missing name, got %v", err)
	}
}
