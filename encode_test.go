package grpcexport

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fullstorydev/grpcexport/framing"
)

func TestEncodeWrappedInt(t *testing.T) {
	enc, err := NewEncoder(int32(0))
	if err != nil {
		t.Fatalf("failed to create encoder: %v", err)
	}
	if !enc.Wraps() {
		t.Fatalf("primitive content should be wrapped")
	}
	payload, err := enc.Encode(int32(42))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x08, 0x2a}) {
		t.Fatalf("wrong payload: %x", payload)
	}
	ref, err := proto.Marshal(wrapperspb.Int32(42))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Equal(payload, ref) {
		t.Fatalf("payload %x differs from reference encoding %x", payload, ref)
	}
	framed, err := framing.Encode(payload, false)
	if err != nil {
		t.Fatalf("framing failed: %v", err)
	}
	if !bytes.Equal(framed, []byte{0x00, 0x00, 0x00, 0x00, 0x02, 0x08, 0x2a}) {
		t.Fatalf("wrong frame: %x", framed)
	}
}

func TestEncodeMatchesWrapperTypes(t *testing.T) {
	cases := []struct {
		prototype any
		value     any
		ref       proto.Message
	}{
		{int64(0), int64(-7), wrapperspb.Int64(-7)},
		{int32(0), int32(-1), wrapperspb.Int32(-1)},
		{uint32(0), uint32(300), wrapperspb.UInt32(300)},
		{uint64(0), uint64(1 << 40), wrapperspb.UInt64(1 << 40)},
		{false, true, wrapperspb.Bool(true)},
		{float32(0), float32(1.5), wrapperspb.Float(1.5)},
		{float64(0), 2.25, wrapperspb.Double(2.25)},
		{"", "héllo", wrapperspb.String("héllo")},
		{[]byte(nil), []byte{1, 2, 3}, wrapperspb.Bytes([]byte{1, 2, 3})},
	}
	for _, tc := range cases {
		enc, err := NewEncoder(tc.prototype)
		if err != nil {
			t.Fatalf("%T: failed to create encoder: %v", tc.prototype, err)
		}
		got, err := enc.Encode(tc.value)
		if err != nil {
			t.Fatalf("%T: encode failed: %v", tc.value, err)
		}
		want, _ := proto.Marshal(tc.ref)
		if !bytes.Equal(got, want) {
			t.Errorf("%T: got %x, want %x", tc.value, got, want)
		}
	}
}

func TestEncodeExplicitPresence(t *testing.T) {
	enc := MustEncoder(int32(0))
	payload, err := enc.Encode(int32(0))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// the well-known wrappers would omit the zero value
	if !bytes.Equal(payload, []byte{0x08, 0x00}) {
		t.Fatalf("zero value should still be emitted, got %x", payload)
	}
	var back wrapperspb.Int32Value
	if err := proto.Unmarshal(payload, &back); err != nil {
		t.Fatalf("reference decoder rejected payload: %v", err)
	}
	if back.Value != 0 {
		t.Fatalf("wrong value decoded: %d", back.Value)
	}
}

func TestEncodeFieldNumber(t *testing.T) {
	enc := MustEncoder("", WithFieldNumber(3))
	payload, err := enc.Encode("a")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(payload, []byte{0x1a, 0x01, 'a'}) {
		t.Fatalf("wrong payload: %x", payload)
	}
	if _, err := NewEncoder("", WithFieldNumber(0)); err == nil {
		t.Fatalf("field number 0 should be rejected")
	}
}

func TestEncodeMessagesAndNil(t *testing.T) {
	enc := MustEncoder((*structpb.Value)(nil))
	if enc.Wraps() {
		t.Fatalf("messages must not be wrapped")
	}
	v := structpb.NewStringValue("x")
	payload, err := enc.Encode(v)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want, _ := proto.Marshal(v)
	if !bytes.Equal(payload, want) {
		t.Fatalf("got %x, want %x", payload, want)
	}

	payload, err = enc.Encode(nil)
	if err != nil {
		t.Fatalf("encode of nil failed: %v", err)
	}
	if payload == nil || len(payload) != 0 {
		t.Fatalf("nil content should give an empty payload, got %x", payload)
	}

	if _, err := enc.Encode("not a message"); err == nil {
		t.Fatalf("expected error for non-message content")
	}
	if _, err := MustEncoder(int64(0)).Encode("nope"); err == nil {
		t.Fatalf("expected error for mismatched primitive")
	}
}

func TestNewEncoderRejects(t *testing.T) {
	for _, p := range []any{nil, struct{}{}, []int{1}, map[string]int{}} {
		if _, err := NewEncoder(p); err == nil {
			t.Errorf("expected %T to be rejected", p)
		}
	}
}
