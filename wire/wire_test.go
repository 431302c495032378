package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type tableStub struct {
	types map[TypeID]uint8 // type -> highest supported revision
}

func (s *tableStub) SupportsType(id TypeID) bool {
	_, ok := s.types[id]
	return ok
}

func (s *tableStub) SupportsRevision(id TypeID, revision uint8) bool {
	max, ok := s.types[id]
	return ok && revision >= 1 && revision <= max
}

func TestNewTypeIDIsStable(t *testing.T) {
	a := NewTypeID("OrderCreated")
	b := NewTypeID("OrderCreated")
	if a != b {
		t.Fatalf("same schema produced different ids: %s vs %s", a, b)
	}
	if a == NewTypeID("OrderDeleted") {
		t.Fatal("distinct schemas produced the same id")
	}
}

func TestEncodeLayout(t *testing.T) {
	f := Frame{Type: NewTypeID("Ping"), Revision: 3, Payload: []byte{0xAA, 0xBB}}
	raw := Encode(f)

	if len(raw) != HeaderSize+2 {
		t.Fatalf("unexpected frame size %d", len(raw))
	}
	if got := binary.BigEndian.Uint32(raw); got != 8+1+2 {
		t.Fatalf("length prefix = %d, want 11", got)
	}
	if got := TypeID(binary.BigEndian.Uint64(raw[4:])); got != f.Type {
		t.Fatalf("type tag = %s, want %s", got, f.Type)
	}
	if raw[12] != 3 {
		t.Fatalf("revision byte = %d, want 3", raw[12])
	}
	if !bytes.Equal(raw[13:], f.Payload) {
		t.Fatal("payload bytes differ")
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{nil, {}, {0x01}, bytes.Repeat([]byte{0x5A}, 1024)}
	var dec Decoder

	for _, payload := range payloads {
		f := Frame{Type: NewTypeID("Sample"), Revision: 1, Payload: payload}
		raw := Encode(f)

		got, n, err := dec.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(raw) {
			t.Fatalf("consumed %d of %d bytes", n, len(raw))
		}
		if got.Type != f.Type || got.Revision != f.Revision || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
		}
		if !bytes.Equal(Encode(got), raw) {
			t.Fatal("re-encoding decoded frame changed the bytes")
		}
	}
}

func TestDecodePartialAtEveryOffset(t *testing.T) {
	f := Frame{Type: NewTypeID("Partial"), Revision: 1, Payload: []byte("hello world")}
	raw := Encode(f)
	var dec Decoder

	for split := 0; split < len(raw); split++ {
		_, n, err := dec.Decode(raw[:split])
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("split %d: got %v, want ErrNeedMoreData", split, err)
		}
		if n != 0 {
			t.Fatalf("split %d: consumed %d bytes from a partial frame", split, n)
		}

		// Feeding the rest restores the original decode result.
		buf := append(append([]byte{}, raw[:split]...), raw[split:]...)
		got, n, err := dec.Decode(buf)
		if err != nil {
			t.Fatalf("split %d: decode after completion: %v", split, err)
		}
		if n != len(raw) || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("split %d: decode after completion mismatched", split)
		}
	}
}

func TestDecodePipelinedFrames(t *testing.T) {
	var buf []byte
	want := []Frame{
		{Type: NewTypeID("A"), Revision: 1, Payload: []byte("one")},
		{Type: NewTypeID("B"), Revision: 2, Payload: []byte("two")},
		{Type: NewTypeID("C"), Revision: 1, Payload: nil},
	}
	for _, f := range want {
		buf = Append(buf, f)
	}

	var dec Decoder
	frames, consumed, err := dec.DecodeAll(buf)
	if err != nil {
		t.Fatalf("decode all: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d of %d bytes", consumed, len(buf))
	}
	if len(frames) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Type != want[i].Type || f.Revision != want[i].Revision || !bytes.Equal(f.Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch: %+v vs %+v", i, f, want[i])
		}
	}
}

func TestDecodeDoesNotConsumeFollowingFrame(t *testing.T) {
	first := Encode(Frame{Type: NewTypeID("First"), Revision: 1, Payload: []byte("x")})
	second := Encode(Frame{Type: NewTypeID("Second"), Revision: 1, Payload: []byte("y")})
	buf := append(append([]byte{}, first...), second...)

	var dec Decoder
	_, n, err := dec.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(first) {
		t.Fatalf("consumed %d bytes, want %d", n, len(first))
	}

	got, _, err := dec.Decode(buf[n:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if string(got.Payload) != "y" {
		t.Fatalf("second frame payload = %q", got.Payload)
	}
}

func TestDecodeRejectsBadLengths(t *testing.T) {
	var dec Decoder

	short := binary.BigEndian.AppendUint32(nil, 4) // below tag+revision
	if _, _, err := dec.Decode(append(short, make([]byte, 16)...)); !errors.Is(err, ErrFrameTooShort) {
		t.Fatalf("short length: got %v", err)
	}

	dec.MaxFrameSize = 64
	huge := binary.BigEndian.AppendUint32(nil, 65)
	if _, _, err := dec.Decode(append(huge, make([]byte, 80)...)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized length: got %v", err)
	}
}

func TestDecodeChecksTypeTable(t *testing.T) {
	known := NewTypeID("Known")
	dec := Decoder{Types: &tableStub{types: map[TypeID]uint8{known: 2}}}

	if _, _, err := dec.Decode(Encode(Frame{Type: known, Revision: 2, Payload: []byte("ok")})); err != nil {
		t.Fatalf("supported frame rejected: %v", err)
	}

	_, _, err := dec.Decode(Encode(Frame{Type: NewTypeID("Mystery"), Revision: 1}))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: got %v", err)
	}
	if !IsDecodeError(err) {
		t.Fatal("unknown type error is not a DecodeError")
	}

	_, _, err = dec.Decode(Encode(Frame{Type: known, Revision: 3}))
	if !errors.Is(err, ErrUnsupportedRevision) {
		t.Fatalf("future revision: got %v", err)
	}
}

func TestDecodeAllStopsAtFailure(t *testing.T) {
	known := NewTypeID("Known")
	dec := Decoder{Types: &tableStub{types: map[TypeID]uint8{known: 1}}}

	good := Encode(Frame{Type: known, Revision: 1, Payload: []byte("fine")})
	bad := Encode(Frame{Type: NewTypeID("Nope"), Revision: 1})
	buf := append(append([]byte{}, good...), bad...)

	frames, consumed, err := dec.DecodeAll(buf)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("got %v, want unknown type", err)
	}
	if len(frames) != 1 || consumed != len(good) {
		t.Fatalf("frames=%d consumed=%d, want 1 frame and %d bytes", len(frames), consumed, len(good))
	}
}
