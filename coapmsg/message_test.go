package coapmsg

import (
	"bytes"
	"testing"
)

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	opts := Options{}
	opts.SetPath([]string{"sensors", "temp"})
	opts.Set(ContentFormat, UintValue(uint64(TextPlain)))

	m := NewMessage(Confirmable, GET).
		WithToken([]byte{0xde, 0xad}).
		WithMessageID(0x1234).
		WithOptions(opts).
		WithPayload([]byte("hello"))

	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if got.Type != Confirmable || got.Code != GET || got.MessageID != 0x1234 {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Token, []byte{0xde, 0xad}) {
		t.Errorf("token mismatch: %x", got.Token)
	}
	if !bytes.Equal(got.Payload, []byte("hello")) {
		t.Errorf("payload mismatch: %q", got.Payload)
	}
	if got.Size() != len(raw) {
		t.Errorf("Size() = %d, want %d", got.Size(), len(raw))
	}

	gotPath := got.Options.Path()
	if len(gotPath) != 2 || gotPath[0] != "sensors" || gotPath[1] != "temp" {
		t.Errorf("decoded path = %v", gotPath)
	}
}

func TestMessageHeaderLayout(t *testing.T) {
	m := NewMessage(NonConfirmable, Content).WithMessageID(1)
	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("expected 4-byte header-only datagram, got %d bytes", len(raw))
	}
	if raw[0] != (1<<6)|(uint8(NonConfirmable)<<4) {
		t.Errorf("first byte = %08b", raw[0])
	}
	if Code(raw[1]) != Content {
		t.Errorf("code byte = %d, want %d", raw[1], Content)
	}
}

func TestParseMessageShortHeader(t *testing.T) {
	_, err := ParseMessage([]byte{0x40, 0x01, 0x00})
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != ShortHeader {
		t.Errorf("expected ShortHeader, got %v", err)
	}
}

func TestParseMessageBadTokenLength(t *testing.T) {
	// TKL nibble = 9, which is reserved/illegal.
	_, err := ParseMessage([]byte{0x49, 0x01, 0x00, 0x01})
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != BadTokenLength {
		t.Errorf("expected BadTokenLength, got %v", err)
	}
}

func TestParseMessageTruncatedToken(t *testing.T) {
	// TKL = 4 but only 1 byte of token data follows.
	_, err := ParseMessage([]byte{0x44, 0x01, 0x00, 0x01, 0xaa})
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != BadTokenLength {
		t.Errorf("expected BadTokenLength, got %v", err)
	}
}

func TestParseMessageReservedOptionDelta(t *testing.T) {
	header := []byte{0x40, 0x01, 0x00, 0x01}
	reservedOpt := []byte{0xf0}
	_, err := ParseMessage(append(header, reservedOpt...))
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != BadOptionDelta {
		t.Errorf("expected BadOptionDelta, got %v", err)
	}
}

func TestParseMessageEmptyPayloadAfterMarker(t *testing.T) {
	header := []byte{0x40, 0x01, 0x00, 0x01}
	_, err := ParseMessage(append(header, 0xff))
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != TrailingAfterPayloadMarker {
		t.Errorf("expected TrailingAfterPayloadMarker, got %v", err)
	}
}

func TestMessageOptionExtendedDeltaAndLength(t *testing.T) {
	// A Uri-Path segment long enough to need the 1-byte extended
	// length, followed by Size1 (60), whose delta of 49 from Uri-Path
	// (11) needs the 1-byte extended delta.
	long := make([]byte, 30)
	for i := range long {
		long[i] = 'a'
	}
	opts := Options{}
	opts.Add(URIPath, StringValue(string(long)))
	opts.Set(Size1, UintValue(300))

	m := NewMessage(Confirmable, GET).WithOptions(opts).WithMessageID(7)
	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.Options.Path()[0] != string(long) {
		t.Errorf("decoded long path segment mismatch")
	}
	if v, ok := got.Options.Get(Size1); !ok || v.AsUint() != 300 {
		t.Errorf("decoded Size1 = %d (present %v), want 300", v.AsUint(), ok)
	}
}

func TestMessageBlockOptionRoundTrip(t *testing.T) {
	bv, err := NewBlockValue(5, true, 64)
	if err != nil {
		t.Fatalf("NewBlockValue: %v", err)
	}
	opts := Options{}
	opts.Set(Block2, BlockOptionValue(bv))

	m := NewMessage(Acknowledgement, Content).WithOptions(opts).WithMessageID(9)
	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	v, ok := got.Options.Get(Block2)
	if !ok {
		t.Fatal("expected Block2 option present")
	}
	decoded, err := v.AsBlock()
	if err != nil {
		t.Fatalf("AsBlock: %v", err)
	}
	if decoded != bv {
		t.Errorf("decoded block = %+v, want %+v", decoded, bv)
	}
}

func TestMessageIsRequestAndMethod(t *testing.T) {
	req := NewMessage(Confirmable, POST)
	if !req.IsRequest() {
		t.Error("expected POST to be a request")
	}
	if m, ok := req.Method(); !ok || m != "post" {
		t.Errorf("Method() = %q, %v", m, ok)
	}

	resp := NewMessage(Acknowledgement, Content)
	if resp.IsRequest() {
		t.Error("expected Content response to not be a request")
	}
	class, detail, ok := resp.Status()
	if !ok || class != 2 || detail != 5 {
		t.Errorf("Status() = %d,%d,%v", class, detail, ok)
	}
}
