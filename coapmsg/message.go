package coapmsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	extByteCode   = 13
	extByteAddend = 13
	extWordCode   = 14
	extWordAddend = 269
	extReserved   = 15
)

// Message is an immutable-by-convention CoAP message (spec §3). Every
// transformation (WithX) returns a new value; callers that need to
// mutate Options in place should clone it first via CloneOptions.
type Message struct {
	Version   uint8
	Type      Type
	Code      Code
	Token     []byte
	MessageID uint16
	Options   Options
	Payload   []byte

	// wireSize is the raw byte length of the datagram this Message was
	// decoded from, kept for observability (spec §4.1).
	wireSize int
}

// NewMessage builds a Message with protocol version 1 and empty
// options, ready for further WithX configuration.
func NewMessage(t Type, code Code) Message {
	return Message{Version: 1, Type: t, Code: code, Options: Options{}}
}

// WithToken returns a copy of m carrying the given token (0-8 bytes).
func (m Message) WithToken(tok []byte) Message {
	m.Token = append([]byte(nil), tok...)
	return m
}

// WithMessageID returns a copy of m carrying the given message-id.
func (m Message) WithMessageID(id uint16) Message {
	m.MessageID = id
	return m
}

// WithOptions returns a copy of m carrying opts as its option set.
func (m Message) WithOptions(opts Options) Message {
	m.Options = opts
	return m
}

// WithPayload returns a copy of m carrying the given payload.
func (m Message) WithPayload(p []byte) Message {
	m.Payload = append([]byte(nil), p...)
	return m
}

// Retransmission returns a copy of m suitable for a retry: the
// message-id and token are preserved, matching spec §3 ("Retransmitted
// messages preserve message-id and token").
func (m Message) Retransmission() Message {
	return m
}

// CloneOptions returns a copy of m with a deep-cloned Options map, so
// the clone's option mutations don't alias the original.
func (m Message) CloneOptions() Message {
	m.Options = m.Options.clone()
	return m
}

// Method returns the lower-case method name when m is a request.
func (m Message) Method() (string, bool) {
	if m.Code.Class() != 0 {
		return "", false
	}
	return m.Code.Method()
}

// IsRequest reports whether m's code is in class 0 (spec §3).
func (m Message) IsRequest() bool {
	return m.Code.Class() == 0 && m.Code != Empty
}

// Status returns the (class, detail) reply code for m when it is not
// a request.
func (m Message) Status() (class, detail uint8, ok bool) {
	if m.IsRequest() {
		return 0, 0, false
	}
	return m.Code.Class(), m.Code.Detail(), true
}

// Size returns the raw datagram length this Message was decoded from,
// or 0 for a Message built in-process and not yet marshaled.
func (m Message) Size() int { return m.wireSize }

func (m Message) String() string {
	return fmt.Sprintf("coapmsg.Message{Type:%s Code:%s MessageID:%d Token:%x Payload:%d bytes}",
		m.Type, m.Code, m.MessageID, m.Token, len(m.Payload))
}

// MarshalBinary produces the RFC 7252 wire form of m.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("coapmsg: token length %d exceeds 8", len(m.Token))
	}
	if err := m.Options.validate(); err != nil {
		return nil, err
	}

	buf := bytes.Buffer{}
	buf.WriteByte((1 << 6) | (uint8(m.Type) << 4) | uint8(len(m.Token)&0xf))
	buf.WriteByte(byte(m.Code))
	var midBuf [2]byte
	binary.BigEndian.PutUint16(midBuf[:], m.MessageID)
	buf.Write(midBuf[:])
	buf.Write(m.Token)

	ids := make([]int, 0, len(m.Options))
	for id := range m.Options {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	prev := 0
	for _, idInt := range ids {
		id := OptionID(idInt)
		for _, v := range m.Options[id] {
			raw := v.AsBytes()
			writeOptionHeader(&buf, int(id)-prev, len(raw))
			buf.Write(raw)
			prev = int(id)
		}
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

func extendOpt(v int) (nibble, ext int) {
	switch {
	case v >= extWordAddend:
		return extWordCode, v - extWordAddend
	case v >= extByteAddend:
		return extByteCode, v - extByteAddend
	default:
		return v, 0
	}
}

func writeOptionHeader(buf *bytes.Buffer, delta, length int) {
	d, dx := extendOpt(delta)
	l, lx := extendOpt(length)

	buf.WriteByte(byte(d<<4) | byte(l))

	writeExt := func(code, ext int) {
		switch code {
		case extByteCode:
			buf.WriteByte(byte(ext))
		case extWordCode:
			var tmp [2]byte
			binary.BigEndian.PutUint16(tmp[:], uint16(ext))
			buf.Write(tmp[:])
		}
	}
	writeExt(d, dx)
	writeExt(l, lx)
}

// ParseMessage decodes a single datagram into a Message, or returns a
// *MalformedError naming the sub-reason (spec §4.1 decoding contract).
func ParseMessage(data []byte) (Message, error) {
	m := Message{wireSize: len(data)}

	if len(data) < 4 {
		return Message{}, &MalformedError{Reason: ShortHeader}
	}

	m.Version = data[0] >> 6
	m.Type = Type((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > 8 {
		return Message{}, &MalformedError{Reason: BadTokenLength}
	}

	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	rest := data[4:]
	if len(rest) < tkl {
		return Message{}, &MalformedError{Reason: BadTokenLength}
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), rest[:tkl]...)
	}
	rest = rest[tkl:]

	opts := Options{}
	prev := 0

	readExt := func(code int) (int, error) {
		switch code {
		case extByteCode:
			if len(rest) < 1 {
				return 0, fmt.Errorf("truncated")
			}
			v := int(rest[0]) + extByteAddend
			rest = rest[1:]
			return v, nil
		case extWordCode:
			if len(rest) < 2 {
				return 0, fmt.Errorf("truncated")
			}
			v := int(binary.BigEndian.Uint16(rest[:2])) + extWordAddend
			rest = rest[2:]
			return v, nil
		}
		return code, nil
	}

	for len(rest) > 0 {
		if rest[0] == 0xff {
			rest = rest[1:]
			if len(rest) == 0 {
				return Message{}, &MalformedError{Reason: TrailingAfterPayloadMarker}
			}
			break
		}

		deltaNibble := int(rest[0] >> 4)
		lengthNibble := int(rest[0] & 0x0f)
		rest = rest[1:]

		if deltaNibble == extReserved {
			return Message{}, &MalformedError{Reason: BadOptionDelta}
		}
		if lengthNibble == extReserved {
			return Message{}, &MalformedError{Reason: BadOptionLength}
		}

		delta, err := readExt(deltaNibble)
		if err != nil {
			return Message{}, &MalformedError{Reason: BadOptionDelta}
		}
		length, err := readExt(lengthNibble)
		if err != nil {
			return Message{}, &MalformedError{Reason: BadOptionLength}
		}

		if len(rest) < length {
			return Message{}, &MalformedError{Reason: BadOptionLength}
		}

		id := OptionID(prev + delta)
		val := rest[:length]
		rest = rest[length:]
		prev = int(id)

		if id == IfNoneMatch {
			// Any If-None-Match on the wire counts as present
			// (boolean true), whatever its length.
			opts.Set(id, EmptyValue())
			continue
		}

		def := defOf(id)
		if length < def.MinLength || length > def.MaxLength {
			if id.Critical() {
				return Message{}, &MalformedError{Reason: BadOptionLength}
			}
			// Elective options with an illegal length are silently
			// ignored (RFC 7252 §5.4.1/§5.4.3).
			continue
		}

		opts.Add(id, rawOptionValue(def.Kind, val))
	}

	m.Options = opts
	m.Payload = append([]byte(nil), rest...)
	return m, nil
}

func rawOptionValue(kind ValueKind, raw []byte) OptionValue {
	switch kind {
	case KindUint:
		return UintValue(decodeUint(raw))
	case KindString:
		return StringValue(string(raw))
	case KindEmpty:
		return EmptyValue()
	case KindBlock:
		bv, err := decodeBlockValue(raw)
		if err != nil {
			return OpaqueValue(raw)
		}
		return BlockOptionValue(bv)
	default:
		return OpaqueValue(raw)
	}
}
