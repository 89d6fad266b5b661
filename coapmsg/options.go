package coapmsg

import (
	"encoding/binary"
	"fmt"
)

// ValueKind tags the wire shape of an option value (spec §9 Design
// Notes: "Option maps with mixed value shapes").
type ValueKind uint8

const (
	KindOpaque ValueKind = iota
	KindUint
	KindString
	KindBlock
	KindEmpty
)

// OptionDef describes how a known option number is validated and
// formatted. Unknown option numbers default to KindOpaque (spec §4.1).
type OptionDef struct {
	Kind       ValueKind
	MinLength  int
	MaxLength  int
	Repeatable bool
}

var optionDefs = map[OptionID]OptionDef{
	IfMatch:       {Kind: KindOpaque, MinLength: 0, MaxLength: 8, Repeatable: true},
	URIHost:       {Kind: KindString, MinLength: 1, MaxLength: 255},
	ETag:          {Kind: KindOpaque, MinLength: 1, MaxLength: 8, Repeatable: true},
	IfNoneMatch:   {Kind: KindEmpty, MinLength: 0, MaxLength: 0},
	Observe:       {Kind: KindUint, MinLength: 0, MaxLength: 3},
	URIPort:       {Kind: KindUint, MinLength: 0, MaxLength: 2},
	LocationPath:  {Kind: KindString, MinLength: 0, MaxLength: 255, Repeatable: true},
	URIPath:       {Kind: KindString, MinLength: 0, MaxLength: 255, Repeatable: true},
	ContentFormat: {Kind: KindUint, MinLength: 0, MaxLength: 2},
	MaxAge:        {Kind: KindUint, MinLength: 0, MaxLength: 4},
	URIQuery:      {Kind: KindString, MinLength: 0, MaxLength: 255, Repeatable: true},
	Accept:        {Kind: KindUint, MinLength: 0, MaxLength: 2},
	LocationQuery: {Kind: KindString, MinLength: 0, MaxLength: 255, Repeatable: true},
	Block2:        {Kind: KindBlock, MinLength: 0, MaxLength: 4},
	Block1:        {Kind: KindBlock, MinLength: 0, MaxLength: 4},
	Size2:         {Kind: KindUint, MinLength: 0, MaxLength: 4},
	ProxyURI:      {Kind: KindString, MinLength: 1, MaxLength: 1034},
	ProxyScheme:   {Kind: KindString, MinLength: 1, MaxLength: 255},
	Size1:         {Kind: KindUint, MinLength: 0, MaxLength: 4},
}

func defOf(id OptionID) OptionDef {
	if def, ok := optionDefs[id]; ok {
		return def
	}
	// Unrecognized option numbers default to an opaque byte string
	// (spec §4.1) and may repeat if the caller asks for it.
	return OptionDef{Kind: KindOpaque, MinLength: 0, MaxLength: 1034}
}

// OptionValue is one instance of an option's value, tagged by kind.
type OptionValue struct {
	kind  ValueKind
	bytes []byte
	block BlockValue
}

func OpaqueValue(b []byte) OptionValue { return OptionValue{kind: KindOpaque, bytes: append([]byte(nil), b...)} }
func StringValue(s string) OptionValue { return OptionValue{kind: KindString, bytes: []byte(s)} }
func EmptyValue() OptionValue          { return OptionValue{kind: KindEmpty} }

// UintValue encodes v as the shortest big-endian representation,
// empty for zero (spec §4.1 encoding contract).
func UintValue(v uint64) OptionValue {
	return OptionValue{kind: KindUint, bytes: encodeUint(v)}
}

func BlockOptionValue(b BlockValue) OptionValue {
	return OptionValue{kind: KindBlock, block: b}
}

// ContentFormatValue resolves name (e.g. "application/json") through
// the fixed content-format table and encodes it as a Uint option
// value, so callers can set Content-Format/Accept by name instead of
// by registry number (spec §4.1's "Content-format with string value
// is mapped through a fixed table").
func ContentFormatValue(name string) (OptionValue, error) {
	mt, ok := MediaTypeByName(name)
	if !ok {
		return OptionValue{}, fmt.Errorf("coapmsg: unknown content-format %q", name)
	}
	return UintValue(uint64(mt)), nil
}

func (v OptionValue) Kind() ValueKind { return v.kind }

func (v OptionValue) AsBytes() []byte {
	if v.kind == KindBlock {
		raw, _ := encodeBlockValue(v.block)
		return raw
	}
	return append([]byte(nil), v.bytes...)
}

func (v OptionValue) AsString() string { return string(v.bytes) }

func (v OptionValue) AsUint() uint64 { return decodeUint(v.bytes) }

func (v OptionValue) AsBlock() (BlockValue, error) {
	if v.kind == KindBlock {
		return v.block, nil
	}
	return decodeBlockValue(v.bytes)
}

func encodeUint(v uint64) []byte {
	if v == 0 {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func decodeUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}

// Options maps an option number to its ordered sequence of values.
// Encoding always sorts by numeric key; within one key, the slice
// order is the wire order (preserved on decode, respected on encode).
type Options map[OptionID][]OptionValue

// Add appends a value, preserving any values already present. Use for
// repeatable options; for non-repeatable options prefer Set.
func (o Options) Add(id OptionID, v OptionValue) {
	o[id] = append(o[id], v)
}

// Set replaces all values for id with the single value v.
func (o Options) Set(id OptionID, v OptionValue) {
	o[id] = []OptionValue{v}
}

// Get returns the first value for id, or (_, false) if absent.
func (o Options) Get(id OptionID) (OptionValue, bool) {
	vs, ok := o[id]
	if !ok || len(vs) == 0 {
		return OptionValue{}, false
	}
	return vs[0], true
}

// All returns every value for id in wire order.
func (o Options) All(id OptionID) []OptionValue {
	return o[id]
}

// Del removes every value for id.
func (o Options) Del(id OptionID) {
	delete(o, id)
}

// Path returns the Uri-Path segments in order.
func (o Options) Path() []string {
	var segs []string
	for _, v := range o[URIPath] {
		segs = append(segs, v.AsString())
	}
	return segs
}

// SetPath replaces the Uri-Path with the given segments, dropping
// empty fragments (spec §4.5 URL parsing: "empty fragments discarded").
func (o Options) SetPath(segs []string) {
	o.Del(URIPath)
	for _, s := range segs {
		if s == "" {
			continue
		}
		o.Add(URIPath, StringValue(s))
	}
}

// Query returns the Uri-Query entries in order.
func (o Options) Query() []string {
	var qs []string
	for _, v := range o[URIQuery] {
		qs = append(qs, v.AsString())
	}
	return qs
}

// Clone returns a deep copy of o, safe to mutate independently.
func (o Options) Clone() Options { return o.clone() }

func (o Options) clone() Options {
	dup := make(Options, len(o))
	for id, vs := range o {
		cp := make([]OptionValue, len(vs))
		copy(cp, vs)
		dup[id] = cp
	}
	return dup
}

// validate checks every value against its option's length bounds and
// format, returning a MalformedError on the first length violation
// (critical or elective option alike), or an error when If-None-Match
// carries anything but the empty marker.
func (o Options) validate() error {
	for id, vs := range o {
		def := defOf(id)
		for _, v := range vs {
			n := len(v.AsBytes())
			if n < def.MinLength || n > def.MaxLength {
				return &MalformedError{Reason: BadOptionLength}
			}
			if id == IfNoneMatch && v.kind != KindEmpty {
				return fmt.Errorf("coapmsg: if-none-match must be the boolean marker, not a value")
			}
		}
	}
	return nil
}
