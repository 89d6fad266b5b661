package coapmsg

import (
	"encoding/binary"
	"fmt"
)

// legalBlockSizes are the only byte counts a Block descriptor may
// advertise on the wire (spec §3, §8 property 3).
var legalBlockSizes = map[uint16]uint8{
	16: 0, 32: 1, 64: 2, 128: 3, 256: 4, 512: 5, 1024: 6,
}

var szxToSize = [7]uint16{16, 32, 64, 128, 256, 512, 1024}

// ErrInvalidBlockSize is returned when a block size is not a power of
// two in [16, 1024].
var ErrInvalidBlockSize = fmt.Errorf("coapmsg: block size must be one of 16,32,64,128,256,512,1024")

// BlockValue is the (number, more, size) triple carried by the Block1
// and Block2 options (RFC 7959 §2.2).
type BlockValue struct {
	Num  uint32
	More bool
	Size uint16
}

// NewBlockValue validates size and constructs a BlockValue.
func NewBlockValue(num uint32, more bool, size uint16) (BlockValue, error) {
	if _, ok := legalBlockSizes[size]; !ok {
		return BlockValue{}, ErrInvalidBlockSize
	}
	return BlockValue{Num: num, More: more, Size: size}, nil
}

// szx returns the on-wire size exponent (log2(size)-4).
func (b BlockValue) szx() (uint8, error) {
	szx, ok := legalBlockSizes[b.Size]
	if !ok {
		return 0, ErrInvalidBlockSize
	}
	return szx, nil
}

// SizeFromSZX converts an on-wire exponent back to a byte count.
func SizeFromSZX(szx uint8) (uint16, error) {
	if szx > 6 {
		return 0, ErrInvalidBlockSize
	}
	return szxToSize[szx], nil
}

// IsElidable reports whether this descriptor is semantically "no
// block-wise transfer" and may be omitted from the wire (spec §4.2).
func (b BlockValue) IsElidable() bool {
	return b.Num == 0 && !b.More
}

// encodeBlockValue packs a BlockValue into its wire bytes. Per spec
// §3 the encoding uses exactly 1, 2, or 4 bytes depending on the
// magnitude of Num (<16, <4096, <2^28) -- the fourth byte is this
// core's extension beyond RFC 7959's 3-byte ceiling, enabling block
// numbers up to 2^28.
func encodeBlockValue(b BlockValue) ([]byte, error) {
	szx, err := b.szx()
	if err != nil {
		return nil, err
	}
	if b.Num >= 1<<28 {
		return nil, fmt.Errorf("coapmsg: block number %d exceeds 2^28", b.Num)
	}

	v := b.Num << 4
	if b.More {
		v |= 1 << 3
	}
	v |= uint32(szx)

	switch {
	case b.Num < 16:
		return []byte{byte(v)}, nil
	case b.Num < 4096:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf, nil
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, v)
		return buf, nil
	}
}

// decodeBlockValue unpacks the wire bytes of a Block1/Block2 option.
// 1, 2, 3 and 4 byte encodings are all accepted for interoperability
// with RFC 7959's canonical 3-byte ceiling; this core only ever emits
// 1, 2 or 4 byte forms (see encodeBlockValue).
func decodeBlockValue(raw []byte) (BlockValue, error) {
	var v uint32
	switch len(raw) {
	case 0:
		v = 0
	case 1:
		v = uint32(raw[0])
	case 2:
		v = uint32(binary.BigEndian.Uint16(raw))
	case 3:
		v = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	case 4:
		v = binary.BigEndian.Uint32(raw)
	default:
		return BlockValue{}, fmt.Errorf("coapmsg: invalid block option length %d", len(raw))
	}

	szx := uint8(v & 0x7)
	more := v&0x8 != 0
	num := v >> 4
	size, err := SizeFromSZX(szx)
	if err != nil {
		return BlockValue{}, err
	}
	return BlockValue{Num: num, More: more, Size: size}, nil
}
