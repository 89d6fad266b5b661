// Package blockwise segments and reassembles payloads too large for a
// single datagram, per RFC 7959's Block1/Block2 options.
package blockwise

import (
	"fmt"
	"sort"

	"github.com/coapcore/coapcore/coapmsg"
	"github.com/sirupsen/logrus"
)

// ErrBlockConflict is returned by Reassembler.Put when a later block
// disagrees with bytes already accumulated at the same offset.
var ErrBlockConflict = fmt.Errorf("blockwise: conflicting block payload at overlapping offset")

// ErrIncomplete is returned by Reassembler.Bytes before the final
// block (more=false) has arrived, or when a gap remains.
var ErrIncomplete = fmt.Errorf("blockwise: reassembly incomplete")

// Segmenter slices a byte payload into the fixed-size blocks an
// outbound block-wise transfer sends one at a time (spec.md §4.2).
type Segmenter struct {
	Body []byte
	Size uint16
}

// NewSegmenter validates size against the legal block sizes and
// returns a ready Segmenter.
func NewSegmenter(body []byte, size uint16) (*Segmenter, error) {
	if _, err := coapmsg.NewBlockValue(0, false, size); err != nil {
		return nil, err
	}
	return &Segmenter{Body: body, Size: size}, nil
}

// NumBlocks returns how many blocks Body splits into at Size.
func (s *Segmenter) NumBlocks() int {
	if len(s.Body) == 0 {
		return 1
	}
	return (len(s.Body) + int(s.Size) - 1) / int(s.Size)
}

// Segment returns the nth block's payload and its Block descriptor.
// n is 0-indexed; a request for n beyond the last block returns an
// error.
func (s *Segmenter) Segment(n int) ([]byte, coapmsg.BlockValue, error) {
	if n < 0 || n >= s.NumBlocks() {
		return nil, coapmsg.BlockValue{}, fmt.Errorf("blockwise: block %d out of range (have %d)", n, s.NumBlocks())
	}
	start := n * int(s.Size)
	end := start + int(s.Size)
	if end > len(s.Body) {
		end = len(s.Body)
	}
	desc, err := coapmsg.NewBlockValue(uint32(n), end < len(s.Body), s.Size)
	if err != nil {
		return nil, coapmsg.BlockValue{}, err
	}
	return s.Body[start:end], desc, nil
}

// block is one accumulated fragment at a known byte offset.
type block struct {
	offset int64
	data   []byte
}

// Reassembler accumulates the blocks of an inbound block-wise
// transfer, keyed by byte offset so that out-of-order or retried
// delivery is tolerated (spec.md §4.2).
type Reassembler struct {
	blocks map[int64]block
	done   bool
	log    *logrus.Entry
}

// NewReassembler returns an empty Reassembler. log may be nil.
func NewReassembler(log *logrus.Entry) *Reassembler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reassembler{blocks: map[int64]block{}, log: log}
}

// Put records one inbound block. num is the block number as carried
// on the wire; size is the block size (bytes) used to compute its
// byte offset. more is false on the final block of the transfer.
func (r *Reassembler) Put(num int64, more bool, size uint16, data []byte) error {
	offset := num * int64(size)
	if existing, ok := r.blocks[offset]; ok {
		if len(existing.data) != len(data) || string(existing.data) != string(data) {
			r.log.WithField("offset", offset).Warn("blockwise: conflicting retransmission")
			return ErrBlockConflict
		}
		return nil
	}
	r.blocks[offset] = block{offset: offset, data: append([]byte(nil), data...)}
	if !more {
		r.done = true
	}
	return nil
}

// Done reports whether the final block (more=false) has been
// received. It does not by itself guarantee there are no gaps; call
// Bytes to verify contiguity.
func (r *Reassembler) Done() bool { return r.done }

// Bytes concatenates the accumulated blocks in offset order, failing
// if the final block hasn't arrived or a gap exists between offsets.
func (r *Reassembler) Bytes() ([]byte, error) {
	if !r.done {
		return nil, ErrIncomplete
	}

	offsets := make([]int64, 0, len(r.blocks))
	for off := range r.blocks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var out []byte
	var want int64
	for _, off := range offsets {
		if off != want {
			return nil, fmt.Errorf("%w: gap at offset %d", ErrIncomplete, want)
		}
		b := r.blocks[off]
		out = append(out, b.data...)
		want += int64(len(b.data))
	}
	return out, nil
}
