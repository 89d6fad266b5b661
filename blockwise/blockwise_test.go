package blockwise

import (
	"bytes"
	"testing"
)

func TestSegmenterNumBlocks(t *testing.T) {
	s, err := NewSegmenter(make([]byte, 250), 64)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	if s.NumBlocks() != 4 {
		t.Errorf("NumBlocks() = %d, want 4", s.NumBlocks())
	}
}

func TestSegmenterSegmentBoundaries(t *testing.T) {
	body := bytes.Repeat([]byte{1, 2, 3, 4}, 20) // 80 bytes
	s, err := NewSegmenter(body, 32)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}

	b0, d0, err := s.Segment(0)
	if err != nil || len(b0) != 32 || !d0.More {
		t.Fatalf("block 0: %v %v %v", len(b0), d0, err)
	}
	b1, d1, err := s.Segment(1)
	if err != nil || len(b1) != 32 || !d1.More {
		t.Fatalf("block 1: %v %v %v", len(b1), d1, err)
	}
	b2, d2, err := s.Segment(2)
	if err != nil || len(b2) != 16 || d2.More {
		t.Fatalf("block 2 (last): %v %v %v", len(b2), d2, err)
	}

	if _, _, err := s.Segment(3); err == nil {
		t.Error("expected error requesting block past the end")
	}
}

func TestSegmenterEmptyBody(t *testing.T) {
	s, err := NewSegmenter(nil, 16)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	if s.NumBlocks() != 1 {
		t.Fatalf("NumBlocks() = %d, want 1", s.NumBlocks())
	}
	b, d, err := s.Segment(0)
	if err != nil || len(b) != 0 || d.More {
		t.Fatalf("empty body single block: %v %v %v", b, d, err)
	}
}

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler(nil)
	if err := r.Put(0, true, 16, bytes.Repeat([]byte{0xaa}, 16)); err != nil {
		t.Fatalf("Put 0: %v", err)
	}
	if r.Done() {
		t.Error("expected not done after a more=true block")
	}
	if err := r.Put(1, false, 16, bytes.Repeat([]byte{0xbb}, 8)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if !r.Done() {
		t.Error("expected done after final block")
	}
	got, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(got) != 24 {
		t.Errorf("reassembled length = %d, want 24", len(got))
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := NewReassembler(nil)
	_ = r.Put(1, false, 16, bytes.Repeat([]byte{0xbb}, 16))
	_ = r.Put(0, true, 16, bytes.Repeat([]byte{0xaa}, 16))

	got, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := append(bytes.Repeat([]byte{0xaa}, 16), bytes.Repeat([]byte{0xbb}, 16)...)
	if !bytes.Equal(got, want) {
		t.Errorf("reassembled mismatch")
	}
}

func TestReassemblerDuplicateRetransmission(t *testing.T) {
	r := NewReassembler(nil)
	payload := bytes.Repeat([]byte{0xaa}, 16)
	if err := r.Put(0, true, 16, payload); err != nil {
		t.Fatalf("Put 0: %v", err)
	}
	// Identical retransmission of the same block must be tolerated.
	if err := r.Put(0, true, 16, payload); err != nil {
		t.Errorf("Put duplicate identical block: %v", err)
	}
}

func TestReassemblerConflictingRetransmission(t *testing.T) {
	r := NewReassembler(nil)
	if err := r.Put(0, true, 16, bytes.Repeat([]byte{0xaa}, 16)); err != nil {
		t.Fatalf("Put 0: %v", err)
	}
	if err := r.Put(0, true, 16, bytes.Repeat([]byte{0xbb}, 16)); err != ErrBlockConflict {
		t.Errorf("expected ErrBlockConflict, got %v", err)
	}
}

func TestReassemblerGapDetected(t *testing.T) {
	r := NewReassembler(nil)
	_ = r.Put(0, true, 16, bytes.Repeat([]byte{0xaa}, 16))
	_ = r.Put(2, false, 16, bytes.Repeat([]byte{0xcc}, 16))
	if _, err := r.Bytes(); err == nil {
		t.Error("expected gap error when block 1 is missing")
	}
}

func TestReassemblerIncompleteBeforeFinalBlock(t *testing.T) {
	r := NewReassembler(nil)
	_ = r.Put(0, true, 16, bytes.Repeat([]byte{0xaa}, 16))
	if _, err := r.Bytes(); err != ErrIncomplete {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
}
