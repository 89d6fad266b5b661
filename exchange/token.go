package exchange

import (
	"math/rand"
	"sync"
	"time"
)

// TokenGenerator produces the client-side token carried by a request,
// adapted from the teacher's coap.TokenGenerator.
type TokenGenerator interface {
	NextToken() []byte
}

// RandomTokenGenerator returns 4-byte tokens combining a random fill
// with a sequence counter, so two tokens are never identical even if
// the random source repeats within a short window.
type RandomTokenGenerator struct {
	mu      sync.Mutex
	lastSeq uint8
	rand    *rand.Rand
}

func NewRandomTokenGenerator() TokenGenerator {
	return &RandomTokenGenerator{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (t *RandomTokenGenerator) NextToken() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := make([]byte, 4)
	t.rand.Read(tok)
	t.lastSeq++
	tok[0] = t.lastSeq
	return tok
}

// CountingTokenGenerator issues 1-byte tokens that count up from 1,
// for deterministic tests.
type CountingTokenGenerator struct {
	mu      sync.Mutex
	lastSeq uint8
}

func NewCountingTokenGenerator() TokenGenerator {
	return &CountingTokenGenerator{}
}

func (t *CountingTokenGenerator) NextToken() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeq++
	return []byte{t.lastSeq}
}

// MessageIDCounter hands out message-ids mod 2^16, wrapping to 1
// instead of 0, seeded randomly at creation (spec.md §3 "next-message-
// id counter"). An Exchange owns one for its client-side outbound
// messages; a Server owns a separate one for server-initiated separate
// responses, which are not tied to any one Exchange's lifetime.
type MessageIDCounter struct {
	mu   sync.Mutex
	next uint16
}

// NewMessageIDCounter seeds a counter from r, per spec.md §3's "seeded
// randomly at creation".
func NewMessageIDCounter(r Rand) *MessageIDCounter {
	seed := uint16(r.Float64()*65534) + 1
	return &MessageIDCounter{next: seed}
}

// Next returns the next message-id and advances the counter, wrapping
// to 1 instead of 0 (spec.md's testable property 7: monotonic mid).
func (c *MessageIDCounter) Next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	if c.next == 0 {
		c.next = 1
	}
	return id
}
