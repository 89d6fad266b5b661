package exchange

import (
	"math/rand"
	"time"
)

// Clock abstracts wall-clock time and timer scheduling so retransmit
// timing can be driven deterministically in tests (spec.md §9 Design
// Notes: "Time source").
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Rand abstracts the source of randomness used to jitter the initial
// retransmit timeout.
type Rand interface {
	Float64() float64
}

// systemClock delegates to the time package.
type systemClock struct{}

func (systemClock) Now() time.Time                       { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the default Clock, backed by the time package.
var SystemClock Clock = systemClock{}

// systemRand delegates to math/rand's top-level source.
type systemRand struct {
	r *rand.Rand
}

func (s systemRand) Float64() float64 { return s.r.Float64() }

// NewSystemRand returns a Rand seeded from the current time.
func NewSystemRand() Rand {
	return systemRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}
