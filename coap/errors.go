package coap

import (
	"errors"
	"fmt"
)

// Protocol errors (spec.md §7 "Protocol"). All but ErrBlockConflict
// are returned before any Exchange is started; ErrBlockConflict comes
// from a block-wise transfer already under way.
var (
	ErrUnsupportedScheme = errors.New("coap: unsupported URL scheme")
	ErrInvalidURL        = errors.New("coap: invalid URL")
	ErrInvalidMethod     = errors.New("coap: invalid method")
	ErrDTLSUnsupported = errors.New("coap: coaps scheme parsed but DTLS handshake is outside this core")
	ErrBlockConflict   = errors.New("coap: conflicting block-wise retransmission")
)

// Reliability errors, surfaced once the Exchange terminates (spec.md
// §7 "Reliability").
var (
	ErrReset   = errors.New("coap: peer sent reset")
	ErrTimeout = errors.New("coap: timed out awaiting response")
)

// coapError is a minimal net.Error-compatible wrapper, grounded on
// the teacher's coap/errors.go.
type coapError struct {
	msg     string
	timeout bool
}

func (e *coapError) Error() string   { return e.msg }
func (e *coapError) Timeout() bool   { return e.timeout }
func (e *coapError) Temporary() bool { return true }

func wrapError(err error, msg string) error {
	return fmt.Errorf("%s: %w", msg, err)
}
