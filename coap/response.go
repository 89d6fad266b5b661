package coap

import (
	"io"

	"github.com/coapcore/coapcore/coapmsg"
)

// A Response is the result of a CoAP request (grounded on the
// teacher's coap/response.go, renamed fields to the dotted-status
// convention used throughout this core).
type Response struct {
	Status     string
	StatusCode int

	Options coapmsg.Options

	// Body is always non-nil, even for empty responses; callers must
	// close it.
	Body io.ReadCloser

	Request *Request
}
