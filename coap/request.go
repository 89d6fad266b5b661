// Package coap is the single user-facing API: building and sending
// requests, serving responses, and the client/server coordinator that
// drives the exchange state machine to completion (spec.md §4.5).
package coap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"

	"github.com/coapcore/coapcore/coapmsg"
)

// A Request represents a CoAP request, oriented like net/http.Request
// to make the API familiar to Go developers (grounded on the
// teacher's coap/request.go).
type Request struct {
	Method      string
	Confirmable bool

	URL *url.URL

	Options coapmsg.Options
	Body    io.ReadCloser

	Cancel <-chan struct{}

	// AckTimeout overrides the FSM's initial retransmit timer.
	AckTimeout int
	// MaxRetransmit overrides the FSM's retry limit.
	MaxRetransmit int
	// Timeout bounds how long the coordinator waits for a response.
	Timeout int

	ctx context.Context
}

var validMethods = []string{"GET", "POST", "PUT", "DELETE"}

// ValidMethod reports whether method is one of the four CoAP methods.
func ValidMethod(method string) bool {
	for _, m := range validMethods {
		if method == m {
			return true
		}
	}
	return false
}

// NewRequest builds a Request for method against urlStr, with an
// optional body. An empty method means GET.
func NewRequest(method, urlStr string, body io.Reader) (*Request, error) {
	if method == "" {
		method = "GET"
	}
	if !ValidMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	if body == nil {
		body = &bytes.Buffer{}
	}
	rc, ok := body.(io.ReadCloser)
	if !ok {
		rc = ioutil.NopCloser(body)
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Host = removeEmptyPort(u.Host)

	return &Request{
		Method:      method,
		Confirmable: true,
		URL:         u,
		Options:     coapmsg.Options{},
		Body:        rc,
	}, nil
}

// Context returns the request's context, defaulting to background.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context replaced.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("coap: nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

func (r *Request) closeBody() {
	if r.Body != nil {
		r.Body.Close()
	}
}

// methodCode maps a method string to its wire code.
func methodCode(method string) coapmsg.Code {
	switch method {
	case "GET":
		return coapmsg.GET
	case "POST":
		return coapmsg.POST
	case "PUT":
		return coapmsg.PUT
	case "DELETE":
		return coapmsg.DELETE
	}
	return coapmsg.GET
}
