package coap

import (
	"fmt"
	"io"
	"time"

	"github.com/coapcore/coapcore/coapmsg"
	"golang.org/x/sync/semaphore"
)

// RoundTripper executes a single request/response exchange, grounded
// on the teacher's coap.RoundTripper (coap/client.go).
type RoundTripper interface {
	RoundTrip(req *Request) (*Response, error)
}

// Transport dispatches to a scheme-specific RoundTripper, generalizing
// the teacher's single coap+uart dispatch (coap/transport.go) to any
// number of registered schemes.
type Transport struct {
	// Schemes maps a URL scheme to the RoundTripper that serves it.
	Schemes map[string]RoundTripper
}

// NewTransport returns a Transport with the default "coap" scheme
// wired to a UDPTransport.
func NewTransport() *Transport {
	return &Transport{Schemes: map[string]RoundTripper{
		"coap": NewUDPTransport(),
	}}
}

func (t *Transport) RoundTrip(req *Request) (*Response, error) {
	if req.URL == nil {
		return nil, ErrInvalidURL
	}
	rt, ok := t.Schemes[req.URL.Scheme]
	if !ok {
		if req.URL.Scheme == "coaps" {
			return nil, ErrDTLSUnsupported
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}
	return rt.RoundTrip(req)
}

// DefaultTransport is used by DefaultClient.
var DefaultTransport RoundTripper = NewTransport()

// A Client issues CoAP requests, additionally enforcing RFC 7252's
// NSTART parallel-request limit (grounded on the teacher's
// coap.Client, coap/client.go).
type Client struct {
	Transport RoundTripper
	Timeout   time.Duration

	// NSTART bounds the number of parallel requests this Client may
	// have outstanding at once; the RFC 7252 default is 1. 0 means no
	// limit.
	NSTART int64

	sem *semaphore.Weighted
}

// DefaultClient uses DefaultTransport and the RFC default NSTART=1.
var DefaultClient = NewClient(DefaultTransport, 1)

// NewClient builds a Client with a weighted semaphore sized to
// nstart (0 disables the limit).
func NewClient(rt RoundTripper, nstart int64) *Client {
	c := &Client{Transport: rt, NSTART: nstart}
	if nstart > 0 {
		c.sem = semaphore.NewWeighted(nstart)
	}
	return c
}

func Get(url string) (*Response, error) { return DefaultClient.Get(url) }
func Post(url string, contentFormat coapmsg.MediaType, body io.Reader) (*Response, error) {
	return DefaultClient.Post(url, contentFormat, body)
}

// Do sends req, blocking until a response, failure, or NSTART
// admission timeout.
func (c *Client) Do(req *Request) (*Response, error) {
	ctx := req.Context()
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("coap: NSTART exhausted: %w", err)
		}
		defer c.sem.Release(1)
	}

	if c.Timeout > 0 {
		req.Timeout = int(c.Timeout / time.Millisecond)
	}

	return c.transport().RoundTrip(req)
}

// Get issues a GET to url.
func (c *Client) Get(url string) (*Response, error) {
	req, err := NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST to url with the given content format and body.
func (c *Client) Post(url string, contentFormat coapmsg.MediaType, body io.Reader) (*Response, error) {
	req, err := NewRequest("POST", url, body)
	if err != nil {
		return nil, err
	}
	req.Options.Set(coapmsg.ContentFormat, coapmsg.UintValue(uint64(contentFormat)))
	return c.Do(req)
}

func (c *Client) transport() RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return DefaultTransport
}
