// Package coapmsg implements the RFC 7252 CoAP wire format: message
// header, options (including the RFC 7959 block options) and payload.
package coapmsg

import "fmt"

// Type is the CoAP message type (2 bits on the wire).
type Type uint8

const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(0x%x)", uint8(t))
}

// Code is the packed (class<<5|detail) request/response code.
type Code uint8

// Request codes (class 0).
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes (class 2, 4, 5).
const (
	Empty                 Code = 0
	Created               Code = 65 // 2.01
	Deleted               Code = 66 // 2.02
	Valid                 Code = 67 // 2.03
	Changed               Code = 68 // 2.04
	Content               Code = 69 // 2.05
	Continue              Code = 95 // 2.31
	BadRequest            Code = 128 // 4.00
	Unauthorized          Code = 129 // 4.01
	BadOption             Code = 130 // 4.02
	Forbidden             Code = 131 // 4.03
	NotFound              Code = 132 // 4.04
	MethodNotAllowed      Code = 133 // 4.05
	NotAcceptable         Code = 134 // 4.06
	RequestEntityIncomplete Code = 136 // 4.08
	PreconditionFailed    Code = 140 // 4.12
	RequestEntityTooLarge Code = 141 // 4.13
	UnsupportedMediaType  Code = 143 // 4.15
	InternalServerError   Code = 160 // 5.00
	NotImplemented        Code = 161 // 5.01
	BadGateway            Code = 162 // 5.02
	ServiceUnavailable    Code = 163 // 5.03
	GatewayTimeout        Code = 164 // 5.04
	ProxyingNotSupported  Code = 165 // 5.05
)

// BuildCode packs a (class, detail) pair into the wire Code byte.
func BuildCode(class, detail uint8) Code {
	return Code((class << 5) | (detail & 0x1f))
}

// Class returns the top 3 bits of the code (0-7).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the bottom 5 bits of the code (0-31).
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// IsRequest reports whether this code belongs to class 0 (a method).
func (c Code) IsRequest() bool { return c.Class() == 0 && c != Empty }

// Method returns the lower-case method name for a request code, or
// ("", false) when c is not a class-0 method code.
func (c Code) Method() (string, bool) {
	switch c {
	case GET:
		return "get", true
	case POST:
		return "post", true
	case PUT:
		return "put", true
	case DELETE:
		return "delete", true
	}
	return "", false
}

// StatusNumber returns the human-readable dotted status, e.g. 2.05
// -> 205 (class*100+detail), for class > 0 codes.
func (c Code) StatusNumber() int {
	return int(c.Class())*100 + int(c.Detail())
}

func (c Code) String() string {
	if m, ok := c.Method(); ok {
		return m
	}
	if c == Empty {
		return "0.00"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// MediaType is the content-format registry value (RFC 7252 §12.3).
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

var mediaTypeNames = map[string]MediaType{
	"text/plain":              TextPlain,
	"application/link-format": AppLinkFormat,
	"application/xml":         AppXML,
	"application/octet-stream": AppOctets,
	"application/exi":         AppExi,
	"application/json":        AppJSON,
	"application/cbor":        AppCBOR,
}

// MediaTypeByName maps the fixed content-format table (spec §4.1) from
// its string name to its registry number.
func MediaTypeByName(name string) (MediaType, bool) {
	mt, ok := mediaTypeNames[name]
	return mt, ok
}
