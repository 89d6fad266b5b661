package coapmsg

// OptionID identifies a CoAP option by its registered number.
//
//	No. C U N R Name            Format  Length   Default
//	 1  x     x If-Match        opaque  0-8      (none)
//	 3  x x   - Uri-Host        string  1-255    (see below)
//	 4         x ETag           opaque  1-8      (none)
//	 5  x       If-None-Match   empty   0        (none)
//	 6           Observe        uint    0-3      (none)
//	 7  x x   - Uri-Port        uint    0-2      (see below)
//	 8         x Location-Path  string  0-255    (none)
//	11  x x   - x Uri-Path      string  0-255    (none)
//	12           Content-Format uint    0-2      (none)
//	14     x  - Max-Age         uint    0-4      60
//	15  x x   - x Uri-Query     string  0-255    (none)
//	17  x       Accept          uint    0-2      (none)
//	20         x Location-Query string  0-255    (none)
//	23  x x   - Block2          block   0-4      (none)
//	27  x x   - Block1          block   0-4      (none)
//	28           Size2          uint    0-4      (none)
//	35  x x   - Proxy-Uri       string  1-1034   (none)
//	39  x x   - Proxy-Scheme    string  1-255    (none)
//	60           Size1          uint    0-4      (none)
//
// C=Critical, U=Unsafe, N=NoCacheKey, R=Repeatable
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// Critical reports whether an unrecognized instance of this option
// must cause the message to be rejected (RFC 7252 §5.4.1).
func (o OptionID) Critical() bool {
	return uint16(o)&1 != 0
}

// UnSafe reports whether the option is unsafe to forward through a
// proxy that doesn't recognize it.
func (o OptionID) UnSafe() bool {
	return uint16(o)&2 != 0
}

// NoCacheKey only has a meaning for options that are Safe-to-Forward.
func (o OptionID) NoCacheKey() bool {
	return o&0x1e == 0x1c
}

// repeatable lists the option numbers whose values form an ordered
// sequence on the wire (spec §3).
var repeatable = map[OptionID]bool{
	IfMatch:       true,
	ETag:          true,
	LocationPath:  true,
	URIPath:       true,
	URIQuery:      true,
	LocationQuery: true,
}

// Repeatable reports whether multiple instances of this option may
// appear on a single message, each contributing one value to an
// ordered sequence.
func (o OptionID) Repeatable() bool {
	return repeatable[o]
}
