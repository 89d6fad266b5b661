package coap

import (
	"bytes"
	"context"
	"testing"

	"github.com/coapcore/coapcore/coapmsg"
	"github.com/coapcore/coapcore/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestOptionsBuildsURIOptions(t *testing.T) {
	req, err := NewRequest("GET", "coap://example.org:9999/a/b?x=1&y=2", nil)
	require.NoError(t, err)

	opts := requestOptions(req)

	host, ok := opts.Get(coapmsg.URIHost)
	require.True(t, ok)
	assert.Equal(t, "example.org", host.AsString())

	port, ok := opts.Get(coapmsg.URIPort)
	require.True(t, ok)
	assert.EqualValues(t, 9999, port.AsUint())

	assert.Equal(t, []string{"a", "b"}, opts.Path())
	assert.Equal(t, []string{"x=1", "y=2"}, opts.Query())
}

func TestRequestOptionsOmitsDefaultPort(t *testing.T) {
	req, err := NewRequest("GET", "coap://example.org:5683/", nil)
	require.NoError(t, err)

	opts := requestOptions(req)
	_, ok := opts.Get(coapmsg.URIPort)
	assert.False(t, ok, "default port 5683 should not be encoded as an option")
}

func TestRequestOptionsOmitsLiteralIPHost(t *testing.T) {
	req, err := NewRequest("GET", "coap://127.0.0.1/sensors", nil)
	require.NoError(t, err)

	opts := requestOptions(req)
	_, ok := opts.Get(coapmsg.URIHost)
	assert.False(t, ok, "a literal IP host should not be encoded as Uri-Host")
}

func TestConfirmableType(t *testing.T) {
	req := &Request{Confirmable: true}
	assert.Equal(t, coapmsg.Confirmable, confirmableType(req))

	req.Confirmable = false
	assert.Equal(t, coapmsg.NonConfirmable, confirmableType(req))
}

func TestAtoiOrZero(t *testing.T) {
	assert.Equal(t, 9999, atoiOrZero("9999"))
	assert.Equal(t, 0, atoiOrZero("abc"))
	assert.Equal(t, 0, atoiOrZero(""))
}

func TestValueOrDefault(t *testing.T) {
	assert.Equal(t, 42, valueOrDefault(42, 5000))
	assert.Equal(t, 5000, valueOrDefault(0, 5000))
	assert.Equal(t, 5000, valueOrDefault(-1, 5000))
}

func TestReadAllDrainsReaderToEOF(t *testing.T) {
	got, err := readAll(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestBuildResponseSetsStatusFromReplyCode(t *testing.T) {
	req, err := NewRequest("GET", "coap://example.org/", nil)
	require.NoError(t, err)

	reply := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Content)
	resp := buildResponse(req, reply, []byte("body"), coapmsg.Options{})

	assert.Equal(t, coapmsg.Content.StatusNumber(), resp.StatusCode)
	assert.Equal(t, req, resp.Request)
}

func TestRoundTripOneReturnsPiggybackedAck(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestServerExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	tr := &UDPTransport{Rand: zeroRand{}}
	req := &Request{Confirmable: true}
	token := []byte{7}
	m := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithToken(token).WithMessageID(99)

	done := make(chan coapmsg.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := tr.roundTripOne(context.Background(), ex, req, m, token)
		errCh <- err
		done <- reply
	}()

	waitSentCount(t, sender, 1)
	ack := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Content).WithToken(token).WithMessageID(99).WithPayload([]byte("ok"))
	ex.Deliver(exchange.Recv{Msg: ack})

	require.NoError(t, <-errCh)
	reply := <-done
	assert.Equal(t, coapmsg.Content, reply.Code)
	assert.Equal(t, []byte("ok"), reply.Payload)
}

func TestRoundTripOneFollowsIntoWaitSeparate(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestServerExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	tr := &UDPTransport{Rand: zeroRand{}}
	req := &Request{Confirmable: true}
	token := []byte{8}
	m := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithToken(token).WithMessageID(100)

	done := make(chan coapmsg.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := tr.roundTripOne(context.Background(), ex, req, m, token)
		errCh <- err
		done <- reply
	}()

	waitSentCount(t, sender, 1)
	emptyAck := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Empty).WithToken(token).WithMessageID(100)
	ex.Deliver(exchange.Recv{Msg: emptyAck})

	// wait_separate: the real answer arrives later as its own
	// confirmable message correlated by token only.
	separate := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.Content).WithToken(token).WithMessageID(777).WithPayload([]byte("late"))
	ex.Deliver(exchange.Recv{Msg: separate})
	waitSentCount(t, sender, 2) // the separate response's own ack

	require.NoError(t, <-errCh)
	reply := <-done
	assert.Equal(t, []byte("late"), reply.Payload)
}
