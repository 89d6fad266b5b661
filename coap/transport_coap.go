package coap

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/coapcore/coapcore/blockwise"
	"github.com/coapcore/coapcore/coapmsg"
	"github.com/coapcore/coapcore/exchange"
	"github.com/coapcore/coapcore/transport"
	"github.com/sirupsen/logrus"
)

// DefaultBlockSize is the block size the coordinator negotiates for
// outbound payloads exceeding it (spec.md §4.5 "Block-wise
// orchestration").
const DefaultBlockSize = 512

// UDPTransport is the "coap" scheme RoundTripper: it opens one UDP
// socket and one Endpoint per request (spec.md §4 Data Model
// lifecycle: "an endpoint lives ... for the duration of one client
// operation"), drives the message-layer FSM to completion, and
// reassembles any block-wise response.
type UDPTransport struct {
	Tokens exchange.TokenGenerator
	Clock  exchange.Clock
	Rand   exchange.Rand
}

// NewUDPTransport returns a ready UDPTransport using real time,
// randomness and a fresh random token per request.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{
		Tokens: exchange.NewRandomTokenGenerator(),
		Clock:  exchange.SystemClock,
		Rand:   exchange.NewSystemRand(),
	}
}

func (t *UDPTransport) RoundTrip(req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("coap: nil request")
	}
	defer req.closeBody()

	if req.URL == nil {
		return nil, ErrInvalidURL
	}
	if req.URL.Scheme != "coap" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
	}

	sock, err := transport.ListenUDP(":0", 0, logEntry())
	if err != nil {
		return nil, wrapError(err, "coap: opening client socket")
	}
	defer sock.Close()

	timing := t.timingFor(req)
	ep := transport.NewEndpoint(sock, transport.ClientMode, func(sender exchange.Sender) *exchange.Exchange {
		return exchange.New(sender, t.Clock, t.Rand, timing, logEntry())
	}, logEntry())
	go ep.Run()

	token := t.Tokens.NextToken()
	addr := canonicalAddr(req.URL)
	ex, peerAddr, err := ep.CreateExchange(addr, token)
	if err != nil {
		return nil, wrapError(err, "coap: resolving peer")
	}
	go ex.Run()
	defer ex.Stop()

	body, err := readAll(req.Body)
	if err != nil {
		return nil, err
	}

	mid := ex.NextMessageID()
	opts := requestOptions(req)

	overallTimeout := t.overallTimeout(req, timing)
	ctx, cancel := context.WithTimeout(req.Context(), overallTimeout)
	defer cancel()

	event(ctx, "connection_started", req.URL.Hostname(), 0, mid, token, nil)
	defer event(ctx, "connection_ended", req.URL.Hostname(), 0, mid, token, nil)

	var reply coapmsg.Message
	if len(body) > DefaultBlockSize {
		reply, err = t.sendBlockwise(ctx, ex, req, token, opts, body)
	} else {
		m := coapmsg.NewMessage(confirmableType(req), methodCode(req.Method)).
			WithToken(token).WithMessageID(mid).WithOptions(opts).WithPayload(body)
		event(ctx, "data_sent", peerAddr.String(), 0, mid, token, logrus.Fields{"size": len(body)})
		reply, err = t.roundTripOne(ctx, ex, req, m, token)
	}
	if err != nil {
		return nil, err
	}

	payload := reply.Payload
	respOpts := reply.Options
	if block2, ok := respOpts.Get(coapmsg.Block2); ok {
		bv, _ := block2.AsBlock()
		if bv.More {
			full, finalOpts, err := t.fetchRemainingBlocks(ctx, ex, req, token, opts, bv, payload)
			if err != nil {
				return nil, err
			}
			payload = full
			respOpts = finalOpts
		}
	}

	event(ctx, "data_received", peerAddr.String(), 0, reply.MessageID, token, logrus.Fields{"size": len(payload)})
	return buildResponse(req, reply, payload, respOpts), nil
}

func (t *UDPTransport) timingFor(req *Request) exchange.Timing {
	timing := exchange.DefaultTiming
	if req.AckTimeout > 0 {
		timing.AckTimeout = time.Duration(req.AckTimeout) * time.Millisecond
	}
	if req.MaxRetransmit > 0 {
		timing.MaxRetransmit = req.MaxRetransmit
	}
	return timing
}

// overallTimeout bounds the whole RoundTrip, including any block-wise
// follow-ups. An explicit req.Timeout always wins; otherwise the
// ceiling scales with the FSM's own worst case instead of a fixed
// guess, so it never expires before MAX_RETRANSMIT retries could have
// (exchange.Timing.MaxTransmitWait, spec.md §4.3).
func (t *UDPTransport) overallTimeout(req *Request, timing exchange.Timing) time.Duration {
	if req.Timeout > 0 {
		return time.Duration(req.Timeout) * time.Millisecond
	}
	return timing.MaxTransmitWait() + timing.ProcessingDelay
}

// roundTripOne drives wait_initial/wait_separate for a single message
// (spec.md §4.5), returning the final reply message.
func (t *UDPTransport) roundTripOne(ctx context.Context, ex *exchange.Exchange, req *Request, m coapmsg.Message, token []byte) (coapmsg.Message, error) {
	if req.Confirmable {
		ex.Submit(exchange.ReliableSend(m))
	} else {
		ex.Submit(exchange.UnreliableSend(m))
	}

	for {
		select {
		case ev := <-ex.Events():
			switch ev.Kind {
			case exchange.EventFail:
				if ev.Reason == exchange.FailReset {
					return coapmsg.Message{}, ErrReset
				}
				event(ctx, "timed_out", ev.From, 0, ev.MID, token, nil)
				return coapmsg.Message{}, ErrTimeout
			case exchange.EventRx:
				if !bytes.Equal(ev.Msg.Token, token) {
					continue // coordinator filters by token (spec.md §5)
				}
				if ev.Msg.Type == coapmsg.Acknowledgement && ev.Msg.Code == coapmsg.Empty {
					return t.waitSeparate(ctx, ex, token)
				}
				return ev.Msg, nil
			}
		case <-ctx.Done():
			return coapmsg.Message{}, ErrTimeout
		}
	}
}

func (t *UDPTransport) waitSeparate(ctx context.Context, ex *exchange.Exchange, token []byte) (coapmsg.Message, error) {
	for {
		select {
		case ev := <-ex.Events():
			if ev.Kind != exchange.EventRx || !bytes.Equal(ev.Msg.Token, token) {
				continue
			}
			if ev.Msg.Type == coapmsg.Confirmable {
				ack := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Empty).WithMessageID(ev.Msg.MessageID)
				ex.Submit(exchange.Accept(ack))
			}
			return ev.Msg, nil
		case <-ctx.Done():
			return coapmsg.Message{}, ErrTimeout
		}
	}
}

// fetchRemainingBlocks asks for follow-up Block2 segments until
// more=false, reassembling into one payload (spec.md §4.5).
func (t *UDPTransport) fetchRemainingBlocks(ctx context.Context, ex *exchange.Exchange, req *Request, token []byte, baseOpts coapmsg.Options, first coapmsg.BlockValue, firstPayload []byte) ([]byte, coapmsg.Options, error) {
	reasm := blockwise.NewReassembler(logEntry())
	if err := reasm.Put(int64(first.Num), first.More, first.Size, firstPayload); err != nil {
		return nil, nil, ErrBlockConflict
	}

	var lastOpts coapmsg.Options
	num := first.Num + 1
	for {
		opts := baseOpts.Clone()
		bv, err := coapmsg.NewBlockValue(num, false, first.Size)
		if err != nil {
			return nil, nil, err
		}
		opts.Set(coapmsg.Block2, coapmsg.BlockOptionValue(bv))

		m := coapmsg.NewMessage(confirmableType(req), methodCode(req.Method)).
			WithToken(token).WithMessageID(ex.NextMessageID()).WithOptions(opts)

		reply, err := t.roundTripOne(ctx, ex, req, m, token)
		if err != nil {
			return nil, nil, err
		}
		respBlock, ok := reply.Options.Get(coapmsg.Block2)
		if !ok {
			return nil, nil, fmt.Errorf("coap: server dropped Block2 option mid-transfer")
		}
		rbv, err := respBlock.AsBlock()
		if err != nil {
			return nil, nil, err
		}
		if err := reasm.Put(int64(rbv.Num), rbv.More, rbv.Size, reply.Payload); err != nil {
			return nil, nil, ErrBlockConflict
		}
		event(ctx, "block_received", "", 0, reply.MessageID, token, logrus.Fields{
			"size": len(reply.Payload), "block_number": rbv.Num, "more": rbv.More,
		})
		lastOpts = reply.Options
		if !rbv.More {
			break
		}
		num = rbv.Num + 1
	}

	full, err := reasm.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return full, lastOpts, nil
}

// sendBlockwise segments an oversized request body and re-drives the
// FSM once per block (spec.md §4.5).
func (t *UDPTransport) sendBlockwise(ctx context.Context, ex *exchange.Exchange, req *Request, token []byte, baseOpts coapmsg.Options, body []byte) (coapmsg.Message, error) {
	seg, err := blockwise.NewSegmenter(body, DefaultBlockSize)
	if err != nil {
		return coapmsg.Message{}, err
	}

	var reply coapmsg.Message
	for n := 0; n < seg.NumBlocks(); n++ {
		chunk, desc, err := seg.Segment(n)
		if err != nil {
			return coapmsg.Message{}, err
		}
		opts := baseOpts.Clone()
		opts.Set(coapmsg.Block1, coapmsg.BlockOptionValue(desc))

		m := coapmsg.NewMessage(confirmableType(req), methodCode(req.Method)).
			WithToken(token).WithMessageID(ex.NextMessageID()).WithOptions(opts).WithPayload(chunk)

		reply, err = t.roundTripOne(ctx, ex, req, m, token)
		if err != nil {
			return coapmsg.Message{}, err
		}
		event(ctx, "block_sent", "", 0, m.MessageID, token, logrus.Fields{
			"size": len(chunk), "block_number": desc.Num, "more": desc.More,
		})
	}

	return reply, nil
}

func confirmableType(req *Request) coapmsg.Type {
	if req.Confirmable {
		return coapmsg.Confirmable
	}
	return coapmsg.NonConfirmable
}

// requestOptions builds the Uri-Host/Uri-Port/Uri-Path/Uri-Query
// option set from req.URL, per spec.md §4.5's URL parsing rules.
func requestOptions(req *Request) coapmsg.Options {
	opts := req.Options.Clone()

	host := req.URL.Hostname()
	if host != "" && !isLiteralIP(host) {
		opts.Set(coapmsg.URIHost, coapmsg.StringValue(host))
	}
	if p := req.URL.Port(); p != "" && p != "5683" {
		opts.Set(coapmsg.URIPort, coapmsg.UintValue(uint64(atoiOrZero(p))))
	}

	path := req.URL.EscapedPath()
	if path != "" && path != "/" {
		var segs []string
		for _, s := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
		opts.SetPath(segs)
	}

	if q := req.URL.RawQuery; q != "" {
		for _, part := range strings.Split(q, "&") {
			if part != "" {
				opts.Add(coapmsg.URIQuery, coapmsg.StringValue(part))
			}
		}
	}

	return opts
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func valueOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func readAll(rc interface{ Read([]byte) (int, error) }) ([]byte, error) {
	buf := &bytes.Buffer{}
	tmp := make([]byte, 4096)
	for {
		n, err := rc.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}

func buildResponse(req *Request, reply coapmsg.Message, payload []byte, opts coapmsg.Options) *Response {
	return &Response{
		Status:     reply.Code.String(),
		StatusCode: reply.Code.StatusNumber(),
		Body:       ioutil.NopCloser(bytes.NewReader(payload)),
		Options:    opts,
		Request:    req,
	}
}

func logEntry() *logrus.Entry {
	return logrus.NewEntry(Log)
}
