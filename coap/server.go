package coap

import (
	"net"
	"sync"

	"github.com/coapcore/coapcore/blockwise"
	"github.com/coapcore/coapcore/coapmsg"
	"github.com/coapcore/coapcore/exchange"
	"github.com/coapcore/coapcore/transport"
	"github.com/sirupsen/logrus"
)

// ResponseWriter lets a Handler deliver a reply, synchronously (before
// returning) for a piggybacked ack, or later from another goroutine
// for a separate response (spec.md §4.5, §6 "request(message,
// reply_fn)").
type ResponseWriter interface {
	Write(resp coapmsg.Message) error
}

// Handler serves one CoAP request. ServeCOAP may return before
// calling w.Write; the server auto-sends an empty ack after
// PROCESSING_DELAY if no reply has gone out yet, and the later
// w.Write is then delivered as a separate response (spec.md §4.5).
type Handler interface {
	ServeCOAP(w ResponseWriter, r *coapmsg.Message)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(w ResponseWriter, r *coapmsg.Message)

func (f HandlerFunc) ServeCOAP(w ResponseWriter, r *coapmsg.Message) { f(w, r) }

// Server drives one Endpoint in server mode, dispatching each inbound
// exchange's request to Handler (spec.md §4.4, §4.5).
type Server struct {
	Addr    string
	Handler Handler
	Timing  exchange.Timing
	Clock   exchange.Clock

	// BlockSize is the segment size the server uses when a handler's
	// response exceeds it (spec.md §4.2 "Block-wise orchestration").
	BlockSize uint16

	// MulticastGroup and MulticastIface, when both set, make
	// ListenAndServe join that IP multicast group on that interface
	// after opening the socket.
	MulticastGroup net.IP
	MulticastIface string

	log  *logrus.Entry
	sock *transport.UDPSocket
	ep   *transport.Endpoint
	mids *exchange.MessageIDCounter // server-initiated separate-response mids
}

// NewServer builds a Server bound to addr (":5683" for the RFC default
// port) with the given Handler.
func NewServer(addr string, handler Handler) *Server {
	return &Server{
		Addr:      addr,
		Handler:   handler,
		Timing:    exchange.DefaultTiming,
		Clock:     exchange.SystemClock,
		BlockSize: DefaultBlockSize,
		log:       logEntry(),
		mids:      exchange.NewMessageIDCounter(exchange.NewSystemRand()),
	}
}

// ListenAndServe opens the UDP socket and blocks, dispatching inbound
// exchanges until the socket fails.
func (s *Server) ListenAndServe() error {
	sock, err := transport.ListenUDP(s.Addr, 0, s.log)
	if err != nil {
		return wrapError(err, "coap: server listen")
	}
	s.sock = sock
	defer sock.Close()

	if s.MulticastGroup != nil && s.MulticastIface != "" {
		if err := sock.JoinMulticastGroup(s.MulticastIface, s.MulticastGroup); err != nil {
			return wrapError(err, "coap: joining multicast group")
		}
	}

	s.ep = transport.NewEndpoint(sock, transport.ServerMode, func(sender exchange.Sender) *exchange.Exchange {
		return exchange.New(sender, exchange.SystemClock, exchange.NewSystemRand(), s.Timing, s.log)
	}, s.log)

	go s.ep.Run()

	for ex := range s.ep.Accept {
		go s.serveExchange(ex)
	}
	return nil
}

// Close stops accepting new exchanges by closing the underlying
// socket; in-flight exchanges run to their own completion.
func (s *Server) Close() error {
	if s.sock == nil {
		return nil
	}
	return s.sock.Close()
}

// serveExchange owns one Exchange for its whole lifetime: the initial
// request (possibly block1-segmented), the application reply
// (possibly block2-segmented), and any later separate response.
func (s *Server) serveExchange(ex *exchange.Exchange) {
	var reasm *blockwise.Reassembler
	var served *servedResponse // cached full reply, for block2 continuation GETs

	for ev := range ex.Events() {
		if ev.Kind != exchange.EventRx {
			continue
		}
		m := ev.Msg

		if block1, ok := m.Options.Get(coapmsg.Block1); ok {
			bv, err := block1.AsBlock()
			if err == nil && !bv.IsElidable() {
				if reasm == nil {
					reasm = blockwise.NewReassembler(s.log)
				}
				if err := reasm.Put(int64(bv.Num), bv.More, bv.Size, m.Payload); err != nil {
					s.reply(ex, m, coapmsg.BadRequest, nil, nil)
					continue
				}
				if bv.More {
					echo := coapmsg.Options{}
					echo.Set(coapmsg.Block1, coapmsg.BlockOptionValue(coapmsg.BlockValue{Num: bv.Num, More: false, Size: bv.Size}))
					s.reply(ex, m, coapmsg.Continue, echo, nil)
					continue
				}
				full, err := reasm.Bytes()
				if err != nil {
					s.reply(ex, m, coapmsg.RequestEntityIncomplete, nil, nil)
					continue
				}
				m.Payload = full
			}
		}

		if block2, ok := m.Options.Get(coapmsg.Block2); ok && served != nil {
			bv, err := block2.AsBlock()
			if err == nil {
				s.serveBlock2(ex, m, served, bv)
				continue
			}
		}

		s.dispatch(ex, m, &served)
	}
}

// servedResponse is the full application reply cached so block2
// continuation GETs don't re-invoke the Handler.
type servedResponse struct {
	code    coapmsg.Code
	options coapmsg.Options
	body    []byte
}

func (s *Server) serveBlock2(ex *exchange.Exchange, req coapmsg.Message, served *servedResponse, bv coapmsg.BlockValue) {
	seg, err := blockwise.NewSegmenter(served.body, bv.Size)
	if err != nil {
		s.reply(ex, req, coapmsg.BadOption, nil, nil)
		return
	}
	chunk, desc, err := seg.Segment(int(bv.Num))
	if err != nil {
		s.reply(ex, req, coapmsg.BadOption, nil, nil)
		return
	}
	opts := served.options.Clone()
	opts.Set(coapmsg.Block2, coapmsg.BlockOptionValue(desc))
	s.reply(ex, req, served.code, opts, chunk)
}

// dispatch runs the Handler for a fully-assembled request, enforcing
// PROCESSING_DELAY (spec.md §4.5: "the coordinator auto-sends an empty
// ack" when the application hasn't replied in time).
func (s *Server) dispatch(ex *exchange.Exchange, m coapmsg.Message, served **servedResponse) {
	rw := &responseWriter{
		ex:            ex,
		reqType:       m.Type,
		reqMid:        m.MessageID,
		token:         m.Token,
		blockSize:     s.BlockSize,
		done:          make(chan struct{}),
		nextMessageID: s.mids.Next,
		onFirst: func(code coapmsg.Code, opts coapmsg.Options, body []byte) {
			*served = &servedResponse{code: code, options: opts, body: body}
		},
	}

	go s.runHandler(rw, m)

	if m.Type != coapmsg.Confirmable {
		return
	}

	select {
	case <-rw.done:
	case <-s.Clock.After(s.Timing.ProcessingDelay):
		rw.autoAck()
	}
}

func (s *Server) runHandler(rw *responseWriter, m coapmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("coap: handler panicked")
			rw.Write(coapmsg.NewMessage(0, coapmsg.InternalServerError))
		}
	}()
	s.Handler.ServeCOAP(rw, &m)
}

// reply answers req directly, within the request's own Exchange turn:
// an ack for a confirmable request (the Exchange is in ack_pending),
// or a plain non-confirmable message otherwise -- a non-confirmable
// request never enters ack_pending, so Accept would be a no-op there
// (spec.md §4.3 FSM: only ack_pending honors accept).
func (s *Server) reply(ex *exchange.Exchange, req coapmsg.Message, code coapmsg.Code, opts coapmsg.Options, body []byte) {
	if opts == nil {
		opts = coapmsg.Options{}
	}
	if req.Type != coapmsg.Confirmable {
		m := coapmsg.NewMessage(coapmsg.NonConfirmable, code).WithToken(req.Token).WithOptions(opts).WithPayload(body)
		ex.Submit(exchange.UnreliableSend(m))
		return
	}
	m := coapmsg.NewMessage(coapmsg.Acknowledgement, code).
		WithMessageID(req.MessageID).WithToken(req.Token).WithOptions(opts).WithPayload(body)
	ex.Submit(exchange.Accept(m))
}

// responseWriter is the per-request ResponseWriter: the first Write
// either piggybacks (still within PROCESSING_DELAY) or, if the
// auto-ack already fired, sends a fresh confirmable separate response
// (spec.md §4.5).
type responseWriter struct {
	ex            *exchange.Exchange
	reqType       coapmsg.Type
	reqMid        uint16
	token         []byte
	blockSize     uint16
	nextMessageID func() uint16
	onFirst       func(code coapmsg.Code, opts coapmsg.Options, body []byte)

	mu       sync.Mutex
	acked    bool
	done     chan struct{}
	doneOnce sync.Once
}

func (w *responseWriter) Write(resp coapmsg.Message) error {
	w.mu.Lock()
	alreadyAcked := w.acked
	w.acked = true
	w.mu.Unlock()
	w.doneOnce.Do(func() { close(w.done) })

	body := resp.Payload
	opts := resp.Options.Clone()
	if len(body) > int(w.blockSize) && w.blockSize > 0 {
		first := body
		if len(first) > int(w.blockSize) {
			first = first[:w.blockSize]
		}
		desc, err := coapmsg.NewBlockValue(0, len(body) > int(w.blockSize), w.blockSize)
		if err == nil {
			opts.Set(coapmsg.Block2, coapmsg.BlockOptionValue(desc))
		}
		if w.onFirst != nil {
			w.onFirst(resp.Code, resp.Options.Clone(), body)
		}
		body = first
	}

	if w.reqType != coapmsg.Confirmable {
		m := coapmsg.NewMessage(coapmsg.NonConfirmable, resp.Code).WithToken(w.token).WithOptions(opts).WithPayload(body)
		w.ex.Submit(exchange.UnreliableSend(m))
		return nil
	}

	if !alreadyAcked {
		m := coapmsg.NewMessage(coapmsg.Acknowledgement, resp.Code).
			WithMessageID(w.reqMid).WithToken(w.token).WithOptions(opts).WithPayload(body)
		w.ex.Submit(exchange.Accept(m))
		return nil
	}

	// Separate response: the empty ack already went out, so the real
	// answer travels as a fresh confirmable correlated by token only,
	// with its own message-id (spec.md §4.5 scenario: "new mid=500").
	m := coapmsg.NewMessage(coapmsg.Confirmable, resp.Code).
		WithMessageID(w.nextMessageID()).WithToken(w.token).WithOptions(opts).WithPayload(body)
	w.ex.Submit(exchange.ReliableSend(m))
	return nil
}

// autoAck sends the empty ack when the Handler hasn't replied within
// PROCESSING_DELAY, switching this request into separate-response mode.
func (w *responseWriter) autoAck() {
	w.mu.Lock()
	if w.acked {
		w.mu.Unlock()
		return
	}
	w.acked = true
	w.mu.Unlock()

	ack := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Empty).WithMessageID(w.reqMid).WithToken(w.token)
	w.ex.Submit(exchange.Accept(ack))
}
