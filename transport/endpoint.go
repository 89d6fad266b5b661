package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/coapcore/coapcore/coapmsg"
	"github.com/coapcore/coapcore/exchange"
	"github.com/sirupsen/logrus"
)

// Mode governs how an Endpoint creates exchanges for unrecognized
// inbound datagrams (spec.md §4.4 "Exchange creation policy").
type Mode uint8

const (
	ClientMode Mode = iota
	ServerMode
)

// Key identifies an Exchange by the RFC 7252 correlation tuple.
type Key struct {
	Peer  string
	Token string
}

func keyOf(peer net.Addr, token []byte) Key {
	return Key{Peer: peer.String(), Token: string(token)}
}

// NewExchangeFunc builds a fresh Exchange wired to sender, used by the
// Endpoint both for server-side on-demand creation and for handing
// back to the coordinator on client-side pre-creation.
type NewExchangeFunc func(sender exchange.Sender) *exchange.Exchange

// Endpoint owns one Socket and routes inbound datagrams to the
// correct Exchange by (peer, token), per spec.md §4.4.
type Endpoint struct {
	sock   Socket
	mode   Mode
	newEx  NewExchangeFunc
	log    *logrus.Entry

	mu        sync.Mutex
	exchanges map[Key]*exchange.Exchange

	// Accept receives newly server-created exchanges so a caller can
	// wire up request handling for them.
	Accept chan *exchange.Exchange
}

// NewEndpoint wraps sock with the (peer,token) routing table.
func NewEndpoint(sock Socket, mode Mode, newEx NewExchangeFunc, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Endpoint{
		sock:      sock,
		mode:      mode,
		newEx:     newEx,
		log:       log,
		exchanges: map[Key]*exchange.Exchange{},
		Accept:    make(chan *exchange.Exchange, 16),
	}
}

// socketSender adapts a Socket+fixed destination to exchange.Sender.
type socketSender struct {
	sock Socket
	dest net.Addr
}

func (s socketSender) Send(m coapmsg.Message) error {
	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.sock.WriteTo(raw, s.dest)
	return err
}

// CreateExchange resolves hostport once and registers a new Exchange
// for (resolved-addr, token), for client-side pre-creation (spec.md
// §4.4: "Client mode: the exchange is pre-created by the
// coordinator").
func (e *Endpoint) CreateExchange(hostport string, token []byte) (*exchange.Exchange, net.Addr, error) {
	addr, err := e.sock.ResolveAddr(hostport)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: resolving %q: %w", hostport, err)
	}

	ex := e.newEx(socketSender{sock: e.sock, dest: addr})
	key := keyOf(addr, token)

	e.mu.Lock()
	e.exchanges[key] = ex
	e.mu.Unlock()

	go e.watchExchange(key, ex)
	return ex, addr, nil
}

func (e *Endpoint) watchExchange(key Key, ex *exchange.Exchange) {
	<-ex.Done()
	e.mu.Lock()
	delete(e.exchanges, key)
	e.mu.Unlock()
}

// Run dispatches inbound datagrams until the socket's receive channel
// closes. Meant to run in its own goroutine.
func (e *Endpoint) Run() {
	for dg := range e.sock.ReceiveCh() {
		e.dispatch(dg)
	}
}

func (e *Endpoint) dispatch(dg Datagram) {
	m, err := coapmsg.ParseMessage(dg.Data)
	if err != nil {
		e.log.WithError(err).Warn("transport: dropping malformed datagram")
		return
	}

	key := keyOf(dg.From, m.Token)

	e.mu.Lock()
	ex, ok := e.exchanges[key]
	e.mu.Unlock()

	if !ok {
		isReply := m.Type == coapmsg.Acknowledgement || m.Type == coapmsg.Reset
		if e.mode == ServerMode && !isReply {
			ex = e.newEx(socketSender{sock: e.sock, dest: dg.From})
			e.mu.Lock()
			e.exchanges[key] = ex
			e.mu.Unlock()
			go ex.Run()
			go e.watchExchange(key, ex)
			select {
			case e.Accept <- ex:
			default:
				e.log.Warn("transport: accept queue full, dropping new exchange notification")
			}
		} else {
			e.log.WithField("from", dg.From).Warn("transport: dropping datagram for unknown exchange")
			return
		}
	}

	ex.Deliver(exchange.Recv{Msg: m, From: dg.From.String()})
}
