// Package exchange implements the per-exchange message-layer state
// machine of RFC 7252 §4: reliable transmission with exponential
// backoff, ack-pending for incoming confirmables, and cancellation.
package exchange

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coapcore/coapcore/coapmsg"
	"github.com/sirupsen/logrus"
)

// State is one of the three phases an Exchange can be in.
type State uint8

const (
	Closed State = iota
	ReliableTX
	AckPending
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case ReliableTX:
		return "reliable_tx"
	case AckPending:
		return "ack_pending"
	}
	return "unknown"
}

// FailReason is the reason carried by an RRFail event.
type FailReason uint8

const (
	FailReset FailReason = iota
	FailTimeout
)

func (r FailReason) String() string {
	if r == FailReset {
		return "reset"
	}
	return "timeout"
}

// Timing holds the FSM's retransmission parameters (spec.md §4.3).
type Timing struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	ProcessingDelay time.Duration
}

// DefaultTiming matches the protocol defaults.
var DefaultTiming = Timing{
	AckTimeout:      2000 * time.Millisecond,
	AckRandomFactor: 1.5,
	MaxRetransmit:   4,
	ProcessingDelay: 1000 * time.Millisecond,
}

// initialTimeout returns a value uniformly distributed in
// [AckTimeout, AckTimeout*AckRandomFactor].
func (t Timing) initialTimeout(r Rand) time.Duration {
	span := float64(t.AckTimeout) * (t.AckRandomFactor - 1)
	return t.AckTimeout + time.Duration(r.Float64()*span)
}

// MaxTransmitWait is the upper bound on total reliable-tx lifetime.
func (t Timing) MaxTransmitWait() time.Duration {
	factor := float64(int64(1)<<(uint(t.MaxRetransmit)+1) - 1)
	return time.Duration(float64(t.AckTimeout) * factor * t.AckRandomFactor)
}

// Command is a request from the coordinator to the Exchange.
type Command struct {
	kind      commandKind
	msg       coapmsg.Message
	cancelMID uint16
}

type commandKind uint8

const (
	cmdReliableSend commandKind = iota
	cmdUnreliableSend
	cmdAccept
	cmdCancel
)

func ReliableSend(m coapmsg.Message) Command   { return Command{kind: cmdReliableSend, msg: m} }
func UnreliableSend(m coapmsg.Message) Command { return Command{kind: cmdUnreliableSend, msg: m} }
func Accept(m coapmsg.Message) Command         { return Command{kind: cmdAccept, msg: m} }
func Cancel(mid uint16) Command                { return Command{kind: cmdCancel, cancelMID: mid} }

// Recv is an inbound datagram delivered by the multiplexer.
type Recv struct {
	Msg  coapmsg.Message
	From string
}

// Event is something the Exchange emits to the coordinator.
type Event struct {
	Kind   EventKind
	Msg    coapmsg.Message
	From   string
	MID    uint16
	Reason FailReason
}

type EventKind uint8

const (
	EventRx EventKind = iota
	EventFail
)

// ErrSocketFailed wraps the reason a socket failed. The Exchange does
// not emit it itself: a socket error passed to Fail is reported as an
// EventFail with FailReset, and no socket reopen is attempted.
type ErrSocketFailed struct {
	Reason error
}

func (e *ErrSocketFailed) Error() string {
	return fmt.Sprintf("exchange: socket failed: %v", e.Reason)
}

// Sender abstracts the outbound datagram sink (the transport's
// socket adapter), decoupling the FSM from any particular transport.
type Sender interface {
	Send(m coapmsg.Message) error
}

// mailboxItem is the union of everything an Exchange's loop reads
// from its single private channel. Only one field is non-zero.
type mailboxItem struct {
	cmd      *Command
	recv     *Recv
	timer    bool
	timerGen int
	sockErr  error
}

// Exchange is one message-layer state machine instance, keyed by
// (peer, token) by its owner (the transport's multiplexer).
type Exchange struct {
	sender Sender
	clock  Clock
	rand   Rand
	timing Timing
	log    *logrus.Entry

	events chan Event
	mbox   chan mailboxItem
	done   chan struct{}

	state    atomic.Uint32 // State, read cross-goroutine via State()
	mid      uint16
	pending  coapmsg.Message
	retries  int
	timerGen int // invalidates stale timer firings after a state change

	mids *MessageIDCounter // client-side next-message-id counter (spec.md §3)

	postponed []mailboxItem
}

// New constructs an Exchange. sender delivers outbound messages to
// the socket; the coordinator reads Event values from Events(), a
// channel New creates with room for 8 events.
func New(sender Sender, clock Clock, rnd Rand, timing Timing, log *logrus.Entry) *Exchange {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Exchange{
		sender: sender,
		clock:  clock,
		rand:   rnd,
		timing: timing,
		log:    log,
		events: make(chan Event, 8),
		mbox:   make(chan mailboxItem, 32),
		done:   make(chan struct{}),
		mids:   NewMessageIDCounter(rnd),
	}
}

// NextMessageID returns this exchange's next client-side outbound
// message-id, drawn from its own counter (spec.md §3 "next-message-id
// counter (client side only) ... seeded randomly at creation"; §4.5
// "a fresh message-id from the exchange's counter"). Every outbound
// message the coordinator sends on this Exchange -- the initial
// request and every block-wise follow-up -- must draw its mid from
// here so successive mids form (seed, seed+1, ...) mod 2^16 (testable
// property 7).
func (e *Exchange) NextMessageID() uint16 { return e.mids.Next() }

// Events returns the channel of Event values this Exchange emits.
func (e *Exchange) Events() <-chan Event { return e.events }

// Submit enqueues a Command from the coordinator.
func (e *Exchange) Submit(c Command) {
	e.mbox <- mailboxItem{cmd: &c}
}

// Deliver enqueues an inbound datagram from the socket/multiplexer.
func (e *Exchange) Deliver(r Recv) {
	e.mbox <- mailboxItem{recv: &r}
}

// Fail enqueues a socket-process-exit notification.
func (e *Exchange) Fail(err error) {
	e.mbox <- mailboxItem{sockErr: err}
}

// Stop terminates the Exchange's Run loop.
func (e *Exchange) Stop() { close(e.done) }

// Done returns a channel closed once this Exchange's Run loop has
// exited, so an owner (the transport multiplexer) can clean up its
// routing table entry (spec.md §4.4: "monitors the exchange and
// cleans the mapping on exit").
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Run drives the Exchange's mailbox loop until Stop is called. It is
// meant to be started as its own goroutine: one task per exchange,
// per spec.md §9's scheduling model.
func (e *Exchange) Run() {
	for {
		select {
		case <-e.done:
			return
		case item := <-e.nextItem():
			e.handle(item)
		}
	}
}

// nextItem drains the postpone queue before the mailbox, preserving
// the relative order of postponed events (spec.md §9: "re-enqueued at
// the head of the mailbox on state change").
func (e *Exchange) nextItem() <-chan mailboxItem {
	if len(e.postponed) > 0 {
		ch := make(chan mailboxItem, 1)
		ch <- e.postponed[0]
		e.postponed = e.postponed[1:]
		return ch
	}
	return e.mbox
}

func (e *Exchange) postpone(item mailboxItem) {
	e.postponed = append(e.postponed, item)
}

func (e *Exchange) transition(to State) {
	e.log.WithFields(logrus.Fields{"from": e.State(), "to": to}).Debug("exchange: state transition")
	e.state.Store(uint32(to))
	e.timerGen++
}

// State returns the Exchange's current phase. Safe to call from any
// goroutine.
func (e *Exchange) State() State {
	return State(e.state.Load())
}

func (e *Exchange) handle(item mailboxItem) {
	if item.timer && item.timerGen != e.timerGen {
		return // stale timer from a state this Exchange has since left
	}
	switch e.State() {
	case Closed:
		e.handleClosed(item)
	case ReliableTX:
		e.handleReliableTX(item)
	case AckPending:
		e.handleAckPending(item)
	}
}

func (e *Exchange) handleClosed(item mailboxItem) {
	switch {
	case item.cmd != nil && item.cmd.kind == cmdReliableSend:
		e.startReliableTX(item.cmd.msg)
	case item.cmd != nil && item.cmd.kind == cmdUnreliableSend:
		if err := e.sender.Send(item.cmd.msg); err != nil {
			e.emitFailAndStop(item.cmd.msg.MessageID, FailReset)
		}
	case item.recv != nil && item.recv.Msg.Type == coapmsg.Confirmable:
		e.mid = item.recv.Msg.MessageID
		e.transition(AckPending)
		e.events <- Event{Kind: EventRx, Msg: item.recv.Msg, From: item.recv.From}
	case item.recv != nil:
		e.events <- Event{Kind: EventRx, Msg: item.recv.Msg, From: item.recv.From}
	case item.sockErr != nil:
		e.emitFailAndStop(0, FailReset)
	}
}

func (e *Exchange) startReliableTX(m coapmsg.Message) {
	e.pending = m
	e.mid = m.MessageID
	e.retries = 0
	e.transition(ReliableTX)
	if err := e.sender.Send(m); err != nil {
		e.emitFailAndStop(m.MessageID, FailReset)
		return
	}
	e.armRetransmitTimer(e.timing.initialTimeout(e.rand))
}

func (e *Exchange) armRetransmitTimer(d time.Duration) {
	gen := e.timerGen
	go func() {
		select {
		case <-e.clock.After(d):
			select {
			case e.mbox <- mailboxItem{timer: true, timerGen: gen}:
			case <-e.done:
			}
		case <-e.done:
		}
	}()
}

func (e *Exchange) handleReliableTX(item mailboxItem) {
	switch {
	case item.cmd != nil && item.cmd.kind == cmdCancel:
		if item.cmd.cancelMID == e.mid {
			e.transition(Closed)
		}
		// A mismatched cancel is ignored.
	case item.cmd != nil && item.cmd.kind == cmdReliableSend:
		e.postpone(item)
	case item.recv != nil && item.recv.Msg.MessageID != e.mid:
		e.postpone(item)
	case item.recv != nil && item.recv.Msg.Type == coapmsg.Acknowledgement:
		e.transition(Closed)
		e.events <- Event{Kind: EventRx, Msg: item.recv.Msg, From: item.recv.From}
	case item.recv != nil && item.recv.Msg.Type == coapmsg.Reset:
		e.emitFailAndStop(e.mid, FailReset)
	case item.recv != nil:
		// A matching-mid CON/NON while reliably transmitting is
		// delivered straight through; token-level correlation is the
		// coordinator's job.
		e.events <- Event{Kind: EventRx, Msg: item.recv.Msg, From: item.recv.From}
	case item.timer:
		e.onRetransmitTimeout()
	case item.sockErr != nil:
		e.emitFailAndStop(e.mid, FailReset)
	}
}

func (e *Exchange) onRetransmitTimeout() {
	if e.retries >= e.timing.MaxRetransmit {
		e.emitFailAndStop(e.mid, FailTimeout)
		return
	}
	e.retries++
	if err := e.sender.Send(e.pending.Retransmission()); err != nil {
		e.emitFailAndStop(e.mid, FailReset)
		return
	}
	next := e.timing.initialTimeout(e.rand)
	for i := 0; i < e.retries; i++ {
		next *= 2
	}
	e.armRetransmitTimer(next)
}

func (e *Exchange) handleAckPending(item mailboxItem) {
	switch {
	case item.cmd != nil && item.cmd.kind == cmdAccept && item.cmd.msg.MessageID == e.mid:
		if err := e.sender.Send(item.cmd.msg); err != nil {
			e.emitFailAndStop(e.mid, FailReset)
			return
		}
		e.transition(Closed)
	default:
		// Anything else while ack-pending is postponed, including a
		// mismatched accept.
		e.postpone(item)
	}
}

func (e *Exchange) emitFailAndStop(mid uint16, reason FailReason) {
	e.transition(Closed)
	e.events <- Event{Kind: EventFail, MID: mid, Reason: reason}
}
