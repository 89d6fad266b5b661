package exchange

import (
	"sync"
	"testing"
	"time"

	"github.com/coapcore/coapcore/coapmsg"
)

// fakeClock lets tests fire retransmit timers on demand instead of
// waiting on a real clock (spec.md §9: "Time source").
type fakeClock struct {
	mu  sync.Mutex
	chs []chan time.Time
}

func (c *fakeClock) Now() time.Time { return time.Time{} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.chs = append(c.chs, ch)
	c.mu.Unlock()
	return ch
}

// fire pops the oldest still-pending timer and fires it.
func (c *fakeClock) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chs) == 0 {
		return
	}
	c.chs[0] <- time.Time{}
	c.chs = c.chs[1:]
}

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0 }

type fakeSender struct {
	mu   sync.Mutex
	sent []coapmsg.Message
	fail bool
}

func (s *fakeSender) Send(m coapmsg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSendFailed
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

var errSendFailed = &ErrSocketFailed{Reason: nil}

func newTestExchange(sender Sender, clock Clock) *Exchange {
	timing := Timing{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1.0,
		MaxRetransmit:   2,
		ProcessingDelay: 5 * time.Millisecond,
	}
	return New(sender, clock, zeroRand{}, timing, nil)
}

func TestExchangeReliableSendThenAckClosesExchange(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	req := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(42)
	ex.Submit(ReliableSend(req))

	waitSendCount(t, sender, 1)
	if ex.State() != ReliableTX {
		t.Fatalf("expected state reliable_tx, got %v", ex.State())
	}

	ack := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Content).WithMessageID(42)
	ex.Deliver(Recv{Msg: ack})

	ev := <-ex.Events()
	if ev.Kind != EventRx {
		t.Fatalf("expected EventRx, got %v", ev.Kind)
	}
}

func TestExchangeRetransmitsUntilMaxThenFails(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	req := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(7)
	ex.Submit(ReliableSend(req))
	waitSendCount(t, sender, 1)

	// MaxRetransmit=2: two retransmits on top of the initial send,
	// then the third timeout reports failure.
	clock.fire()
	waitSendCount(t, sender, 2)
	clock.fire()
	waitSendCount(t, sender, 3)
	clock.fire()

	ev := <-ex.Events()
	if ev.Kind != EventFail || ev.Reason != FailTimeout {
		t.Fatalf("expected EventFail(timeout), got %+v", ev)
	}
}

func TestExchangeResetFailsImmediately(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	req := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(9)
	ex.Submit(ReliableSend(req))
	waitSendCount(t, sender, 1)

	rst := coapmsg.NewMessage(coapmsg.Reset, coapmsg.Empty).WithMessageID(9)
	ex.Deliver(Recv{Msg: rst})

	ev := <-ex.Events()
	if ev.Kind != EventFail || ev.Reason != FailReset {
		t.Fatalf("expected EventFail(reset), got %+v", ev)
	}
}

func TestExchangeCancelMatchingMIDStopsReliableTX(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	req := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(3)
	ex.Submit(ReliableSend(req))
	waitSendCount(t, sender, 1)

	ex.Submit(Cancel(3))

	waitState(t, ex, Closed)
}

func TestExchangeAckPendingAccept(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	con := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(55)
	ex.Deliver(Recv{Msg: con, From: "peer:5683"})

	ev := <-ex.Events()
	if ev.Kind != EventRx {
		t.Fatalf("expected EventRx for inbound con, got %+v", ev)
	}
	waitState(t, ex, AckPending)

	ack := coapmsg.NewMessage(coapmsg.Acknowledgement, coapmsg.Content).WithMessageID(55)
	ex.Submit(Accept(ack))

	waitSendCount(t, sender, 1)
	waitState(t, ex, Closed)
}

func waitSendCount(t *testing.T, s *fakeSender, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if s.count() >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for send count %d, have %d", n, s.count())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMaxTransmitWaitMatchesRFCDefaults(t *testing.T) {
	// RFC 7252 §4.8.2: ACK_TIMEOUT=2s, ACK_RANDOM_FACTOR=1.5,
	// MAX_RETRANSMIT=4 gives MAX_TRANSMIT_WAIT=93s.
	got := DefaultTiming.MaxTransmitWait()
	want := 93 * time.Second
	if got != want {
		t.Errorf("MaxTransmitWait() = %v, want %v", got, want)
	}
}

func TestExchangeNextMessageIDIsMonotonic(t *testing.T) {
	ex := newTestExchange(&fakeSender{}, &fakeClock{})
	first := ex.NextMessageID()
	second := ex.NextMessageID()
	third := ex.NextMessageID()
	if second != first+1 || third != second+1 {
		t.Fatalf("expected consecutive mids, got %d, %d, %d", first, second, third)
	}
}

func TestExchangeRetransmitPreservesMessageIDAndToken(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{}
	ex := newTestExchange(sender, clock)
	go ex.Run()
	defer ex.Stop()

	req := coapmsg.NewMessage(coapmsg.Confirmable, coapmsg.GET).WithMessageID(9).WithToken([]byte{3})
	ex.Submit(ReliableSend(req))
	waitSendCount(t, sender, 1)

	clock.fire()
	waitSendCount(t, sender, 2)

	sender.mu.Lock()
	first, retransmit := sender.sent[0], sender.sent[1]
	sender.mu.Unlock()

	if retransmit.MessageID != first.MessageID {
		t.Errorf("retransmit message-id = %d, want %d", retransmit.MessageID, first.MessageID)
	}
	if string(retransmit.Token) != string(first.Token) {
		t.Errorf("retransmit token = %x, want %x", retransmit.Token, first.Token)
	}
}

func waitState(t *testing.T, ex *Exchange, want State) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if ex.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, have %v", want, ex.State())
		case <-time.After(time.Millisecond):
		}
	}
}
