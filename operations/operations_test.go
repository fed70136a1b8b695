package operations

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/plu"
	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/serial"
	"github.com/daedaluz/smart3/transceiver"
)

// newSessionPair wires a Session (the host side) to a raw Transceiver and
// Driver a test drives directly to play the part of the register.
func newSessionPair(t *testing.T) (*Session, *transceiver.Transceiver, *serial.Driver) {
	t.Helper()
	cfgA := serial.NewConfig("loop-a", serial.WithReadTimeout(2*time.Second))
	cfgB := serial.NewConfig("loop-b", serial.WithReadTimeout(2*time.Second))
	a, b, err := serial.OpenLoopback(cfgA, cfgB)
	if err != nil {
		t.Fatalf("OpenLoopback: %v", err)
	}
	host := transceiver.New(a, protocol.RS232, 0, zerolog.Nop())
	reg := transceiver.New(b, protocol.RS232, 0, zerolog.Nop())
	return NewSession(console.New(host, zerolog.Nop()), zerolog.Nop()), reg, b
}

func a01Message(t *testing.T, flags uint32) protocol.MessageData {
	t.Helper()
	msg, err := protocol.NewMessage(fmt.Sprintf("A01:0:%d:0:3112991159:SMARTIII:R1:", flags))
	if err != nil {
		t.Fatalf("NewMessage A01: %v", err)
	}
	return msg
}

// expectHello drives one answerHello round trip from the register side:
// receive the hello indicator, answer with an A01 carrying flags, then
// receive and ack whatever reply the host sends.
func expectHello(t *testing.T, reg *transceiver.Transceiver, flags uint32) {
	t.Helper()
	if _, err := reg.ReceiveIndicator(); err != nil {
		t.Fatalf("reg.ReceiveIndicator (hello): %v", err)
	}
	if err := reg.SendMessage(a01Message(t, flags)); err != nil {
		t.Fatalf("reg.SendMessage (A01): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for A01, got %v %v", ind, err)
	}
}

// drainReply receives the host's reply to the last exchange and acks it.
func drainReply(t *testing.T, reg *transceiver.Transceiver) protocol.MessageData {
	t.Helper()
	reply, err := reg.ReceiveMessage()
	if err != nil {
		t.Fatalf("reg.ReceiveMessage: %v", err)
	}
	if err := reg.SendAck(); err != nil {
		t.Fatalf("reg.SendAck: %v", err)
	}
	return reply.Payload
}

func drainBroadcasts(t *testing.T, regDriver *serial.Driver, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f := protocol.NewFramer(protocol.RS232)
		if _, err := regDriver.Receive(f, 2*time.Second); err != nil {
			t.Fatalf("drainBroadcasts: receive %d/%d: %v", i+1, n, err)
		}
		if _, ok := f.CurrentPacket().(protocol.BroadcastPacket); !ok {
			t.Fatalf("drainBroadcasts: expected BroadcastPacket at %d/%d, got %#v", i+1, n, f.CurrentPacket())
		}
	}
}

func TestStartupSanity(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Startup() }()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0;*2;+4;&m" {
		t.Fatalf("unexpected Startup reply %q", reply.String())
	}

	c24, _ := protocol.NewMessage("C24:30:10:2:50:1:3:0:0:7:1:9600:500:100:3:0:0:250")
	if err := reg.SendMessage(c24); err != nil {
		t.Fatalf("reg.SendMessage (C24): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for C24, got %v %v", ind, err)
	}

	term, _ := protocol.NewMessage("C24:1:2:*")
	if err := reg.SendMessage(term); err != nil {
		t.Fatalf("reg.SendMessage (C24 terminator): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for C24 terminator, got %v %v", ind, err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if s.Connectability.CRN != 7 || s.Connectability.Baud != 9600 {
		t.Fatalf("connectability not captured: %+v", s.Connectability)
	}
}

func TestFiscalClosingBlockedByMemoryError(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.FiscalClosing() }()

	expectHello(t, reg, uint32(0x2000)) // FiscalMemoryError bit

	err := <-errCh
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindFiscalMemoryError {
		t.Fatalf("expected FiscalMemoryError, got %v", err)
	}
}

func TestKeepalive(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Keepalive() }()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0" {
		t.Fatalf("unexpected Keepalive reply %q", reply.String())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Keepalive: %v", err)
	}
}

func TestReadPLUInfo(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	var got []plu.Info
	errCh := make(chan error, 1)
	go func() {
		var err error
		got, err = s.ReadPLUInfo("1", "3", nil)
		errCh <- err
	}()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0;+4;&M1:3" {
		t.Fatalf("unexpected ReadPLUInfo reply %q", reply.String())
	}

	rec, _ := protocol.NewMessage("C08:x:x:1:150:1:Coffee:x:x:x:1:0")
	if err := reg.SendMessage(rec); err != nil {
		t.Fatalf("reg.SendMessage (C08): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for C08 record, got %v %v", ind, err)
	}

	term, _ := protocol.NewMessage("C08:x:x:*")
	if err := reg.SendMessage(term); err != nil {
		t.Fatalf("reg.SendMessage (C08 terminator): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for C08 terminator, got %v %v", ind, err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("ReadPLUInfo: %v", err)
	}
	if len(got) != 1 || got[0].Id != "1" || got[0].Name != "Coffee" || got[0].PriceCents() != 150 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestWritePLUInfo(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	price := decimal.NewFromFloat(1.50)
	item, err := plu.New("1", "Coffee", price, 1, 1, 0, 1)
	if err != nil {
		t.Fatalf("plu.New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.WritePLUInfo([]plu.Info{item}, nil) }()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0;+4;*G" {
		t.Fatalf("unexpected WritePLUInfo reply %q", reply.String())
	}

	req1, _ := protocol.NewMessage("B81:1")
	if err := reg.SendMessage(req1); err != nil {
		t.Fatalf("reg.SendMessage (B81): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for B81, got %v %v", ind, err)
	}
	rep1 := drainReply(t, reg)
	want := "1:150:1:Coffee:0:0:0:1:0"
	if rep1.String() != want {
		t.Fatalf("unexpected record reply %q, want %q", rep1.String(), want)
	}

	req2, _ := protocol.NewMessage("B81:2")
	if err := reg.SendMessage(req2); err != nil {
		t.Fatalf("reg.SendMessage (B81 terminator): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for final B81, got %v %v", ind, err)
	}
	rep2 := drainReply(t, reg)
	if rep2.String() != "*" {
		t.Fatalf("expected terminator reply, got %q", rep2.String())
	}

	if err := <-errCh; err != nil {
		t.Fatalf("WritePLUInfo: %v", err)
	}
}

// TestBroadcastPLUInfoRewind exercises the rewind scenario: 150 records
// loaded in blocks of 100. The first block is fully accepted (100 of 100);
// the second reports only 120 of a cumulative 150, so the host must
// retransmit the second block from the same cursor instead of advancing.
func TestBroadcastPLUInfoRewind(t *testing.T) {
	s, reg, regDriver := newSessionPair(t)

	items := make([]plu.Info, 150)
	for i := range items {
		id := fmt.Sprintf("%03d", i+1)
		info, err := plu.New(id, "N", decimal.NewFromFloat(1.00), 1, 1, 0, 1)
		if err != nil {
			t.Fatalf("plu.New(%s): %v", id, err)
		}
		items[i] = info
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.BroadcastPLUInfo(items, nil) }()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0;+4;#z150" {
		t.Fatalf("unexpected BroadcastPLUInfo reply %q", reply.String())
	}

	// Block 1: 100 records + '?'.
	drainBroadcasts(t, regDriver, 101)
	b99, _ := protocol.NewMessage("B99:100")
	if err := reg.SendMessage(b99); err != nil {
		t.Fatalf("reg.SendMessage (B99 block1): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for B99 block1, got %v %v", ind, err)
	}
	if r := drainReply(t, reg); r.String() != "100" {
		t.Fatalf("unexpected B99 reply after block1: %q", r.String())
	}

	// Block 2 attempt 1: 50 records + '?', partially accepted.
	drainBroadcasts(t, regDriver, 51)
	b99, _ = protocol.NewMessage("B99:120")
	if err := reg.SendMessage(b99); err != nil {
		t.Fatalf("reg.SendMessage (B99 block2 attempt1): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for B99 block2 attempt1, got %v %v", ind, err)
	}
	if r := drainReply(t, reg); r.String() != "100" {
		t.Fatalf("expected rewind reply echoing 100, got %q", r.String())
	}

	// Block 2 attempt 2 (retransmitted): 50 records + '?', fully accepted.
	drainBroadcasts(t, regDriver, 51)
	b99, _ = protocol.NewMessage("B99:150")
	if err := reg.SendMessage(b99); err != nil {
		t.Fatalf("reg.SendMessage (B99 block2 attempt2): %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for B99 block2 attempt2, got %v %v", ind, err)
	}
	if r := drainReply(t, reg); r.String() != "150" {
		t.Fatalf("unexpected B99 reply after block2: %q", r.String())
	}

	// Termination byte, then the operation sleeps 3s before returning.
	drainBroadcasts(t, regDriver, 1)

	if err := <-errCh; err != nil {
		t.Fatalf("BroadcastPLUInfo: %v", err)
	}
}

func TestTransactHappyPath(t *testing.T) {
	s, reg, _ := newSessionPair(t)

	a, _ := plu.New("A", "Apple", decimal.NewFromFloat(1.00), 1, 1, 0, 3)
	b, _ := plu.New("B", "Bread", decimal.NewFromFloat(2.00), 1, 1, 0, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Transact([]plu.Info{a, b}, decimal.NewFromFloat(10.00)) }()

	expectHello(t, reg, 0)
	reply := drainReply(t, reg)
	if reply.String() != "0;+1" {
		t.Fatalf("unexpected Transact reply %q", reply.String())
	}

	strike := func(reqText, wantReply string) {
		t.Helper()
		req, err := protocol.NewMessage(reqText)
		if err != nil {
			t.Fatalf("NewMessage(%q): %v", reqText, err)
		}
		if err := reg.SendMessage(req); err != nil {
			t.Fatalf("reg.SendMessage(%q): %v", reqText, err)
		}
		if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
			t.Fatalf("expected ACK for %q, got %v %v", reqText, ind, err)
		}
		if r := drainReply(t, reg); r.String() != wantReply {
			t.Fatalf("unexpected reply to %q: got %q, want %q", reqText, r.String(), wantReply)
		}
	}

	firstWant, err := encodeKeySequence("$CLEAR$$CLEAR$3*A$PLU$")
	if err != nil {
		t.Fatalf("encodeKeySequence: %v", err)
	}
	strike("B23:1", firstWant)

	secondWant, err := encodeKeySequence("1*B$PLU$")
	if err != nil {
		t.Fatalf("encodeKeySequence: %v", err)
	}
	strike("B14:1", secondWant)

	subtotalWant, err := encodeKeySequence("$SUBTOTAL$")
	if err != nil {
		t.Fatalf("encodeKeySequence: %v", err)
	}
	strike("B14:2", subtotalWant)

	totalWant, err := encodeKeySequence("1000$TOTAL$")
	if err != nil {
		t.Fatalf("encodeKeySequence: %v", err)
	}
	strike("B15:1", totalWant)
	strike("B17:1", defaultCommand)
	strike("B18:1", defaultCommand)

	if err := <-errCh; err != nil {
		t.Fatalf("Transact: %v", err)
	}
}

func TestEncodeKeySequenceUnknownToken(t *testing.T) {
	_, err := encodeKeySequence("$NOPE$")
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument for an unknown token, got %v", err)
	}
}
