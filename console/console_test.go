package console_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/serial"
	"github.com/daedaluz/smart3/transceiver"
)

// newLoopbackPair wires two Transceivers back to back over in-memory pipes
// (serial.OpenLoopback), one standing in for the host, the other for the
// raw register side a test drives directly.
func newLoopbackPair(t *testing.T) (host *transceiver.Transceiver, reg *transceiver.Transceiver, regDriver *serial.Driver) {
	t.Helper()
	cfgA := serial.NewConfig("loop-a", serial.WithReadTimeout(2*time.Second))
	cfgB := serial.NewConfig("loop-b", serial.WithReadTimeout(2*time.Second))
	a, b, err := serial.OpenLoopback(cfgA, cfgB)
	if err != nil {
		t.Fatalf("OpenLoopback: %v", err)
	}
	host = transceiver.New(a, protocol.RS232, 0, zerolog.Nop())
	reg = transceiver.New(b, protocol.RS232, 0, zerolog.Nop())
	return host, reg, b
}

// corruptParity flips a valid frame's parity byte (the byte immediately
// before ETX), producing a frame that parses to completion but fails the
// checksum check, which is what a PacketValidation error looks like on the
// wire.
func corruptParity(frame []byte) []byte {
	cp := append([]byte(nil), frame...)
	cp[len(cp)-2]++
	return cp
}

func TestListenAcceptsAndAcks(t *testing.T) {
	host, reg, regDriver := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	var received protocol.MessageData
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Listen(console.Listener{
			Accepts: console.Accept("REQ"),
			Handle: func(m protocol.MessageData) error {
				received = m
				return nil
			},
		})
	}()

	msg, err := protocol.NewMessage("REQ:1")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := reg.SendMessage(msg); err != nil {
		t.Fatalf("reg.SendMessage: %v", err)
	}
	ind, err := reg.ReceiveIndicator()
	if err != nil {
		t.Fatalf("reg.ReceiveIndicator: %v", err)
	}
	if ind.Control != protocol.ACK {
		t.Fatalf("expected ACK, got %#x", ind.Control)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if received.Type() != "REQ" || received.Field(1) != "1" {
		t.Fatalf("handler saw %q", received.String())
	}
	_ = regDriver
}

func TestListenRetriesOnCRCErrorThenSucceeds(t *testing.T) {
	host, reg, regDriver := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	var received protocol.MessageData
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Listen(console.Listener{
			Accepts: console.Accept("REQ"),
			Handle: func(m protocol.MessageData) error {
				received = m
				return nil
			},
		})
	}()

	enc := protocol.NewEncoder(protocol.RS232)
	msg, _ := protocol.NewMessage("REQ:1")
	good := enc.EncodeMessage(0, 0, msg.Bytes(), 0)
	bad := corruptParity(good)

	if err := regDriver.Send(bad); err != nil {
		t.Fatalf("send corrupted frame: %v", err)
	}
	ind, err := reg.ReceiveIndicator()
	if err != nil {
		t.Fatalf("reg.ReceiveIndicator: %v", err)
	}
	if ind.Control != protocol.NAK {
		t.Fatalf("expected NAK after corrupt frame, got %#x", ind.Control)
	}

	if err := reg.SendMessage(msg); err != nil {
		t.Fatalf("reg.SendMessage: %v", err)
	}
	ind, err = reg.ReceiveIndicator()
	if err != nil {
		t.Fatalf("reg.ReceiveIndicator: %v", err)
	}
	if ind.Control != protocol.ACK {
		t.Fatalf("expected ACK after good frame, got %#x", ind.Control)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if received.Type() != "REQ" {
		t.Fatalf("handler saw %q", received.String())
	}
}

func TestListenGivesUpAfterMaxRetries(t *testing.T) {
	host, reg, regDriver := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Listen(console.Listener{
			Accepts: console.Accept("REQ"),
			Handle:  func(protocol.MessageData) error { return nil },
		})
	}()

	enc := protocol.NewEncoder(protocol.RS232)
	msg, _ := protocol.NewMessage("REQ:1")
	bad := corruptParity(enc.EncodeMessage(0, 0, msg.Bytes(), 0))

	for attempt := 0; attempt < console.MaxRetries+1; attempt++ {
		if err := regDriver.Send(bad); err != nil {
			t.Fatalf("send corrupted frame (attempt %d): %v", attempt, err)
		}
		if attempt < console.MaxRetries {
			ind, err := reg.ReceiveIndicator()
			if err != nil {
				t.Fatalf("reg.ReceiveIndicator (attempt %d): %v", attempt, err)
			}
			if ind.Control != protocol.NAK {
				t.Fatalf("expected NAK on attempt %d, got %#x", attempt, ind.Control)
			}
		}
	}

	err := <-errCh
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindProtocol {
		t.Fatalf("expected Protocol error, got %v", err)
	}
}

func TestAnswerRoundTrip(t *testing.T) {
	host, reg, _ := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Answer(console.Answerer{
			Accepts: console.Accept("REQ"),
			Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
				return protocol.NewMessage("RSP:ok")
			},
		})
	}()

	req, _ := protocol.NewMessage("REQ:1")
	if err := reg.SendMessage(req); err != nil {
		t.Fatalf("reg.SendMessage: %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK for request, got %v %v", ind, err)
	}
	reply, err := reg.ReceiveMessage()
	if err != nil {
		t.Fatalf("reg.ReceiveMessage: %v", err)
	}
	if reply.Payload.Type() != "RSP" {
		t.Fatalf("unexpected reply type %q", reply.Payload.Type())
	}
	if err := reg.SendAck(); err != nil {
		t.Fatalf("reg.SendAck: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Answer: %v", err)
	}
}

func TestAnswerAnyDispatchesToMatchingContract(t *testing.T) {
	host, reg, _ := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	var handled string
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.AnswerAny(
			console.Answerer{
				Accepts: console.Accept("AAA"),
				Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
					handled = "AAA"
					return protocol.NewMessage("RSP:a")
				},
			},
			console.Answerer{
				Accepts: console.Accept("BBB"),
				Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
					handled = "BBB"
					return protocol.NewMessage("RSP:b")
				},
			},
		)
	}()

	req, _ := protocol.NewMessage("BBB:1")
	if err := reg.SendMessage(req); err != nil {
		t.Fatalf("reg.SendMessage: %v", err)
	}
	if ind, err := reg.ReceiveIndicator(); err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK, got %v %v", ind, err)
	}
	reply, err := reg.ReceiveMessage()
	if err != nil {
		t.Fatalf("reg.ReceiveMessage: %v", err)
	}
	if err := reg.SendAck(); err != nil {
		t.Fatalf("reg.SendAck: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("AnswerAny: %v", err)
	}
	if handled != "BBB" {
		t.Fatalf("expected BBB handler invoked, got %q", handled)
	}
	if reply.Payload.Type() != "RSP" || reply.Payload.Field(1) != "b" {
		t.Fatalf("unexpected reply %q", reply.Payload.String())
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	host, _, regDriver := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	errCh := make(chan error, 1)
	go func() { errCh <- c.Broadcast(payload) }()

	f := protocol.NewFramer(protocol.RS232)
	if _, err := regDriver.Receive(f, 2*time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	pkt, ok := f.CurrentPacket().(protocol.BroadcastPacket)
	if !ok {
		t.Fatalf("expected a BroadcastPacket, got %#v", f.CurrentPacket())
	}
	if string(pkt.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %x want %x", pkt.Payload, payload)
	}
}

func TestHelloIndicator(t *testing.T) {
	host, _, regDriver := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Hello(true) }()

	f := protocol.NewFramer(protocol.RS232)
	if _, err := regDriver.Receive(f, 2*time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Hello: %v", err)
	}
	ind, ok := f.CurrentPacket().(protocol.IndicatorPacket)
	if !ok || ind.Control != protocol.DC1 {
		t.Fatalf("expected DC1 indicator, got %#v", f.CurrentPacket())
	}
}

func TestSwallowDiscardsAndAcks(t *testing.T) {
	host, reg, _ := newLoopbackPair(t)
	c := console.New(host, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Swallow() }()

	msg, _ := protocol.NewMessage("XYZ:1")
	if err := reg.SendMessage(msg); err != nil {
		t.Fatalf("reg.SendMessage: %v", err)
	}
	ind, err := reg.ReceiveIndicator()
	if err != nil || ind.Control != protocol.ACK {
		t.Fatalf("expected ACK, got %v %v", ind, err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Swallow: %v", err)
	}
}
