// Package transceiver implements spec §4.4: request/acknowledgement
// semantics, retransmission on CRC errors, RS-485 enquiry polling, and the
// hello/ACK/NAK/broadcast primitives the Console dialogue layer is built
// from.
package transceiver

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/serial"
)

// rs485PollInterval is the spin-wait period between ENQ polls while
// waiting for the register to start replying (spec §4.4).
const rs485PollInterval = 20 * time.Millisecond

// rs485ReadOverride is the short per-attempt read timeout used once the
// input buffer has data waiting, so one slow register doesn't consume the
// whole session read-timeout budget on a single poll cycle.
const rs485ReadOverride = 200 * time.Millisecond

// Transceiver wires a serial.Driver to a protocol.Framer/Encoder pair and
// tracks the last sequence/CRN seen, so replies can mirror them.
type Transceiver struct {
	driver   *serial.Driver
	physical protocol.Physical
	encoder  *protocol.Encoder
	ownAddr  byte // this host's own logical address; New leaves it zero and indicators are addressed with register
	register byte // the paired register's RS-485 address

	lastSeq int
	lastCRN int

	broadcastAnnounced bool

	log zerolog.Logger
}

// New builds a Transceiver. register is only meaningful on RS-485 (the
// address ENQ polls and broadcasts are implicitly paired against).
func New(driver *serial.Driver, physical protocol.Physical, register byte, log zerolog.Logger) *Transceiver {
	return &Transceiver{
		driver:   driver,
		physical: physical,
		encoder:  protocol.NewEncoder(physical),
		register: register,
		log:      log,
	}
}

func (t *Transceiver) newFramer() *protocol.Framer { return protocol.NewFramer(t.physical) }

func (t *Transceiver) timeoutErr(f *protocol.Framer) error {
	return &protocol.Error{
		Kind:           protocol.KindTimeout,
		Msg:            "receive timed out",
		BytesExpected:  f.BytesExpected(),
		BytesReceived:  f.BytesReceived(),
		BytesDiscarded: f.BytesDiscarded(),
	}
}

func (t *Transceiver) readFramed(timeout time.Duration) (protocol.Packet, error) {
	f := t.newFramer()
	_, err := t.driver.Receive(f, timeout)
	if err == serial.ErrTimeout {
		return nil, t.timeoutErr(f)
	}
	if err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			return nil, perr
		}
		return nil, protocol.WrapError(protocol.KindIO, "serial receive", err)
	}
	return f.CurrentPacket(), nil
}

// ReceiveMessage implements spec §4.4's receive_message. On RS-232 it is a
// single blocking framed read. On RS-485, it polls with ENQ until the input
// buffer has data or the overall read timeout elapses, then performs one
// framed read with a short override deadline. Receiving any message resets
// the broadcast-announced flag (spec §4.4 BroadcastSequence).
func (t *Transceiver) ReceiveMessage() (protocol.MessagePacket, error) {
	if t.physical == protocol.RS485 {
		deadline := time.Now().Add(t.driver.ReadTimeout())
		for {
			empty, err := t.driver.IsInBufferEmpty()
			if err != nil {
				return protocol.MessagePacket{}, protocol.WrapError(protocol.KindIO, "buffer query", err)
			}
			if !empty {
				break
			}
			if err := t.sendENQ(); err != nil {
				return protocol.MessagePacket{}, err
			}
			if time.Now().After(deadline) {
				return protocol.MessagePacket{}, t.timeoutErr(t.newFramer())
			}
			time.Sleep(rs485PollInterval)
		}
		pkt, err := t.readFramed(rs485ReadOverride)
		if err != nil {
			return protocol.MessagePacket{}, err
		}
		msg, ok := pkt.(protocol.MessagePacket)
		if !ok {
			return protocol.MessagePacket{}, protocol.NewError(protocol.KindProtocol, "expected a message packet")
		}
		t.lastSeq, t.lastCRN = msg.Sequence, msg.CRN
		t.broadcastAnnounced = false
		return msg, nil
	}

	pkt, err := t.readFramed(t.driver.ReadTimeout())
	if err != nil {
		return protocol.MessagePacket{}, err
	}
	msg, ok := pkt.(protocol.MessagePacket)
	if !ok {
		return protocol.MessagePacket{}, protocol.NewError(protocol.KindProtocol, "expected a message packet")
	}
	t.lastSeq, t.lastCRN = msg.Sequence, msg.CRN
	t.broadcastAnnounced = false
	return msg, nil
}

// ReceiveIndicator performs a blocking framed read that must yield an
// IndicatorPacket.
func (t *Transceiver) ReceiveIndicator() (protocol.IndicatorPacket, error) {
	pkt, err := t.readFramed(t.driver.ReadTimeout())
	if err != nil {
		return protocol.IndicatorPacket{}, err
	}
	ind, ok := pkt.(protocol.IndicatorPacket)
	if !ok {
		return protocol.IndicatorPacket{}, protocol.NewError(protocol.KindProtocol, "expected an indicator packet")
	}
	return ind, nil
}

// SendMessage encodes msg with the mirrored sequence/CRN and transmits it.
func (t *Transceiver) SendMessage(msg protocol.MessageData) error {
	frame := t.encoder.EncodeMessage(t.lastSeq, t.lastCRN, msg.Bytes(), t.register)
	return t.driver.Send(frame)
}

// SendHelloRequest transmits a DLE (normal) or DC1 (immediate) indicator.
func (t *Transceiver) SendHelloRequest(immediate bool) error {
	control := protocol.DLE
	if immediate {
		control = protocol.DC1
	}
	return t.driver.Send(t.encoder.EncodeIndicator(control, t.register))
}

func (t *Transceiver) SendAck() error {
	return t.driver.Send(t.encoder.EncodeIndicator(protocol.ACK, t.register))
}

func (t *Transceiver) SendNak() error {
	return t.driver.Send(t.encoder.EncodeIndicator(protocol.NAK, t.register))
}

func (t *Transceiver) sendENQ() error {
	return t.driver.Send(t.encoder.EncodeIndicator(protocol.ENQ, t.register))
}

// BroadcastSequence transmits bytes as a broadcast frame. On RS-485, the
// first broadcast since any message was received is preceded by a
// broadcast-addressed ENQ indicator announcing the bulk-load session.
func (t *Transceiver) BroadcastSequence(payload []byte) error {
	if t.physical == protocol.RS485 && !t.broadcastAnnounced {
		if err := t.driver.Send(t.encoder.EncodeIndicator(protocol.ENQ, protocol.AddrBroadcast)); err != nil {
			return err
		}
		t.broadcastAnnounced = true
	}
	return t.driver.Send(t.encoder.EncodeBroadcast(payload))
}
