// Package console implements spec §4.5: the dialogue layer built on top of
// transceiver.Transceiver. Listen/Answer/AnswerAny/Broadcast/Swallow/Hello
// are the only primitives operations.* is allowed to call; none of them
// know about PLUInfo, transactions, or fiscal reports.
package console

import (
	"github.com/rs/zerolog"

	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/transceiver"
)

// MaxRetries bounds both the read-retry loop (Listen, and every primitive
// built on receiveRetrying) and the write-retry loop (Answer/AnswerAny's
// reply transmission), per spec §4.5.
const MaxRetries = 3

// Accept builds a handler's accepted-message-type contract.
func Accept(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Listener is the (accepted_types, handler) contract design note §9 assigns
// to a single inbound, reply-less exchange: receive, ack, process.
type Listener struct {
	Accepts map[string]bool
	Handle  func(protocol.MessageData) error
}

// Answerer is the (accepted_types, handler) contract for a request/reply
// exchange: receive, ack, produce a reply, drive it to the register's
// ACK/NAK.
type Answerer struct {
	Accepts map[string]bool
	Handle  func(protocol.MessageData) (protocol.MessageData, error)
}

// Console drives one Transceiver through the dialogue primitives operations
// are built from.
type Console struct {
	t   *transceiver.Transceiver
	log zerolog.Logger
}

func New(t *transceiver.Transceiver, log zerolog.Logger) *Console {
	return &Console{t: t, log: log}
}

// receiveRetrying receives one message, retrying on framing (CRC/structure)
// errors by NAK-ing and trying again, up to MaxRetries times. Any other
// error (timeout, I/O) propagates immediately.
func (c *Console) receiveRetrying() (protocol.MessagePacket, error) {
	retries := 0
	for {
		msg, err := c.t.ReceiveMessage()
		if err == nil {
			return msg, nil
		}
		perr, ok := err.(*protocol.Error)
		if !ok || perr.Kind != protocol.KindPacketValidation {
			return protocol.MessagePacket{}, err
		}
		retries++
		if retries > MaxRetries {
			return protocol.MessagePacket{}, protocol.NewError(protocol.KindProtocol, "read retry timeout exceeded")
		}
		if nakErr := c.t.SendNak(); nakErr != nil {
			return protocol.MessagePacket{}, nakErr
		}
	}
}

// Listen receives a message, verifies l's contract, acknowledges it, and
// invokes l.Handle. A contract mismatch is reported without acking the
// frame.
func (c *Console) Listen(l Listener) error {
	msg, err := c.receiveRetrying()
	if err != nil {
		return err
	}
	if !l.Accepts[msg.Payload.Type()] {
		return protocol.NewError(protocol.KindProtocolContract, "unexpected message type "+msg.Payload.Type())
	}
	if err := c.t.SendAck(); err != nil {
		return err
	}
	return l.Handle(msg.Payload)
}

// answerLoop transmits reply and drives the register's indicator response:
// ACK completes, NAK retransmits (up to MaxRetries+1 total sends), SYN/BEL
// wait without retransmitting, CAN reports a CashRegister refusal, anything
// else is a protocol violation.
func (c *Console) answerLoop(reply protocol.MessageData) error {
	attempts := 0
	for {
		if err := c.t.SendMessage(reply); err != nil {
			return err
		}
		attempts++
		retransmit := false
		for !retransmit {
			ind, err := c.t.ReceiveIndicator()
			if err != nil {
				return err
			}
			switch ind.Control {
			case protocol.ACK:
				return nil
			case protocol.NAK:
				if attempts > MaxRetries {
					return protocol.NewError(protocol.KindProtocol, "write retry timeout exceeded")
				}
				retransmit = true
			case protocol.SYN, protocol.BEL:
				// Register is still working; keep waiting on the same reply.
			case protocol.CAN:
				return protocol.NewError(protocol.KindCashRegister, "unable to complete the request")
			default:
				return protocol.NewError(protocol.KindProtocol, "invalid control byte")
			}
		}
	}
}

// Answer receives a message, verifies a's contract, acknowledges it,
// invokes a.Handle, and drives the resulting reply to completion.
func (c *Console) Answer(a Answerer) error {
	msg, err := c.receiveRetrying()
	if err != nil {
		return err
	}
	if !a.Accepts[msg.Payload.Type()] {
		return protocol.NewError(protocol.KindProtocolContract, "unexpected message type "+msg.Payload.Type())
	}
	if err := c.t.SendAck(); err != nil {
		return err
	}
	reply, err := a.Handle(msg.Payload)
	if err != nil {
		return err
	}
	return c.answerLoop(reply)
}

// AnswerAny receives a message and dispatches it to the first answerer
// whose contract accepts its type. No match is a ProtocolContract error.
func (c *Console) AnswerAny(answerers ...Answerer) error {
	msg, err := c.receiveRetrying()
	if err != nil {
		return err
	}
	for _, a := range answerers {
		if !a.Accepts[msg.Payload.Type()] {
			continue
		}
		if err := c.t.SendAck(); err != nil {
			return err
		}
		reply, err := a.Handle(msg.Payload)
		if err != nil {
			return err
		}
		return c.answerLoop(reply)
	}
	return protocol.NewError(protocol.KindProtocolContract, "no answerer accepts message type "+msg.Payload.Type())
}

// Broadcast transmits payload as a broadcast (no acknowledgement expected).
func (c *Console) Broadcast(payload []byte) error {
	return c.t.BroadcastSequence(payload)
}

// Swallow receives and discards one message, still participating in the
// NAK-retry and ACK protocol. Used where a reply is structurally required
// but its content is uninteresting to the caller.
func (c *Console) Swallow() error {
	if _, err := c.receiveRetrying(); err != nil {
		return err
	}
	return c.t.SendAck()
}

// Hello transmits a hello indicator (DLE, or DC1 if immediate), requesting
// the register announce itself via an unsolicited A01.
func (c *Console) Hello(immediate bool) error {
	return c.t.SendHelloRequest(immediate)
}
