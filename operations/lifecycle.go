package operations

import (
	"fmt"
	"time"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/status"
)

// Startup requests a hello, rejects a register that already has a ticket
// or key striking in progress, then drains the C24 connectability records
// the register announces, stopping at the terminator record (field 3 ==
// "*"). The last non-terminator record observed becomes s.Connectability.
func (s *Session) Startup() error {
	if err := s.answerHello("0;*2;+4;&m", checkTicketOpen); err != nil {
		return err
	}
	for {
		var terminator bool
		var rec status.ConnectabilityProgramming
		err := s.Console.Listen(console.Listener{
			Accepts: console.Accept("C24"),
			Handle: func(m protocol.MessageData) error {
				if m.Field(3) == "*" {
					terminator = true
					return nil
				}
				parsed, err := status.ParseC24(m)
				if err != nil {
					return err
				}
				rec = parsed
				return nil
			},
		})
		if err != nil {
			return err
		}
		if terminator {
			return nil
		}
		s.Connectability = rec
	}
}

// Shutdown requests a hello, answers the resulting A01 by moving the
// register to inactive mode and releasing any host keyboard lock, answers
// the B23 that follows by requesting an immediate final hello, then
// swallows Retransmissions+1 further exchanges before sleeping out the
// register's configured timeout.
func (s *Session) Shutdown() error {
	if err := s.Console.Hello(false); err != nil {
		return err
	}
	err := s.Console.Answer(console.Answerer{
		Accepts: console.Accept("A01"),
		Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
			if _, err := status.ParseA01(m); err != nil {
				return protocol.MessageData{}, err
			}
			return protocol.NewMessage("0;+0;*3")
		},
	})
	if err != nil {
		return err
	}
	err = s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B23"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage("0;#A")
		},
	})
	if err != nil {
		return err
	}
	for i := 0; i < s.Connectability.Retransmissions+1; i++ {
		if err := s.Console.Swallow(); err != nil {
			return err
		}
	}
	time.Sleep(time.Duration(s.Connectability.TimeoutMilliseconds) * time.Millisecond)
	return nil
}

// Keepalive requests a hello and answers the resulting A01 with the default
// empty command, refreshing the register's idea of how recently the host
// has been in contact.
func (s *Session) Keepalive() error {
	return s.answerHello(defaultCommand, nil)
}

// DateTimeSync pushes now to the register's clock via the A01 reply's &t
// command, using the same DDMMYYHHMM layout ParseA01 reads back.
func (s *Session) DateTimeSync(now time.Time) error {
	return s.answerHello(fmt.Sprintf("0;+4;&t%s", now.Format("0201061504")), nil)
}
