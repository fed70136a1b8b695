package operations

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/plu"
	"github.com/daedaluz/smart3/protocol"
)

// Transact drives a sale through the register's virtual keyboard: strike the
// first item via the B23 that follows the hello, strike every remaining
// item as the register asks for one via B14 (answering with SUBTOTAL once
// items run out), enter the tendered payment on B15, then acknowledge B17
// and B18 with the default command.
func (s *Session) Transact(items []plu.Info, payment decimal.Decimal) error {
	if len(items) == 0 {
		return protocol.NewError(protocol.KindInvalidArgument, "transact requires at least one item")
	}
	if err := s.answerHello("0;+1", nil); err != nil {
		return err
	}

	remaining := append([]plu.Info(nil), items...)
	first := remaining[0]
	remaining = remaining[1:]

	firstCmd, err := encodeKeySequence(fmt.Sprintf("$CLEAR$$CLEAR$%d*%s$PLU$", first.Quantity, first.Id))
	if err != nil {
		return err
	}
	if err := s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B23"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage(firstCmd)
		},
	}); err != nil {
		return err
	}

	subtotaled := false
	for !subtotaled {
		err := s.Console.AnswerAny(
			console.Answerer{
				Accepts: console.Accept("B10"),
				Handle: func(protocol.MessageData) (protocol.MessageData, error) {
					return protocol.NewMessage(defaultCommand)
				},
			},
			console.Answerer{
				Accepts: console.Accept("B14"),
				Handle: func(protocol.MessageData) (protocol.MessageData, error) {
					if len(remaining) > 0 {
						item := remaining[0]
						remaining = remaining[1:]
						cmd, err := encodeKeySequence(fmt.Sprintf("%d*%s$PLU$", item.Quantity, item.Id))
						if err != nil {
							return protocol.MessageData{}, err
						}
						return protocol.NewMessage(cmd)
					}
					subtotaled = true
					cmd, err := encodeKeySequence("$SUBTOTAL$")
					if err != nil {
						return protocol.MessageData{}, err
					}
					return protocol.NewMessage(cmd)
				},
			},
		)
		if err != nil {
			return err
		}
	}

	paymentCents := payment.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	totalCmd, err := encodeKeySequence(fmt.Sprintf("%d$TOTAL$", paymentCents))
	if err != nil {
		return err
	}
	if err := s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B15"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage(totalCmd)
		},
	}); err != nil {
		return err
	}
	if err := s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B17"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage(defaultCommand)
		},
	}); err != nil {
		return err
	}
	return s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B18"),
		Handle: func(protocol.MessageData) (protocol.MessageData, error) {
			return protocol.NewMessage(defaultCommand)
		},
	})
}
