// Package operations implements spec §4.6: the nine scripted console
// conversations (Startup, Shutdown, Keepalive, ReadPLUInfo, WritePLUInfo,
// BroadcastPLUInfo, FinancialReport, FiscalClosing, Transact) plus the two
// expansion conversations DateTimeSync and PaymentMethodsDetail. Every
// operation is built only from console.Console primitives; none of this
// package touches a *serial.Driver or protocol.Framer directly.
package operations

import (
	"github.com/rs/zerolog"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/status"
)

// defaultCommand is the empty command operations reply with when they have
// nothing operation-specific to say (Keepalive's A01, B10, B17, B18, B45).
// answerHello does not answer a B23 mode-change request itself.
const defaultCommand = "0"

// Session threads per-conversation state through the A01 common handler.
// Design note §9 replaces the original's process-wide status statics with
// a value carried explicitly by the caller (manager.Manager.work constructs one
// per register connection) instead of package-level mutable state.
type Session struct {
	Console        *console.Console
	Status         status.CashRegisterStatus
	Connectability status.ConnectabilityProgramming
	Log            zerolog.Logger
}

func NewSession(c *console.Console, log zerolog.Logger) *Session {
	return &Session{Console: c, Log: log}
}

// ProgressKind distinguishes the long-running operations' progress callback
// events so a caller (manager, a UI) can render "record 42 of 150" without
// the operation itself knowing anything about presentation.
type ProgressKind int

const (
	ProgressReading ProgressKind = iota
	ProgressWriting
)

type ProgressEvent struct {
	Kind    ProgressKind
	Current int
	Total   int
}

type ProgressFunc func(ProgressEvent)

// check is additional flags an operation must also fail on, beyond the
// OperatingError/HardwareFault check every operation performs.
type check func(status.Flags) error

func checkCommonFlags(f status.Flags) error {
	if f.Has(status.OperatingError) {
		return protocol.NewError(protocol.KindOperatingError, "register reports an operating error")
	}
	if f.Has(status.HardwareFault) {
		return protocol.NewError(protocol.KindHardwareFault, "register reports a hardware fault")
	}
	return nil
}

func checkTicketOpen(f status.Flags) error {
	if f.Has(status.TicketOpen) || f.Has(status.NonFiscalTicketOpen) {
		return protocol.NewError(protocol.KindTicketOpen, "a ticket is already open")
	}
	if f.Has(status.KeyStrikingStarted) {
		return protocol.NewError(protocol.KindKeyStrikingStarted, "key striking already in progress")
	}
	return nil
}

func checkFiscalMemory(f status.Flags) error {
	if f.Has(status.FiscalMemoryError) {
		return protocol.NewError(protocol.KindFiscalMemoryError, "fiscal memory error")
	}
	if f.Has(status.FiscalMemoryFull) {
		return protocol.NewError(protocol.KindFiscalMemoryFull, "fiscal memory full")
	}
	return nil
}

// answerHello is the shared opening every operation performs: request a
// hello, parse the resulting A01, run the common and operation-specific
// flag checks, and answer with reply. This is the HandlerSet design note §9
// describes: a common handler plus an operation-specific reply and check.
func (s *Session) answerHello(reply string, extra check) error {
	if err := s.Console.Hello(false); err != nil {
		return err
	}
	return s.Console.Answer(console.Answerer{
		Accepts: console.Accept("A01"),
		Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
			st, err := status.ParseA01(m)
			if err != nil {
				return protocol.MessageData{}, err
			}
			s.Status = st
			if err := checkCommonFlags(st.Flags); err != nil {
				return protocol.MessageData{}, err
			}
			if extra != nil {
				if err := extra(st.Flags); err != nil {
					return protocol.MessageData{}, err
				}
			}
			return protocol.NewMessage(reply)
		},
	})
}
