package protocol

import "fmt"

// Kind identifies which layer of the §7 error taxonomy an Error belongs to.
type Kind int

const (
	KindUnknown Kind = iota

	// Transport errors.
	KindTimeout
	KindPacketValidation
	KindIO

	// Protocol errors.
	KindProtocol
	KindProtocolContract

	// Cash-register errors.
	KindCashRegister
	KindOperatingError
	KindTicketOpen
	KindKeyStrikingStarted
	KindHardwareFault
	KindFiscalMemoryError
	KindFiscalMemoryFull
	KindFiscalClosingThreshold

	// Domain errors.
	KindFiscalDayOpen
	KindTransactionOpen
	KindCanceled
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindPacketValidation:
		return "PacketValidation"
	case KindIO:
		return "IO"
	case KindProtocol:
		return "Protocol"
	case KindProtocolContract:
		return "ProtocolContract"
	case KindCashRegister:
		return "CashRegister"
	case KindOperatingError:
		return "CashRegisterOperatingError"
	case KindTicketOpen:
		return "CashRegisterTicketOpen"
	case KindKeyStrikingStarted:
		return "CashRegisterKeyStrikingStarted"
	case KindHardwareFault:
		return "CashRegisterHardwareFault"
	case KindFiscalMemoryError:
		return "CashRegisterFiscalMemoryError"
	case KindFiscalMemoryFull:
		return "CashRegisterFiscalMemoryFull"
	case KindFiscalClosingThreshold:
		return "CashRegisterFiscalClosingThresholdAttained"
	case KindFiscalDayOpen:
		return "FiscalDayOpen"
	case KindTransactionOpen:
		return "TransactionOpen"
	case KindCanceled:
		return "Canceled"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the one error shape every layer of the core returns, generalizing
// the teacher's goserial.Error{msg, err} into a {Kind, Msg, Err} triple so
// callers can match on Kind with errors.Is/errors.As regardless of which
// layer raised it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Diagnostics populated by the framer/driver on Timeout/PacketValidation.
	BytesExpected  int
	BytesReceived  int
	BytesDiscarded int
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, protocol.Err(KindX)) match purely on Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Msg == ""
}

// Err builds a sentinel usable with errors.Is to test only a Kind.
func Err(kind Kind) error { return &Error{Kind: kind} }

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
