// Package status holds the two parsed, session-scoped records the register
// pushes to the host: CashRegisterStatus (from A01) and
// ConnectabilityProgramming (from C24). Design note §9 re-architects the
// original's process-wide statics as values carried through a session
// context instead; see operations.Session.
package status

import (
	"strconv"
	"time"

	"github.com/daedaluz/smart3/protocol"
)

// Mode is the register's current operating mode.
type Mode int

const (
	ModeInactive Mode = iota
	ModeRegistering
	ModeReading
	ModeClosing
	ModeProgramming
)

func (m Mode) String() string {
	switch m {
	case ModeInactive:
		return "Inactive"
	case ModeRegistering:
		return "Registering"
	case ModeReading:
		return "Reading"
	case ModeClosing:
		return "Closing"
	case ModeProgramming:
		return "Programming"
	default:
		return "Unknown"
	}
}

// Flags is the A01 status flag bitset. Mirrors the bitset-constant style of
// the teacher's RS485Flag/SerialFlags groups (goserial/port_linux.go).
type Flags uint32

const (
	TicketOpen Flags = 1 << iota
	NonFiscalTicketOpen
	KeyStrikingStarted
	Reconnection
	KeyboardLockedByHost
	RetransmissionLimit
	SequenceError
	SyntaxError
	TimeoutError
	CommandError
	OperatingError
	HardwareFault
	MemoryReset
	FiscalMemoryError
	FiscalMemoryFull
	FiscalClosingThresholdAttained
	Fiscalized
	EuroFiscalized
	RemoteMode       // extended only
	GenericPrinterError // extended only
	GenericError     // extended only
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// CashRegisterStatus is the parsed A01 hello message.
type CashRegisterStatus struct {
	Mode      Mode
	Flags     Flags
	Timestamp time.Time
	Name      string
	Serial    string
}

// ParseA01 parses an "A01:068:128:192:3112991159:SMARTIII:R000001:" style
// payload. Field layout, left to right after the A01 tag: a status byte
// whose low 3 bits are the mode code and whose upper 5 bits are the
// TicketOpen..KeyboardLockedByHost flags, a flags word (field 2), a second
// flags word (extended, field 3), a DDMMYYHHMM timestamp, device name,
// serial number.
func ParseA01(msg protocol.MessageData) (CashRegisterStatus, error) {
	if !msg.IsType("A01") {
		return CashRegisterStatus{}, protocol.NewError(protocol.KindProtocol, "not an A01 message")
	}
	var st CashRegisterStatus
	modeCode, err := strconv.Atoi(msg.Field(1))
	if err != nil {
		return st, protocol.WrapError(protocol.KindProtocol, "A01 mode field", err)
	}
	st.Mode = Mode(modeCode & 0x07)
	st.Flags = Flags(modeCode >> 3)

	flagsLo, err := strconv.ParseUint(msg.Field(2), 10, 32)
	if err != nil {
		return st, protocol.WrapError(protocol.KindProtocol, "A01 flags field", err)
	}
	st.Flags |= Flags(flagsLo)
	if ext := msg.Field(3); ext != "" {
		flagsHi, err := strconv.ParseUint(ext, 10, 32)
		if err == nil {
			st.Flags |= Flags(flagsHi) << 16
		}
	}

	if ts := msg.Field(4); len(ts) == 10 {
		if t, err := time.Parse("0201061504", ts); err == nil {
			st.Timestamp = t
		}
	}
	st.Name = msg.Field(5)
	st.Serial = msg.Field(6)
	return st, nil
}

// CommFlags is the C24 communication flag bitset, assembled from two bytes
// in the extended connectability variant.
type CommFlags uint32

// ConnectabilityProgramming is the parsed C24 message.
type ConnectabilityProgramming struct {
	HelloIntervalSlow  time.Duration
	HelloIntervalMid   time.Duration
	HelloIntervalFast  time.Duration
	AckTimeoutMillis   int
	BeepOnTimeout      bool
	Retransmissions    int
	Interactivity      int
	History            int
	CRN                int
	PageCount          int
	Baud               int
	PLUCapacity        int
	CustomerCapacity   int
	RS485Address       int
	CommFlags          CommFlags
	TimeoutMilliseconds int
}

// ParseC24 parses a single C24 record field-by-field. Field 3 equal to "*"
// marks the terminator record (caller stops looping on Listen); callers
// should not call ParseC24 on that record.
func ParseC24(msg protocol.MessageData) (ConnectabilityProgramming, error) {
	if !msg.IsType("C24") {
		return ConnectabilityProgramming{}, protocol.NewError(protocol.KindProtocol, "not a C24 message")
	}
	var c ConnectabilityProgramming
	ints := make([]int, 0, msg.Len())
	for i := 1; i < msg.Len(); i++ {
		v, err := strconv.Atoi(msg.Field(i))
		if err != nil {
			v = 0
		}
		ints = append(ints, v)
	}
	get := func(i int) int {
		if i < len(ints) {
			return ints[i]
		}
		return 0
	}
	c.HelloIntervalSlow = time.Duration(get(0)) * time.Second
	c.HelloIntervalMid = time.Duration(get(1)) * time.Second
	c.HelloIntervalFast = time.Duration(get(2)) * time.Second
	c.AckTimeoutMillis = get(3) * 100 // decaseconds -> ms
	c.BeepOnTimeout = get(4) != 0
	c.Retransmissions = get(5)
	c.Interactivity = get(6)
	c.History = get(7)
	c.CRN = get(8)
	c.PageCount = get(9)
	c.Baud = get(10)
	c.PLUCapacity = get(11)
	c.CustomerCapacity = get(12)
	c.RS485Address = get(13)
	c.CommFlags = CommFlags(get(14)) | CommFlags(get(15))<<16
	c.TimeoutMilliseconds = get(16)
	return c, nil
}
