package protocol

// frameState is the PacketFramer's internal state (spec §4.1). Named the
// way the teacher names its ioctl/flag constant groups: one const block per
// concern, doc comment on every value that isn't self-explanatory.
type frameState int

const (
	stReadPreamble frameState = iota
	stIndicatorAddr
	stIndicatorAddrDup
	stMessageAddr
	stReadLength
	stReadSequence
	stReadCRNumber
	stReadMessage
	stReadParity
	stTerminateReady
	stTerminateWait
	stTerminated
)

const (
	minLength = 7
	maxLength = 215
)

// Framer is the inbound packet state machine: feed it bytes one at a time
// and it produces either an IndicatorPacket or a MessagePacket. One Framer
// parses exactly one frame; call Reset before reusing it for the next.
type Framer struct {
	physical Physical

	state   frameState
	err     *Error
	control byte
	addr    byte

	length   int
	parity   byte
	payload  []byte
	sequence int
	crn      int

	bytesExpected  int
	bytesReceived  int
	bytesDiscarded int
	current        Packet
}

// NewFramer returns a Framer for the given physical layer.
func NewFramer(p Physical) *Framer {
	f := &Framer{physical: p}
	f.Reset()
	return f
}

// Reset clears parsed state so the Framer is ready for the next frame.
// bytes_discarded/bytes_received counters persist across Reset, since they
// describe the session, not a single frame.
func (f *Framer) Reset() {
	f.state = stReadPreamble
	f.err = nil
	f.control = 0
	f.addr = 0
	f.length = 0
	f.parity = 0
	f.payload = nil
	f.sequence = 0
	f.crn = 0
	f.bytesExpected = 0
	f.current = nil
}

func (f *Framer) BytesExpected() int  { return f.bytesExpected }
func (f *Framer) BytesReceived() int  { return f.bytesReceived }
func (f *Framer) BytesDiscarded() int { return f.bytesDiscarded }
func (f *Framer) CurrentPacket() Packet { return f.current }

func (f *Framer) recordErr(msg string) {
	if f.err == nil {
		f.err = NewError(KindPacketValidation, msg)
	}
}

// Feed advances the state machine by one byte. It implements
// serial.FrameFeeder by structural typing (no import of the serial
// package is needed for that).
func (f *Framer) Feed(b byte) (bool, error) {
	f.bytesReceived++
	switch f.state {

	case stReadPreamble:
		if indicatorPreambles[b] {
			f.control = b
			if f.physical == RS485 {
				f.state = stIndicatorAddr
				return false, nil
			}
			f.current = IndicatorPacket{Control: f.control}
			f.state = stTerminated
			return true, nil
		}
		if b == EOT {
			f.parity = EOT
			if f.physical == RS485 {
				f.state = stMessageAddr
			} else {
				f.state = stReadLength
			}
			return false, nil
		}
		f.bytesDiscarded++
		return false, nil

	case stIndicatorAddr:
		f.addr = b
		if !ValidAddress(b) {
			f.recordErr("indicator address out of range")
		}
		f.state = stIndicatorAddrDup
		return false, nil

	case stIndicatorAddrDup:
		if b != f.addr {
			f.recordErr("indicator address bytes differ")
		}
		f.state = stTerminated
		if f.err != nil {
			return true, f.err
		}
		f.current = IndicatorPacket{Control: f.control, Address: f.addr, HasAddress: true}
		return true, nil

	case stMessageAddr:
		f.addr = b
		if !ValidAddress(b) {
			f.recordErr("message address out of range")
		}
		f.parity ^= b
		f.state = stReadLength
		return false, nil

	case stReadLength:
		f.length = int(b) - 0x28
		f.parity ^= b
		if f.length < minLength || f.length > maxLength {
			f.recordErr("invalid length byte")
			f.state = stTerminateWait
			return false, nil
		}
		f.payload = make([]byte, 0, f.length-minLength)
		addrBytes := 0
		if f.physical == RS485 {
			addrBytes = 1
		}
		f.bytesExpected = f.length + addrBytes
		f.state = stReadSequence
		return false, nil

	case stReadSequence:
		if b < 0x20 || b > 0x7F {
			f.recordErr("sequence byte out of range")
		}
		f.sequence = int(b) - 0x20
		f.parity ^= b
		f.state = stReadCRNumber
		return false, nil

	case stReadCRNumber:
		if b < 0x20 || b > 0x83 {
			f.recordErr("cash register number byte out of range")
		}
		f.crn = int(b) - 0x20
		f.parity ^= b
		f.state = stReadMessage
		return false, nil

	case stReadMessage:
		if len(f.payload) < cap(f.payload) {
			if IsControlByte(b) {
				f.recordErr("control byte found inside payload")
				f.state = stTerminateWait
				return false, nil
			}
			f.payload = append(f.payload, b)
			f.parity ^= b
			return false, nil
		}
		// Payload is full: this byte must be STX.
		if b != STX {
			f.recordErr("payload not terminated by STX")
			f.state = stTerminateWait
			return false, nil
		}
		f.parity ^= b
		f.state = stReadParity
		return false, nil

	case stReadParity:
		want := (f.parity & 0x7F) + 0x28
		if b != want {
			f.recordErr("parity mismatch")
			f.state = stTerminateWait
			return false, nil
		}
		f.state = stTerminateReady
		return false, nil

	case stTerminateReady:
		if b != ETX {
			f.recordErr("frame not terminated by ETX")
			f.state = stTerminated
			return true, f.err
		}
		f.state = stTerminated
		msg, merr := NewMessageData(f.payload)
		if merr != nil {
			return true, merr
		}
		f.current = MessagePacket{
			Address:    f.addr,
			HasAddress: f.physical == RS485,
			Sequence:   f.sequence,
			CRN:        f.crn,
			Payload:    msg,
		}
		return true, nil

	case stTerminateWait:
		if b == ETX {
			f.state = stTerminated
			return true, f.err
		}
		f.bytesDiscarded++
		return false, nil

	default: // stTerminated
		f.bytesDiscarded++
		return true, f.err
	}
}
