package protocol

// Encoder builds outbound wire frames for one physical layer.
type Encoder struct {
	Physical Physical
}

func NewEncoder(p Physical) *Encoder { return &Encoder{Physical: p} }

// EncodeIndicator builds a one-byte (RS-232) or three-byte (RS-485)
// indicator frame. addr is ignored on RS-232.
func (e *Encoder) EncodeIndicator(control byte, addr byte) []byte {
	if e.Physical == RS485 {
		return []byte{control, addr, addr}
	}
	return []byte{control}
}

// EncodeMessage builds a MessagePacket frame carrying payload, with the
// given raw sequence counter and CRN. addr is the RS-485 destination
// address; ignored on RS-232.
func (e *Encoder) EncodeMessage(seq, crn int, payload []byte, addr byte) []byte {
	frame := make([]byte, 0, len(payload)+10)
	frame = append(frame, EOT)
	if e.Physical == RS485 {
		frame = append(frame, addr)
	}
	length := byte(7 + len(payload))
	frame = append(frame, length+0x28)
	frame = append(frame, EncodeSequence(seq))
	frame = append(frame, EncodeCRN(crn))
	frame = append(frame, payload...)
	frame = append(frame, STX)

	parity := xorCRC(frame)
	frame = append(frame, parity, ETX)
	return frame
}

// EncodeBroadcast builds a BroadcastPacket frame. On RS-485 the fixed
// universal address 0xC0 is inserted after the preamble.
func (e *Encoder) EncodeBroadcast(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, EOT)
	if e.Physical == RS485 {
		frame = append(frame, AddrBroadcast)
	}
	length := byte(5 + len(payload))
	frame = append(frame, length+0x28)
	frame = append(frame, payload...)
	frame = append(frame, STX)

	parity := sumCRC(frame)
	frame = append(frame, parity, ETX)
	return frame
}
