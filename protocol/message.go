package protocol

import "strings"

// MaxPayloadLength is the longest payload a MessagePacket may carry
// (spec §3).
const MaxPayloadLength = 200

// MessageData is an immutable payload, viewed both as a raw byte sequence
// and as an ordered, one-based sequence of ':'/';' separated fields. Field 0
// is always the 3-character message type tag.
type MessageData struct {
	raw    []byte
	fields []string
}

// NewMessageData validates and wraps raw payload bytes. raw must not exceed
// MaxPayloadLength and must not contain any protocol control byte.
func NewMessageData(raw []byte) (MessageData, error) {
	if len(raw) == 0 {
		return MessageData{}, NewError(KindPacketValidation, "empty message payload")
	}
	if len(raw) > MaxPayloadLength {
		return MessageData{}, NewError(KindPacketValidation, "payload exceeds maximum length")
	}
	for _, b := range raw {
		if IsControlByte(b) {
			return MessageData{}, NewError(KindPacketValidation, "payload contains a reserved control byte")
		}
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return MessageData{
		raw:    cp,
		fields: splitFields(string(cp)),
	}, nil
}

// NewMessage builds a MessageData from a textual command string, e.g.
// "0;*2;+4;&m" or "A01:068:...".
func NewMessage(text string) (MessageData, error) {
	return NewMessageData([]byte(text))
}

// splitFields splits on ':' and ';', preserving empty fields: spec §3 treats
// MessageData as an ordered, one-based sequence of fields, so an empty
// interior cell (e.g. a C22 record with a blank amount) must not shift the
// index of every field after it. strings.FieldsFunc would collapse it.
func splitFields(s string) []string {
	normalized := strings.ReplaceAll(s, ";", ":")
	return strings.Split(normalized, ":")
}

// Bytes returns the raw payload.
func (m MessageData) Bytes() []byte {
	cp := make([]byte, len(m.raw))
	copy(cp, m.raw)
	return cp
}

// String returns the payload as text.
func (m MessageData) String() string { return string(m.raw) }

// Len reports the number of fields, field 0 included.
func (m MessageData) Len() int { return len(m.fields) }

// Field returns the i-th field (0-based; field 0 is the message type tag).
// Returns "" if i is out of range.
func (m MessageData) Field(i int) string {
	if i < 0 || i >= len(m.fields) {
		return ""
	}
	return m.fields[i]
}

// Type returns the 3-character message type tag (field 0).
func (m MessageData) Type() string { return m.Field(0) }

// IsType reports whether the message's type tag equals t.
func (m MessageData) IsType(t string) bool { return m.Type() == t }
