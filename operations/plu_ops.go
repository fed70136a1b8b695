package operations

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/plu"
	"github.com/daedaluz/smart3/protocol"
)

// pluRecordSize is the fixed width of a BroadcastPLUInfo wire record (spec
// §4.6): 13 bytes id, 4 bytes little-endian cent price, 1 byte department,
// 21 bytes name, 16 bytes reserved, 1 byte tax-1, 1 byte macro, 4 bytes
// reserved.
const pluRecordSize = 61

const broadcastBlockSize = 100

// parseHundredths turns a wire integer-cent field like "150" into a decimal
// by inserting a decimal point two digits from the right ("1.50").
func parseHundredths(s string) (decimal.Decimal, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	for len(digits) < 3 {
		digits = "0" + digits
	}
	text := digits[:len(digits)-2] + "." + digits[len(digits)-2:]
	if neg {
		text = "-" + text
	}
	return decimal.NewFromString(text)
}

// ReadPLUInfo requests the PLU records in the ordinal range [from,to]. The
// register terminates the stream with a C08 record whose field 3 is "*".
func (s *Session) ReadPLUInfo(from, to string, progress ProgressFunc) ([]plu.Info, error) {
	if strings.Compare(from, to) > 0 {
		from, to = to, from
	}
	if err := s.answerHello(fmt.Sprintf("0;+4;&M%s:%s", from, to), nil); err != nil {
		return nil, err
	}

	var records []plu.Info
	count := 0
	for {
		var terminator bool
		var rec plu.Info
		err := s.Console.Listen(console.Listener{
			Accepts: console.Accept("C08"),
			Handle: func(m protocol.MessageData) error {
				if m.Field(3) == "*" {
					terminator = true
					return nil
				}
				price, err := parseHundredths(m.Field(4))
				if err != nil {
					return protocol.WrapError(protocol.KindProtocol, "malformed C08 price field", err)
				}
				dept, err := strconv.Atoi(m.Field(5))
				if err != nil {
					return protocol.WrapError(protocol.KindProtocol, "malformed C08 department field", err)
				}
				tax, err := strconv.Atoi(m.Field(10))
				if err != nil {
					return protocol.WrapError(protocol.KindProtocol, "malformed C08 tax field", err)
				}
				macro, err := strconv.Atoi(m.Field(11))
				if err != nil {
					return protocol.WrapError(protocol.KindProtocol, "malformed C08 macro field", err)
				}
				info, err := plu.New(m.Field(3), m.Field(6), price, dept, tax, macro, 1)
				if err != nil {
					return protocol.WrapError(protocol.KindProtocol, "malformed C08 record", err)
				}
				rec = info
				return nil
			},
		})
		if err != nil {
			return records, err
		}
		if terminator {
			return records, nil
		}
		count++
		records = append(records, rec)
		if progress != nil {
			progress(ProgressEvent{Kind: ProgressReading, Current: count})
		}
	}
}

// WritePLUInfo drives a B81 request/reply loop, sending one PLU record per
// exchange until items is exhausted, then replying "*" to terminate.
func (s *Session) WritePLUInfo(items []plu.Info, progress ProgressFunc) error {
	if err := s.answerHello("0;+4;*G", nil); err != nil {
		return err
	}
	queue := append([]plu.Info(nil), items...)
	count := 0
	for {
		done := false
		err := s.Console.Answer(console.Answerer{
			Accepts: console.Accept("B81"),
			Handle: func(protocol.MessageData) (protocol.MessageData, error) {
				if len(queue) == 0 {
					done = true
					return protocol.NewMessage("*")
				}
				item := queue[0]
				queue = queue[1:]
				count++
				if progress != nil {
					progress(ProgressEvent{Kind: ProgressWriting, Current: count, Total: len(items)})
				}
				text := fmt.Sprintf("%s:%d:%d:%s:0:0:0:%d:%d",
					item.Id, item.PriceCents(), item.Department, item.Name, item.Tax, item.Macro)
				return protocol.NewMessage(text)
			},
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// encodePLURecord lays out a single fixed-width broadcast record. Unused
// trailing bytes are left zero rather than space-padded.
func encodePLURecord(item plu.Info) []byte {
	rec := make([]byte, pluRecordSize)
	copy(rec[0:13], item.Id)
	binary.LittleEndian.PutUint32(rec[13:17], uint32(item.PriceCents()))
	rec[17] = byte(item.Department)
	copy(rec[18:39], item.Name)
	rec[55] = byte(item.Tax - 1)
	rec[56] = byte(item.Macro)
	return rec
}

func uniqueById(items []plu.Info) []plu.Info {
	seen := make(map[string]bool, len(items))
	out := make([]plu.Info, 0, len(items))
	for _, it := range items {
		if seen[it.Id] {
			continue
		}
		seen[it.Id] = true
		out = append(out, it)
	}
	return out
}

// BroadcastPLUInfo pushes the program in blocks of 100 records, broadcasting
// a '?' byte after each block and answering the B99 confirmation that
// follows. If the register reports fewer accepted records than the block
// needed (accepted < blockEnd), the block is retransmitted from the same
// cursor instead of advancing; the reply to B99 always echoes the host's
// own confirmed count, not the register's raw report, so a retried block
// tells the register exactly where the host still believes it stands.
func (s *Session) BroadcastPLUInfo(items []plu.Info, progress ProgressFunc) error {
	filtered := uniqueById(items)
	sort.Slice(filtered, func(i, j int) bool { return plu.Less(filtered[i], filtered[j]) })
	total := len(filtered)

	if err := s.answerHello(fmt.Sprintf("0;+4;#z%d", total), nil); err != nil {
		return err
	}

	pos := 0
	loaded := 0
	for pos < total {
		blockEnd := pos + broadcastBlockSize
		if blockEnd > total {
			blockEnd = total
		}
		for i, item := range filtered[pos:blockEnd] {
			if err := s.Console.Broadcast(encodePLURecord(item)); err != nil {
				return err
			}
			if progress != nil {
				progress(ProgressEvent{Kind: ProgressWriting, Current: pos + i + 1, Total: total})
			}
		}
		if err := s.Console.Broadcast([]byte{'?'}); err != nil {
			return err
		}
		accepted, err := s.answerB99(loaded, blockEnd)
		if err != nil {
			return err
		}
		if accepted >= blockEnd {
			pos = blockEnd
			loaded = accepted
		}
	}
	if err := s.Console.Broadcast([]byte{'*'}); err != nil {
		return err
	}
	time.Sleep(3000 * time.Millisecond)
	return nil
}

func (s *Session) answerB99(loaded, blockEnd int) (int, error) {
	var accepted int
	err := s.Console.Answer(console.Answerer{
		Accepts: console.Accept("B99"),
		Handle: func(m protocol.MessageData) (protocol.MessageData, error) {
			n, err := strconv.Atoi(m.Field(1))
			if err != nil {
				return protocol.MessageData{}, protocol.WrapError(protocol.KindProtocol, "malformed B99 record", err)
			}
			accepted = n
			reply := loaded
			if n >= blockEnd {
				reply = n
			}
			return protocol.NewMessage(strconv.Itoa(reply))
		},
	})
	return accepted, err
}
