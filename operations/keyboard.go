package operations

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/daedaluz/smart3/protocol"
)

// keyCodes is the documented short table of named-key escapes (design note
// §9's open question: this table is authoritative, unknown tokens fail
// rather than being guessed at).
var keyCodes = map[string]int{
	"KEY":      1,
	"CLEAR":    3,
	"RETURN":   27,
	"000":      46,
	"00":       47,
	"PLU":      62,
	"SHIFT":    95,
	"SUBTOTAL": 101,
	"TOTAL":    102,
	"KEYBOARD": 109,
}

// literalKeyCode maps a single bare character outside a "$token$" escape to
// its key code: digits strike the matching numeric key, letters strike the
// alphabetic keys used to spell out a PLU id, and '*' is the quantity/PLU
// separator key.
func literalKeyCode(b byte) (int, error) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), nil
	case b >= 'A' && b <= 'Z':
		return 11 + int(b-'A'), nil
	case b == '*':
		return 10, nil
	default:
		return 0, protocol.NewError(protocol.KindInvalidArgument, fmt.Sprintf("unsupported key sequence character %q", b))
	}
}

// encodeKeySequence expands a textual sequence like "$CLEAR$$CLEAR$3*A$PLU$"
// into the Smart3 "0;#S{c1}:{c2}:...:{cN}" command the register's virtual
// keyboard expects.
func encodeKeySequence(seq string) (string, error) {
	var codes []int
	i := 0
	for i < len(seq) {
		if seq[i] == '$' {
			end := strings.IndexByte(seq[i+1:], '$')
			if end < 0 {
				return "", protocol.NewError(protocol.KindInvalidArgument, "unterminated $ escape in key sequence")
			}
			token := seq[i+1 : i+1+end]
			code, ok := keyCodes[token]
			if !ok {
				return "", protocol.NewError(protocol.KindInvalidArgument, "unknown keyboard token "+token)
			}
			codes = append(codes, code)
			i += end + 2
			continue
		}
		code, err := literalKeyCode(seq[i])
		if err != nil {
			return "", err
		}
		codes = append(codes, code)
		i++
	}
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return "0;#S" + strings.Join(parts, ":"), nil
}
