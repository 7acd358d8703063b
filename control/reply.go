package control

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/el-tor/eltord-go/errs"
)

// replyLine is one parsed line of a control-protocol reply:
// "<code><sep><payload>" where sep is '-' (more lines follow), '+' (a
// dot-terminated data block follows), or ' ' (this is the final line).
type replyLine struct {
	code    string
	sep     byte
	payload string
}

func parseReplyLine(line string) (replyLine, error) {
	if len(line) < 4 {
		return replyLine{}, fmt.Errorf("%w: reply line too short: %q", errs.Protocol, line)
	}
	sep := line[3]
	if sep != '-' && sep != '+' && sep != ' ' {
		return replyLine{}, fmt.Errorf("%w: unrecognized separator %q in line %q", errs.Protocol, sep, line)
	}
	return replyLine{code: line[:3], sep: sep, payload: line[4:]}, nil
}

// readReply reads a full (possibly multi-line) control-protocol reply from
// r, preserving any dot-terminated data blocks intact, and returns the
// concatenated text along with the final status code.
func readReply(r *bufio.Reader) (text string, finalCode string, err error) {
	var b strings.Builder
	for {
		raw, rerr := r.ReadString('\n')
		if rerr != nil {
			if raw == "" {
				return "", "", fmt.Errorf("%w: unterminated reply: %v", errs.Protocol, rerr)
			}
			// Fall through: treat the partial line as the last we'll see,
			// then surface the read error once parsed.
		}
		line := strings.TrimRight(raw, "\r\n")
		rl, perr := parseReplyLine(line)
		if perr != nil {
			return "", "", perr
		}
		b.WriteString(rl.payload)
		b.WriteString("\n")

		if rl.sep == '+' {
			// Multi-line data block terminated by a lone "." line.
			for {
				dataLine, derr := r.ReadString('\n')
				if derr != nil {
					return "", "", fmt.Errorf("%w: unterminated data block: %v", errs.Protocol, derr)
				}
				trimmed := strings.TrimRight(dataLine, "\r\n")
				if trimmed == "." {
					break
				}
				b.WriteString(trimmed)
				b.WriteString("\n")
			}
		}

		if rl.sep == ' ' {
			finalCode = rl.code
			if rerr != nil {
				return b.String(), finalCode, fmt.Errorf("%w: %v", errs.Transport, rerr)
			}
			return b.String(), finalCode, nil
		}
		if rerr != nil {
			return "", "", fmt.Errorf("%w: %v", errs.Transport, rerr)
		}
	}
}
