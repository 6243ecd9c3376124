// Package osc scans raw PTY output for the shell-integration escape
// sequences Cove cares about: OSC 7 (working directory reports) and
// OSC 133 (prompt/command lifecycle markers).
//
// The parser is incremental: a sequence may start in one read and finish in
// a later one, so all state lives in the Parser and Feed can be called with
// arbitrarily split chunks. Recognized (and unrecognized) OSC sequences are
// stripped from the visible output; every other byte, including non-OSC
// escape sequences like CSI color codes, passes through untouched for the
// terminal view to interpret.
package osc

import (
	"strconv"
	"strings"
)

// maxParamLen caps the accumulated OSC parameter text. A program that opens
// an OSC and never terminates it would otherwise grow the buffer without
// bound; past the cap the sequence is abandoned and parsing resumes in the
// ground state.
const maxParamLen = 4096

// EventKind identifies a shell-integration event.
type EventKind int

const (
	// PromptStart marks the beginning of a shell prompt (OSC 133;A).
	PromptStart EventKind = iota
	// CommandStart marks the start of command execution (OSC 133;B).
	CommandStart
	// CommandEnd marks command completion with an exit code (OSC 133;D).
	CommandEnd
	// DirectoryChanged reports the shell's working directory (OSC 7).
	DirectoryChanged
)

func (k EventKind) String() string {
	switch k {
	case PromptStart:
		return "prompt_start"
	case CommandStart:
		return "command_start"
	case CommandEnd:
		return "command_end"
	case DirectoryChanged:
		return "directory_changed"
	default:
		return "unknown"
	}
}

// Event is a single shell-integration event recognized in the stream.
type Event struct {
	Kind EventKind

	// ExitCode is set for CommandEnd. Defaults to 0 when the marker
	// carries no (or a non-numeric) exit code.
	ExitCode int

	// Path is set for DirectoryChanged, percent-decoded.
	Path string
}

type state int

const (
	stateGround state = iota
	stateEscape    // after ESC, introducer not yet known
	stateOSC       // inside an OSC parameter string
	stateOSCEscape // saw ESC inside an OSC string, possible ST terminator
)

// Parser is an incremental OSC scanner. One Parser belongs to exactly one
// session's reader loop and is not safe for concurrent use.
type Parser struct {
	state state
	param []byte
}

// NewParser returns a parser in the ground state.
func NewParser() *Parser {
	return &Parser{param: make([]byte, 0, 256)}
}

// Feed consumes a chunk of raw PTY output. It returns the bytes that should
// be forwarded to the terminal view (with OSC sequences removed) and any
// integration events recognized in this chunk, in stream order. Feed never
// fails: malformed input degrades to stripping the offending sequence.
func (p *Parser) Feed(chunk []byte) ([]byte, []Event) {
	visible := make([]byte, 0, len(chunk))
	var events []Event

	for _, b := range chunk {
		switch p.state {
		case stateGround:
			if b == 0x1b {
				p.state = stateEscape
			} else {
				visible = append(visible, b)
			}

		case stateEscape:
			switch b {
			case ']':
				p.state = stateOSC
				p.param = p.param[:0]
			case 0x1b:
				// ESC ESC: the first one was not an OSC introducer,
				// the second may still start one.
				visible = append(visible, 0x1b)
			default:
				// Not an OSC. CSI, SGR, charset selection and friends
				// belong to the terminal view; replay both bytes.
				visible = append(visible, 0x1b, b)
				p.state = stateGround
			}

		case stateOSC:
			switch b {
			case 0x07: // BEL terminator
				if ev, ok := p.finish(); ok {
					events = append(events, ev)
				}
				p.state = stateGround
			case 0x1b:
				p.state = stateOSCEscape
			default:
				p.param = append(p.param, b)
				if len(p.param) > maxParamLen {
					p.param = p.param[:0]
					p.state = stateGround
				}
			}

		case stateOSCEscape:
			switch b {
			case '\\': // ST terminator (ESC \)
				if ev, ok := p.finish(); ok {
					events = append(events, ev)
				}
				p.state = stateGround
			case 0x1b:
				// ESC that wasn't ST; the new ESC may still begin one.
				p.param = append(p.param, 0x1b)
			default:
				// Stray ESC inside the parameter text. Keep both bytes in
				// the parameter; they will be discarded with the sequence
				// unless it turns out to be one we recognize.
				p.param = append(p.param, 0x1b, b)
				p.state = stateOSC
				if len(p.param) > maxParamLen {
					p.param = p.param[:0]
					p.state = stateGround
				}
			}
		}
	}

	return visible, events
}

// Reset discards any partially accumulated sequence. Called on session
// teardown; a never-terminated sequence produces no event.
func (p *Parser) Reset() {
	p.state = stateGround
	p.param = p.param[:0]
}

// finish interprets the accumulated OSC parameter text. It returns false
// for sequences Cove does not recognize; those are stripped silently.
func (p *Parser) finish() (Event, bool) {
	param := string(p.param)
	p.param = p.param[:0]

	if rest, ok := strings.CutPrefix(param, "133;"); ok {
		return parseMarker(rest)
	}
	if rest, ok := strings.CutPrefix(param, "7;"); ok {
		return parseDirectory(rest)
	}
	return Event{}, false
}

// parseMarker handles the OSC 133 payload: a single letter optionally
// followed by ";params".
func parseMarker(payload string) (Event, bool) {
	if payload == "" {
		return Event{}, false
	}
	switch payload[0] {
	case 'A':
		return Event{Kind: PromptStart}, true
	case 'B':
		return Event{Kind: CommandStart}, true
	case 'C':
		// Output-start marker; consumers don't need it.
		return Event{}, false
	case 'D':
		code := 0
		if len(payload) > 2 && payload[1] == ';' {
			if n, err := strconv.Atoi(payload[2:]); err == nil {
				code = n
			}
		}
		return Event{Kind: CommandEnd, ExitCode: code}, true
	default:
		return Event{}, false
	}
}

// parseDirectory handles the OSC 7 payload, a file://host/path URI.
func parseDirectory(payload string) (Event, bool) {
	rest, ok := strings.CutPrefix(payload, "file://")
	if !ok {
		return Event{}, false
	}
	// Skip the host component; the path starts at the first slash.
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return Event{}, false
	}
	return Event{Kind: DirectoryChanged, Path: percentDecode(rest[slash:])}, true
}

// percentDecode decodes %XX escapes byte-wise. Unlike net/url.PathUnescape
// it never fails: malformed escapes are passed through verbatim, matching
// how terminals treat sloppy OSC 7 emitters.
func percentDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
