package backtrace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

// Frame is one stack entry of a loss record.
type Frame struct {
	Address  string `json:"address,omitempty" msgpack:"address"`
	Module   string `json:"module,omitempty" msgpack:"module"`
	Function string `json:"function,omitempty" msgpack:"function"`
	File     string `json:"file,omitempty" msgpack:"file"`
	Line     int    `json:"line,omitempty" msgpack:"line"`
	// Opaque frames have no source location (library internals, unresolved symbols).
	Opaque bool   `json:"opaque" msgpack:"opaque"`
	Raw    string `json:"raw,omitempty" msgpack:"raw"`
}

// Name returns the symbol name, or "???" when unresolved.
func (f Frame) Name() string {
	if f.Function == "" {
		return "???"
	}
	return f.Function
}

// Location returns "file:line" for resolved frames and the module otherwise.
func (f Frame) Location() string {
	if f.File != "" {
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if f.Module != "" {
		return f.Module
	}
	return f.Address
}

// Backtrace is a flat call stack, allocation site first and root caller last.
type Backtrace []Frame

// FrameError marks a stack line that did not follow the frame grammar. The
// line is kept as an opaque frame.
type FrameError struct {
	Index int
	Text  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: unparseable stack line %q", e.Index, e.Text)
}

var (
	// "at 0x4846828: malloc (in /usr/libexec/...)" or "by 0x109256: f (leaky.c:19)".
	framePattern = regexp.MustCompile(`^(?:at|by)\s+(0x[0-9A-Fa-f]+):\s+(.+?)\s+\(([^()]*)\)\s*$`)
	// "by 0x109256: ???" without any location.
	bareFramePattern = regexp.MustCompile(`^(?:at|by)\s+(0x[0-9A-Fa-f]+):\s+(\S.*?)\s*$`)
	fileLinePattern  = regexp.MustCompile(`^(.+):(\d+)$`)
)

// Parse turns stack lines into frames. Order is preserved; lines that do not
// match the grammar become opaque frames and are reported as FrameErrors.
func Parse(lines []string) (Backtrace, []*FrameError) {
	bt := make(Backtrace, 0, len(lines))
	var errs []*FrameError
	for i, line := range lines {
		line = strings.TrimSpace(line)
		f, ok := parseFrame(line)
		if !ok {
			errs = append(errs, &FrameError{Index: i, Text: line})
			f = Frame{Opaque: true, Raw: line}
		}
		bt = append(bt, f)
	}
	return bt, errs
}

func parseFrame(line string) (Frame, bool) {
	f := Frame{Raw: line}
	if m := framePattern.FindStringSubmatch(line); m != nil {
		f.Address = m[1]
		f.Function = symbol(m[2])
		inner := strings.TrimSpace(m[3])
		switch {
		case strings.HasPrefix(inner, "in "):
			f.Module = strings.TrimSpace(strings.TrimPrefix(inner, "in "))
		default:
			if fl := fileLinePattern.FindStringSubmatch(inner); fl != nil {
				n, err := strconv.ParseInt(fl[2], 10, 64)
				if err != nil {
					return Frame{}, false
				}
				ln, err := safecast.Conv[int](n)
				if err != nil {
					return Frame{}, false
				}
				f.File = fl[1]
				f.Line = ln
			} else {
				f.Module = inner
			}
		}
		f.Opaque = f.File == ""
		return f, true
	}
	if m := bareFramePattern.FindStringSubmatch(line); m != nil {
		f.Address = m[1]
		f.Function = symbol(m[2])
		f.Opaque = true
		return f, true
	}
	return Frame{}, false
}

func symbol(s string) string {
	s = strings.TrimSpace(s)
	if s == "???" {
		return ""
	}
	return s
}

// IsLibrary reports whether the frame belongs to the checker, libc or the
// allocator rather than the program under test.
func IsLibrary(f Frame) bool {
	return rules.matches(f)
}

// Primary returns the index of the innermost resolved frame owned by the program.
// When no frame qualifies it falls back to the innermost frame and reports low
// confidence.
func (bt Backtrace) Primary() (idx int, lowConfidence bool) {
	for i, f := range bt {
		if !f.Opaque && !IsLibrary(f) {
			return i, false
		}
	}
	return 0, true
}

// UserFrames returns the indices of resolved program frames, innermost first.
func (bt Backtrace) UserFrames() []int {
	var out []int
	for i, f := range bt {
		if !f.Opaque && !IsLibrary(f) {
			out = append(out, i)
		}
	}
	return out
}
