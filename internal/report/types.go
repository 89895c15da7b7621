package report

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedInput is returned when non-empty input contains no loss record
// and none of the checker's summary markers.
var ErrUnrecognizedInput = errors.New("input is not a recognizable leak report")

// Kind is the checker's own reachability classification of a loss record.
type Kind int

const (
	KindDefinitelyLost Kind = iota
	KindIndirectlyLost
	KindPossiblyLost
	KindStillReachable
)

var kindNames = [...]string{
	KindDefinitelyLost: "definitely lost",
	KindIndirectlyLost: "indirectly lost",
	KindPossiblyLost:   "possibly lost",
	KindStillReachable: "still reachable",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps the checker's wording ("definitely lost", "still reachable", ...) to a Kind.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown kind %q", string(b))
	}
	*k = v
	return nil
}

// LossRecord is one "N bytes in B blocks are ... in loss record X of Y" block
// together with its raw stack lines. It is never modified after parsing.
type LossRecord struct {
	PID           int
	Bytes         int64
	DirectBytes   int64
	IndirectBytes int64
	Blocks        int64
	Kind          Kind
	Index         int // "loss record X"
	Total         int // "of Y"
	Line          int // 1-based line of the header in the input
	Header        string
	StackLines    []string // "at 0x...: ..." / "by 0x...: ..." with the prefix removed
	RawText       string
}

// Amount is a bytes/blocks pair from the LEAK SUMMARY section.
type Amount struct {
	Bytes  int64
	Blocks int64
}

// Summary mirrors the checker's LEAK SUMMARY block. Concatenated runs accumulate.
type Summary struct {
	DefinitelyLost Amount
	IndirectlyLost Amount
	PossiblyLost   Amount
	StillReachable Amount
	Suppressed     Amount
}

// TotalLeaked is definitely plus indirectly lost bytes.
func (s Summary) TotalLeaked() int64 {
	return s.DefinitelyLost.Bytes + s.IndirectlyLost.Bytes
}

// Report is the result of ingesting raw checker output.
type Report struct {
	Records []LossRecord
	Errors  []*ParseError
	Summary Summary
	// Clean is set when the checker stated that no leaks are possible.
	Clean bool
}

// ParseError describes one loss record that could not be parsed. It is scoped to
// that record; the rest of the report is still ingested.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}
