// Package tracker follows a leaked block forward from its allocation, through
// the functions on its backtrace, to the statement where the program lost it.
package tracker

import (
	"fmt"
	"strings"
)

// LeakType is how the last reference to a block disappeared.
type LeakType int

const (
	LeakUndetermined LeakType = iota
	// LeakNeverFreed: the block is still owned when the program ends, or its
	// release is not reached on every path.
	LeakNeverFreed
	// LeakPointerLost: the last reference was overwritten or went out of scope.
	LeakPointerLost
	// LeakContainerFreed: the structure holding the block was released first.
	LeakContainerFreed
)

var leakTypeNames = [...]string{
	LeakUndetermined:   "undetermined",
	LeakNeverFreed:     "never_freed",
	LeakPointerLost:    "pointer_lost",
	LeakContainerFreed: "container_freed",
}

func (t LeakType) String() string {
	if t < 0 || int(t) >= len(leakTypeNames) {
		return leakTypeNames[LeakUndetermined]
	}
	return leakTypeNames[t]
}

func (t LeakType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LeakType) UnmarshalText(b []byte) error {
	for i, name := range leakTypeNames {
		if name == string(b) {
			*t = LeakType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown leak type %q", string(b))
}

// Op is one kind of event on the block's ownership trail.
type Op int

const (
	OpAlloc Op = iota
	OpAlias
	OpReturn
	OpTraverse
	OpReassign
	OpFree
	OpEnd
)

var opNames = [...]string{
	OpAlloc:    "ALLOC",
	OpAlias:    "ALIAS",
	OpReturn:   "RETURN",
	OpTraverse: "TRAVERSE",
	OpReassign: "REASSIGN",
	OpFree:     "FREE",
	OpEnd:      "END",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "?"
	}
	return opNames[o]
}

func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(b []byte) error {
	for i, name := range opNames {
		if name == string(b) {
			*o = Op(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", string(b))
}

// Step is one event on the trail. From is the previous name of the block for
// aliases, returns and traversals.
type Step struct {
	Op       Op     `json:"op" msgpack:"op"`
	Path     string `json:"path" msgpack:"path"`
	From     string `json:"from,omitempty" msgpack:"from"`
	Value    string `json:"value,omitempty" msgpack:"value"` // right-hand side of a reassignment
	Function string `json:"function" msgpack:"function"`
	Line     int    `json:"line" msgpack:"line"`
}

func (s Step) String() string {
	switch s.Op {
	case OpAlias:
		return fmt.Sprintf("ALIAS: %s = %s in %s()", s.Path, s.From, s.Function)
	case OpReturn:
		if s.Path == "" {
			return fmt.Sprintf("RETURN: %s discarded in %s()", s.From, s.Function)
		}
		return fmt.Sprintf("RETURN: %s -> %s in %s()", s.From, s.Path, s.Function)
	case OpTraverse:
		if s.Path == "" {
			return fmt.Sprintf("TRAVERSE: %s walked past the block in %s()", s.From, s.Function)
		}
		return fmt.Sprintf("TRAVERSE: %s -> %s in %s()", s.From, s.Path, s.Function)
	case OpEnd:
		return fmt.Sprintf("END: %s() exits with %s unreleased", s.Function, s.Path)
	default:
		return fmt.Sprintf("%s: %s in %s()", s.Op, s.Path, s.Function)
	}
}

// RootCause is the statement where the block was lost and the trail leading
// to it.
type RootCause struct {
	Type     LeakType `json:"type" msgpack:"type"`
	File     string   `json:"file" msgpack:"file"`
	Function string   `json:"function" msgpack:"function"`
	Line     int      `json:"line" msgpack:"line"`
	Code     string   `json:"code" msgpack:"code"`
	Steps    []Step   `json:"steps" msgpack:"steps"`
}

// Location formats the root-cause line as file:line.
func (rc *RootCause) Location() string {
	return fmt.Sprintf("%s:%d", rc.File, rc.Line)
}

// Overwritten reports whether the block was lost by giving its last holder a
// new, non-null value.
func (rc *RootCause) Overwritten() bool {
	if rc == nil || rc.Type != LeakPointerLost || len(rc.Steps) == 0 {
		return false
	}
	last := rc.Steps[len(rc.Steps)-1]
	return last.Op == OpReassign && !isNull(last.Value)
}

// Trail renders the steps one per line.
func (rc *RootCause) Trail() string {
	lines := make([]string, len(rc.Steps))
	for i, s := range rc.Steps {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}

// Clone returns a deep copy.
func (rc *RootCause) Clone() *RootCause {
	if rc == nil {
		return nil
	}
	c := *rc
	c.Steps = append([]Step(nil), rc.Steps...)
	return &c
}
