package dedup

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/backtrace"
)

// namespace seeds the deterministic finding IDs derived from signatures.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/MikeSquared-Agency/vex/finding"))

// Site is one (function, line) element of a signature.
type Site struct {
	Function string `json:"function" msgpack:"function"`
	Line     int    `json:"line" msgpack:"line"`
}

// Signature identifies "the same" leak across runs: the ordered resolved frames
// of a backtrace with addresses stripped.
type Signature []Site

// FromBacktrace builds the signature of bt. When no frame is resolved the
// signature falls back to the symbol (or module) of every frame, line 0.
func FromBacktrace(bt backtrace.Backtrace) Signature {
	var sig Signature
	for _, f := range bt {
		if !f.Opaque {
			sig = append(sig, Site{Function: f.Function, Line: f.Line})
		}
	}
	if len(sig) > 0 {
		return sig
	}
	for _, f := range bt {
		name := f.Function
		if name == "" {
			name = f.Module
		}
		if name == "" {
			name = "???"
		}
		sig = append(sig, Site{Function: name})
	}
	return sig
}

// Key is the canonical string form, e.g. "create_node:19|main:113".
func (s Signature) Key() string {
	var b strings.Builder
	for i, site := range s {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(site.Function)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(site.Line))
	}
	return b.String()
}

// Equal reports whether both signatures list the same sites in the same order.
func (s Signature) Equal(o Signature) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// ID is a stable UUID (v5) derived from the signature key.
func (s Signature) ID() uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(s.Key()))
}
