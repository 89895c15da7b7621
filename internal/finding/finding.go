// Package finding defines the triage unit produced by the classifier and owned
// by a triage session.
package finding

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/backtrace"
	"github.com/MikeSquared-Agency/vex/internal/dedup"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/report"
	"github.com/MikeSquared-Agency/vex/internal/tracker"
)

// Category is the root cause assigned by the classifier. The declaration order
// is the rule priority: when merged evidence disagrees the lower value wins.
type Category int

const (
	CategoryUnreachable Category = iota
	CategoryOverwritten
	CategorySimple
	CategoryPartialCleanup
	CategoryUnknown
)

var categoryNames = [...]string{
	CategoryUnreachable:    "unreachable",
	CategoryOverwritten:    "overwritten",
	CategorySimple:         "simple",
	CategoryPartialCleanup: "partial_cleanup",
	CategoryUnknown:        "unknown",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

func (c Category) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(categoryNames) {
		return nil, fmt.Errorf("invalid category %d", int(c))
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	for i, name := range categoryNames {
		if name == string(b) {
			*c = Category(i)
			return nil
		}
	}
	return fmt.Errorf("unknown category %q", string(b))
}

// Status is the triage state of a finding.
type Status int

const (
	StatusUnresolved Status = iota
	StatusMarkedFixed
	StatusVerified
)

var statusNames = [...]string{
	StatusUnresolved:  "unresolved",
	StatusMarkedFixed: "marked_fixed",
	StatusVerified:    "verified",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// Issue is a non-fatal problem recorded against a finding.
type Issue struct {
	Kind    string `json:"kind" msgpack:"kind"` // frame | locator | ambiguous | explain
	Message string `json:"message" msgpack:"message"`
}

const (
	IssueFrame     = "frame"
	IssueLocator   = "locator"
	IssueAmbiguous = "ambiguous"
	IssueExplain   = "explain"
)

// Explanation is the diagnosis/resolution text returned by an explanation provider.
type Explanation struct {
	Diagnosis  string `json:"diagnosis" msgpack:"diagnosis"`
	Resolution string `json:"resolution" msgpack:"resolution"`
	// Fallback is set when the provider failed and the text is a placeholder.
	Fallback bool `json:"fallback,omitempty" msgpack:"fallback"`
}

// Finding is a deduplicated, classified leak.
type Finding struct {
	ID        uuid.UUID           `json:"id" msgpack:"id"`
	Signature dedup.Signature     `json:"signature" msgpack:"signature"`
	Backtrace backtrace.Backtrace `json:"backtrace" msgpack:"backtrace"`

	Primary       backtrace.Frame `json:"primary" msgpack:"primary"`
	PrimaryIndex  int             `json:"primary_index" msgpack:"primary_index"`
	LowConfidence bool            `json:"low_confidence,omitempty" msgpack:"low_confidence"`

	Category Category        `json:"category" msgpack:"category"`
	Kind     report.Kind     `json:"kind" msgpack:"kind"`
	Hint     locator.Hint    `json:"hint" msgpack:"hint"`
	Excerpt  locator.Excerpt `json:"excerpt" msgpack:"excerpt"`

	// RootCause is where the block was lost, when it could be tracked.
	RootCause *tracker.RootCause `json:"root_cause,omitempty" msgpack:"root_cause"`

	Bytes         int64 `json:"bytes" msgpack:"bytes"`
	DirectBytes   int64 `json:"direct_bytes" msgpack:"direct_bytes"`
	IndirectBytes int64 `json:"indirect_bytes" msgpack:"indirect_bytes"`
	Blocks        int64 `json:"blocks" msgpack:"blocks"`
	Records       int   `json:"records" msgpack:"records"` // loss records merged into this finding

	Status     Status `json:"status" msgpack:"status"`
	RetryCount int    `json:"retry_count" msgpack:"retry_count"`

	Issues      []Issue      `json:"issues,omitempty" msgpack:"issues"`
	Explanation *Explanation `json:"explanation,omitempty" msgpack:"explanation"`
}

// Clone returns a deep copy so callers cannot mutate session-owned state.
func (f *Finding) Clone() *Finding {
	c := *f
	c.Signature = append(dedup.Signature(nil), f.Signature...)
	c.Backtrace = append(backtrace.Backtrace(nil), f.Backtrace...)
	c.Excerpt.Lines = append([]string(nil), f.Excerpt.Lines...)
	c.Issues = append([]Issue(nil), f.Issues...)
	c.RootCause = f.RootCause.Clone()
	if f.Explanation != nil {
		e := *f.Explanation
		c.Explanation = &e
	}
	return &c
}

// AddIssue records a non-fatal problem, ignoring exact duplicates.
func (f *Finding) AddIssue(kind, msg string) {
	for _, is := range f.Issues {
		if is.Kind == kind && is.Message == msg {
			return
		}
	}
	f.Issues = append(f.Issues, Issue{Kind: kind, Message: msg})
}

// Location is the primary frame's "file:line" (or module when unresolved).
func (f *Finding) Location() string {
	return f.Primary.Location()
}
