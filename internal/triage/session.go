// Package triage owns the ordered collection of findings of one triage session
// and drives their fix / re-verify lifecycle.
package triage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/finding"
)

var (
	// ErrInvalidTransition is wrapped by *TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrFindingNotFound   = errors.New("finding not found")
)

// TransitionError reports a triage command that is illegal for the finding's
// current status. The finding is left unchanged.
type TransitionError struct {
	ID   uuid.UUID
	Op   string
	From finding.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: finding is %s", e.Op, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// State is the session-level triage state.
type State int

const (
	StateInProgress State = iota
	StateAllResolved
)

func (s State) String() string {
	if s == StateAllResolved {
		return "all_resolved"
	}
	return "in_progress"
}

// Counts aggregates finding statuses.
type Counts struct {
	Total       int `json:"total"`
	Unresolved  int `json:"unresolved"`
	MarkedFixed int `json:"marked_fixed"`
	Verified    int `json:"verified"`
	Retries     int `json:"retries"`
}

// Session is the ordered, deduplicated set of findings plus the triage cursor.
// It is not safe for concurrent use; the Controller serializes access.
type Session struct {
	ID        uuid.UUID
	Target    string
	CreatedAt time.Time
	UpdatedAt time.Time

	findings []*finding.Finding
	bySig    map[string]int
	cursor   int
}

// NewSession creates an empty session for the program at target.
func NewSession(target string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New(),
		Target:    target,
		CreatedAt: now,
		UpdatedAt: now,
		bySig:     make(map[string]int),
	}
}

// Insert adds findings in order. A finding whose signature is already present
// merges into the existing one (counts accumulate, the higher-priority category
// wins, the triage status is kept). It returns the number of new findings.
func (s *Session) Insert(fs []*finding.Finding) int {
	added := 0
	for _, f := range fs {
		key := f.Signature.Key()
		if i, ok := s.bySig[key]; ok {
			mergeInto(s.findings[i], f)
			continue
		}
		s.bySig[key] = len(s.findings)
		s.findings = append(s.findings, f.Clone())
		added++
	}
	if len(fs) > 0 {
		s.touch()
	}
	return added
}

func mergeInto(dst, src *finding.Finding) {
	dst.Bytes += src.Bytes
	dst.DirectBytes += src.DirectBytes
	dst.IndirectBytes += src.IndirectBytes
	dst.Blocks += src.Blocks
	dst.Records += src.Records
	if src.Category < dst.Category {
		dst.Category = src.Category
		dst.Hint = src.Hint
	}
	if dst.Excerpt.Empty() && !src.Excerpt.Empty() {
		dst.Excerpt = src.Excerpt
	}
	for _, is := range src.Issues {
		dst.AddIssue(is.Kind, is.Message)
	}
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Len is the number of findings.
func (s *Session) Len() int { return len(s.findings) }

// Cursor is the index of the finding under triage, in [0, Len()].
func (s *Session) Cursor() int { return s.cursor }

// Findings returns copies of the findings in first-seen order.
func (s *Session) Findings() []*finding.Finding {
	out := make([]*finding.Finding, len(s.findings))
	for i, f := range s.findings {
		out[i] = f.Clone()
	}
	return out
}

func (s *Session) lookup(id uuid.UUID) (*finding.Finding, error) {
	for _, f := range s.findings {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrFindingNotFound)
}

func (s *Session) indexOf(f *finding.Finding) int {
	return s.bySig[f.Signature.Key()]
}

// Counts returns the per-status totals.
func (s *Session) Counts() Counts {
	c := Counts{Total: len(s.findings)}
	for _, f := range s.findings {
		switch f.Status {
		case finding.StatusUnresolved:
			c.Unresolved++
		case finding.StatusMarkedFixed:
			c.MarkedFixed++
		case finding.StatusVerified:
			c.Verified++
		}
		c.Retries += f.RetryCount
	}
	return c
}

// State is AllResolved once every finding is Verified.
func (s *Session) State() State {
	for _, f := range s.findings {
		if f.Status != finding.StatusVerified {
			return StateInProgress
		}
	}
	return StateAllResolved
}

// advance moves the cursor to the next Unresolved finding after the current
// one, wrapping around; the current finding is the last candidate. With none
// left the cursor parks at Len().
func (s *Session) advance() {
	n := len(s.findings)
	for step := 1; step <= n+1; step++ {
		i := (s.cursor + step) % (n + 1)
		if i == n {
			continue
		}
		if s.findings[i].Status == finding.StatusUnresolved {
			s.cursor = i
			return
		}
	}
	s.cursor = n
}

// settle points the cursor at an Unresolved finding when it is not on one.
func (s *Session) settle() {
	if s.cursor < len(s.findings) && s.findings[s.cursor].Status == finding.StatusUnresolved {
		return
	}
	s.advance()
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	ID        uuid.UUID          `json:"id" msgpack:"id"`
	Target    string             `json:"target" msgpack:"target"`
	CreatedAt time.Time          `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" msgpack:"updated_at"`
	Cursor    int                `json:"cursor" msgpack:"cursor"`
	Findings  []*finding.Finding `json:"findings" msgpack:"findings"`
}

// Snapshot returns a deep copy suitable for persistence.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		Target:    s.Target,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Cursor:    s.cursor,
		Findings:  s.Findings(),
	}
}

// Restore rebuilds a session from a snapshot, validating its invariants.
func Restore(snap Snapshot) (*Session, error) {
	if snap.Cursor < 0 || snap.Cursor > len(snap.Findings) {
		return nil, fmt.Errorf("restore session %s: cursor %d out of range [0, %d]", snap.ID, snap.Cursor, len(snap.Findings))
	}
	s := &Session{
		ID:        snap.ID,
		Target:    snap.Target,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		cursor:    snap.Cursor,
		bySig:     make(map[string]int, len(snap.Findings)),
	}
	for i, f := range snap.Findings {
		if f == nil || len(f.Backtrace) == 0 {
			return nil, fmt.Errorf("restore session %s: finding %d has no backtrace", snap.ID, i)
		}
		key := f.Signature.Key()
		if _, dup := s.bySig[key]; dup {
			return nil, fmt.Errorf("restore session %s: duplicate signature %q", snap.ID, key)
		}
		s.bySig[key] = i
		s.findings = append(s.findings, f.Clone())
	}
	return s, nil
}
