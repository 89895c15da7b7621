// Package classify turns parsed loss records into deduplicated, categorized findings.
package classify

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/vex/internal/backtrace"
	"github.com/MikeSquared-Agency/vex/internal/dedup"
	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/report"
	"github.com/MikeSquared-Agency/vex/internal/tracker"
)

// ErrClassificationAmbiguous annotates findings that fell through every rule.
// It is never returned as a failure.
var ErrClassificationAmbiguous = errors.New("classification ambiguous")

// Locator resolves a source position to an excerpt and pattern hint, and to
// the rest of the enclosing function for root-cause tracking.
type Locator interface {
	Locate(file string, line int) (locator.Location, error)
	Body(file string, line int) (locator.Body, error)
}

// Evidence is everything known about one loss record before classification.
type Evidence struct {
	Record        report.LossRecord
	Backtrace     backtrace.Backtrace
	FrameErrors   []*backtrace.FrameError
	PrimaryIndex  int
	LowConfidence bool
	Location      locator.Location
	LocateErr     error
	RootCause     *tracker.RootCause
}

// Primary returns the selected primary frame.
func (e *Evidence) Primary() backtrace.Frame {
	return e.Backtrace[e.PrimaryIndex]
}

// Collect parses the record's backtrace and locates its user frames, innermost
// first. The first frame carrying a pattern hint becomes the primary frame; when
// none does, the backtrace's own primary frame is kept. The block is then
// tracked forward through the user frames to the statement that lost it; an
// overwrite found only that way marks its frame as the primary one. loc may be
// nil.
func Collect(rec report.LossRecord, loc Locator) Evidence {
	bt, ferrs := backtrace.Parse(rec.StackLines)
	ev := Evidence{Record: rec, Backtrace: bt, FrameErrors: ferrs}
	ev.PrimaryIndex, ev.LowConfidence = bt.Primary()
	if len(bt) > 0 {
		p := bt[ev.PrimaryIndex]
		ev.Location = locator.Location{Excerpt: locator.Excerpt{File: p.File, Line: p.Line}}
	}
	if ev.LowConfidence || loc == nil {
		return ev
	}

	for _, i := range bt.UserFrames() {
		l, err := loc.Locate(bt[i].File, bt[i].Line)
		if i == ev.PrimaryIndex {
			ev.Location, ev.LocateErr = l, err
		}
		if err == nil && l.Hint != locator.HintUnknown {
			ev.PrimaryIndex, ev.Location, ev.LocateErr = i, l, nil
			break
		}
	}

	frames, scopes := trackScopes(bt, loc)
	rc, ok := tracker.Track(scopes)
	if !ok {
		return ev
	}
	ev.RootCause = rc
	if ev.Location.Hint != locator.HintUnknown || !rc.Overwritten() {
		return ev
	}
	for k, b := range scopes {
		if b.Function != rc.Function || b.File != rc.File {
			continue
		}
		i := frames[k]
		l, err := loc.Locate(bt[i].File, bt[i].Line)
		if err != nil {
			break
		}
		l.Hint = locator.HintReassignWithoutFree
		ev.PrimaryIndex, ev.Location, ev.LocateErr = i, l, nil
		break
	}
	return ev
}

// trackScopes reads the function bodies of the innermost run of adjacent user
// frames. The run stops at a library frame or an unreadable body.
func trackScopes(bt backtrace.Backtrace, loc Locator) ([]int, []locator.Body) {
	var frames []int
	var scopes []locator.Body
	for _, i := range bt.UserFrames() {
		if len(frames) > 0 && i != frames[len(frames)-1]+1 {
			break
		}
		b, err := loc.Body(bt[i].File, bt[i].Line)
		if err != nil {
			break
		}
		frames = append(frames, i)
		scopes = append(scopes, b)
	}
	return frames, scopes
}

// site is the primary call site used to find sibling records.
func (e *Evidence) site() (string, bool) {
	if e.LowConfidence {
		return "", false
	}
	p := e.Primary()
	return fmt.Sprintf("%s:%d", p.File, p.Line), true
}

// Classify assigns a category to every piece of evidence and merges records
// with equal signatures into one finding, in first-seen order. It is pure: the
// same evidence always yields the same findings.
func Classify(evidence []Evidence) []*finding.Finding {
	type item struct {
		ev  *Evidence
		sig dedup.Signature
		key string
	}
	items := make([]item, len(evidence))
	var keys []string
	for i := range evidence {
		sig := dedup.FromBacktrace(evidence[i].Backtrace)
		items[i] = item{ev: &evidence[i], sig: sig, key: sig.Key()}
		keys = append(keys, items[i].key)
	}

	// Records sharing a primary call site under different signatures are siblings.
	var pairs []dedup.Pair
	bySite := dedup.Group(items, func(it item) string {
		s, ok := it.ev.site()
		if !ok {
			return "\x00" + it.key
		}
		return s
	})
	for _, g := range bySite {
		for j := 1; j < len(g); j++ {
			if g[j].key != g[0].key {
				pairs = append(pairs, dedup.Pair{A: g[0].key, B: g[j].key})
			}
		}
	}
	lost := make(map[string]int64)
	for _, it := range items {
		lost[it.key] += it.ev.Record.Bytes
	}
	familyLost := make(map[string]int64)
	for _, cluster := range dedup.Cluster(keys, pairs) {
		var sum int64
		for _, k := range cluster {
			sum += lost[k]
		}
		for _, k := range cluster {
			familyLost[k] = sum
		}
	}

	var out []*finding.Finding
	for _, g := range dedup.Group(items, func(it item) string { return it.key }) {
		var f *finding.Finding
		reason := ""
		for _, it := range g {
			lostAtSite, shared := familyLost[it.key]
			cat, why := categorize(it.ev, shared, lostAtSite)
			if f == nil {
				f = newFinding(it.ev, it.sig, cat)
				reason = why
			} else {
				merge(f, it.ev)
				if cat < f.Category {
					f.Category = cat
					f.Hint = it.ev.Location.Hint
					reason = why
				}
			}
			annotate(f, it.ev)
		}
		if f.Category == finding.CategoryUnknown {
			f.AddIssue(finding.IssueAmbiguous, fmt.Errorf("%w: %s", ErrClassificationAmbiguous, reason).Error())
		}
		out = append(out, f)
	}
	return out
}

// categorize applies the decision rules in order; the first match wins.
// freedAtSite is always zero: the report lists only blocks that were never
// released, so any loss at a shared site means its cleanup was partial.
func categorize(ev *Evidence, shared bool, lostAtSite int64) (finding.Category, string) {
	const freedAtSite = 0
	kind, hint := ev.Record.Kind, ev.Location.Hint

	switch {
	case hint == locator.HintChainSever && severable(kind):
		return finding.CategoryUnreachable, ""
	case hint == locator.HintReassignWithoutFree:
		return finding.CategoryOverwritten, ""
	case kind == report.KindDefinitelyLost && !shared && hint == locator.HintUnknown:
		return finding.CategorySimple, ""
	case shared && freedAtSite < lostAtSite:
		return finding.CategoryPartialCleanup, ""
	}

	switch {
	case ev.LowConfidence:
		return finding.CategoryUnknown, "no program frame in backtrace"
	case hint != locator.HintUnknown:
		return finding.CategoryUnknown, fmt.Sprintf("%s pattern on %s block", hint, kind)
	default:
		return finding.CategoryUnknown, fmt.Sprintf("%s block with no source pattern", kind)
	}
}

func severable(k report.Kind) bool {
	switch k {
	case report.KindStillReachable, report.KindDefinitelyLost, report.KindIndirectlyLost:
		return true
	}
	return false
}

func newFinding(ev *Evidence, sig dedup.Signature, cat finding.Category) *finding.Finding {
	rec := ev.Record
	return &finding.Finding{
		ID:            sig.ID(),
		Signature:     sig,
		Backtrace:     ev.Backtrace,
		Primary:       ev.Primary(),
		PrimaryIndex:  ev.PrimaryIndex,
		LowConfidence: ev.LowConfidence,
		Category:      cat,
		Kind:          rec.Kind,
		Hint:          ev.Location.Hint,
		Excerpt:       ev.Location.Excerpt,
		Bytes:         rec.Bytes,
		DirectBytes:   rec.DirectBytes,
		IndirectBytes: rec.IndirectBytes,
		Blocks:        rec.Blocks,
		Records:       1,
		Status:        finding.StatusUnresolved,
		RootCause:     ev.RootCause.Clone(),
	}
}

func merge(f *finding.Finding, ev *Evidence) {
	f.Bytes += ev.Record.Bytes
	f.DirectBytes += ev.Record.DirectBytes
	f.IndirectBytes += ev.Record.IndirectBytes
	f.Blocks += ev.Record.Blocks
	f.Records++
	if f.Excerpt.Empty() && !ev.Location.Excerpt.Empty() {
		f.Excerpt = ev.Location.Excerpt
	}
	if f.RootCause == nil {
		f.RootCause = ev.RootCause.Clone()
	}
}

func annotate(f *finding.Finding, ev *Evidence) {
	for _, fe := range ev.FrameErrors {
		f.AddIssue(finding.IssueFrame, fe.Error())
	}
	if ev.LocateErr != nil {
		f.AddIssue(finding.IssueLocator, ev.LocateErr.Error())
	}
}
