package tracker

import (
	"strings"

	"github.com/MikeSquared-Agency/vex/internal/locator"
)

// entry is one name through which the block is still reachable.
type entry struct {
	target string // full path to the block, e.g. pair->value
	segs   []string
}

func newEntry(target string) entry {
	return entry{target: target, segs: segments(target)}
}

func (e entry) root() string { return e.segs[0] }

func (e entry) has(path string) bool {
	for _, s := range e.segs {
		if s == path {
			return true
		}
	}
	return false
}

type walk struct {
	scopes  []locator.Body
	tracked []entry
	steps   []Step
}

// Track follows the block allocated on the first line of scopes[0] through
// the remaining scopes, innermost caller first. Each scope holds the function
// body from the frame's line through its closing brace, so a caller's first
// line is the call that produced the block. The result is false when the
// allocation line is not an assignment or the block is returned past the last
// known scope.
func Track(scopes []locator.Body) (*RootCause, bool) {
	if len(scopes) == 0 || len(scopes[0].Lines) == 0 {
		return nil, false
	}
	w := &walk{scopes: scopes}
	first := clean(scopes[0].Lines[0])
	fn := scopes[0].Function

	if a, ok := parseAssign(first); ok && !isNull(a.rhs) {
		w.tracked = []entry{newEntry(a.lhs)}
		w.step(Step{Op: OpAlloc, Path: a.lhs, Function: fn, Line: scopes[0].Start})
		return w.run(0, 1)
	}
	// return malloc(n); hands the block straight to the caller.
	if v, ok := parseReturn(first); ok && callExpr.MatchString(v) {
		w.step(Step{Op: OpAlloc, Path: v, Function: fn, Line: scopes[0].Start})
		return w.handoff(0, v, "")
	}
	return nil, false
}

func (w *walk) step(s Step) {
	w.steps = append(w.steps, s)
}

func (w *walk) result(t LeakType, si, li int) (*RootCause, bool) {
	b := w.scopes[si]
	rc := &RootCause{
		Type:     t,
		File:     b.File,
		Function: b.Function,
		Line:     b.Start + li,
		Steps:    w.steps,
	}
	if li >= 0 && li < len(b.Lines) {
		rc.Code = strings.TrimSpace(b.Lines[li])
	}
	return rc, true
}

func (w *walk) find(path string) int {
	for i, e := range w.tracked {
		if e.has(path) {
			return i
		}
	}
	return -1
}

func (w *walk) drop(i int) {
	w.tracked = append(w.tracked[:i], w.tracked[i+1:]...)
}

// hold replaces any entry sharing the new path's root.
func (w *walk) hold(target string) {
	e := newEntry(target)
	for i, t := range w.tracked {
		if t.root() == e.root() {
			w.tracked[i] = e
			return
		}
	}
	w.tracked = append(w.tracked, e)
}

// run scans scope si from line li to its end.
func (w *walk) run(si, li int) (*RootCause, bool) {
	b := w.scopes[si]
	for ; li < len(b.Lines); li++ {
		line := clean(b.Lines[li])
		if line == "" {
			continue
		}

		if arg, ok := parseFree(line); ok {
			i := w.find(arg)
			if i < 0 {
				continue
			}
			e := w.tracked[i]
			if e.target != arg && strings.HasPrefix(e.target, arg) {
				w.step(Step{Op: OpFree, Path: arg, Function: b.Function, Line: b.Start + li})
				return w.result(LeakContainerFreed, si, li)
			}
			w.step(Step{Op: OpFree, Path: arg, Function: b.Function, Line: b.Start + li})
			w.drop(i)
			if len(w.tracked) == 0 {
				// The release exists but did not run for this block.
				return w.result(LeakNeverFreed, si, li)
			}
			continue
		}

		if v, ok := parseReturn(line); ok {
			if i := w.find(v); i >= 0 {
				suffix := strings.TrimPrefix(w.tracked[i].target, v)
				return w.handoff(si, v, suffix)
			}
			continue
		}

		a, ok := parseAssign(line)
		if !ok {
			continue
		}
		if i := w.find(a.lhs); i >= 0 {
			e := w.tracked[i]
			if m := reallocOf.FindStringSubmatch(a.rhs); m != nil && m[1] == a.lhs {
				continue
			}
			if walks(a.lhs, a.rhs) {
				// cur = cur->next moves the name along the structure.
				if e.target != a.rhs && strings.HasPrefix(e.target, a.rhs) {
					moved := a.lhs + strings.TrimPrefix(e.target, a.rhs)
					w.step(Step{Op: OpTraverse, Path: moved, From: e.target, Function: b.Function, Line: b.Start + li})
					w.tracked[i] = newEntry(moved)
					continue
				}
				w.step(Step{Op: OpTraverse, From: e.target, Function: b.Function, Line: b.Start + li})
				w.drop(i)
			} else {
				w.step(Step{Op: OpReassign, Path: a.lhs, Value: a.rhs, Function: b.Function, Line: b.Start + li})
				w.drop(i)
			}
			if len(w.tracked) == 0 {
				return w.result(LeakPointerLost, si, li)
			}
			continue
		}
		if isNull(a.rhs) || !pathOnly.MatchString(a.rhs) {
			continue
		}
		if i := w.find(a.rhs); i >= 0 {
			aliased := a.lhs + strings.TrimPrefix(w.tracked[i].target, a.rhs)
			w.step(Step{Op: OpAlias, Path: aliased, From: a.rhs, Function: b.Function, Line: b.Start + li})
			w.hold(aliased)
		}
	}

	last := len(b.Lines) - 1
	w.step(Step{Op: OpEnd, Path: w.tracked[0].target, Function: b.Function, Line: b.Start + last})
	if b.Function == "main" {
		return w.result(LeakNeverFreed, si, last)
	}
	return w.result(LeakPointerLost, si, last)
}

// walks reports whether rhs reaches further into the structure named by lhs.
func walks(lhs, rhs string) bool {
	if !pathOnly.MatchString(rhs) {
		return false
	}
	for _, sep := range []string{"->", ".", "["} {
		if strings.HasPrefix(rhs, lhs+sep) {
			return true
		}
	}
	return false
}

// handoff moves the block returned as v from scope si into its caller. The
// caller's first line either stores the result, returns it again or drops it.
func (w *walk) handoff(si int, v, suffix string) (*RootCause, bool) {
	next := si + 1
	if next >= len(w.scopes) || len(w.scopes[next].Lines) == 0 {
		return nil, false
	}
	caller := w.scopes[next]
	call := clean(caller.Lines[0])

	if !strings.Contains(call, "(") {
		return nil, false
	}
	if a, ok := parseAssign(call); ok && callExpr.MatchString(a.rhs) {
		target := a.lhs + suffix
		w.step(Step{Op: OpReturn, Path: target, From: v + suffix, Function: caller.Function, Line: caller.Start})
		w.tracked = []entry{newEntry(target)}
		return w.run(next, 1)
	}
	if r, ok := parseReturn(call); ok && callExpr.MatchString(r) {
		w.step(Step{Op: OpReturn, Path: r, From: v + suffix, Function: caller.Function, Line: caller.Start})
		return w.handoff(next, r, suffix)
	}
	w.step(Step{Op: OpReturn, From: v + suffix, Function: caller.Function, Line: caller.Start})
	return w.result(LeakPointerLost, next, 0)
}
