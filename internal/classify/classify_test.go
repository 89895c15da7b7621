package classify

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/report"
	"github.com/MikeSquared-Agency/vex/internal/tracker"
)

const leakyRun = `==4242== HEAP SUMMARY:
==4242==     in use at exit: 1,156 bytes in 5 blocks
==4242==
==4242== 64 bytes in 1 blocks are definitely lost in loss record 3 of 6
==4242==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)
==4242==    by 0x1091C6: leak_type3_all_pointers_lost (leaky.c:53)
==4242==    by 0x109312: main (leaky.c:106)
==4242==
==4242== 68 (16 direct, 52 indirect) bytes in 1 blocks are definitely lost in loss record 5 of 6
==4242==    at 0x4848899: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)
==4242==    by 0x109256: create_node_leaked (leaky.c:19)
==4242==    by 0x1094F2: leak_type3_broken_linked_list (leaky.c:81)
==4242==    by 0x1095C5: main (leaky.c:113)
==4242==
==4242== 1,024 bytes in 2 blocks are still reachable in loss record 6 of 6
==4242==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)
==4242==    by 0x109400: make_cache (cache.c:12)
==4242==
`

// leakySource places statements on the exact lines the report refers to.
func leakySource() string {
	lines := make([]string, 120)
	set := map[int]string{
		1:   "#include <stdlib.h>",
		17:  "Node *create_node_leaked(const char *s) {",
		19:  "    Node *n = malloc(sizeof(Node));",
		20:  "    n->next = NULL;",
		21:  "    return n;",
		22:  "}",
		50:  "void leak_type3_all_pointers_lost(void) {",
		53:  "    char *p = malloc(64);",
		54:  "    p[0] = 'a';",
		55:  "}",
		75:  "void leak_type3_broken_linked_list(void) {",
		76:  "    Node *head = create_node_leaked(\"a\");",
		77:  "    head->next = create_node_leaked(\"b\");",
		78:  "    head->next->next = create_node_leaked(\"c\");",
		79:  "    Node *third = head->next->next;",
		81:  "    head->next = NULL;",
		82:  "    free(head);",
		83:  "}",
		100: "int main(void) {",
		106: "    leak_type3_all_pointers_lost();",
		113: "    leak_type3_broken_linked_list();",
		115: "    return 0;",
		116: "}",
	}
	for n, s := range set {
		lines[n-1] = s
	}
	return strings.Join(lines, "\n") + "\n"
}

func analyze(t *testing.T, raw string) []*finding.Finding {
	t.Helper()
	rep, err := report.ParseString(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	loc := locator.New(fstest.MapFS{"leaky.c": &fstest.MapFile{Data: []byte(leakySource())}})
	var evs []Evidence
	for _, rec := range rep.Records {
		evs = append(evs, Collect(rec, loc))
	}
	return Classify(evs)
}

func TestClassify_EndToEnd(t *testing.T) {
	got := analyze(t, leakyRun)
	if len(got) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(got))
	}

	type brief struct {
		Category finding.Category
		Location string
		Hint     locator.Hint
	}
	var briefs []brief
	for _, f := range got {
		briefs = append(briefs, brief{f.Category, f.Location(), f.Hint})
	}
	want := []brief{
		{finding.CategorySimple, "leaky.c:53", locator.HintUnknown},
		{finding.CategoryUnreachable, "leaky.c:81", locator.HintChainSever},
		{finding.CategoryUnknown, "cache.c:12", locator.HintUnknown},
	}
	if diff := cmp.Diff(want, briefs); diff != "" {
		t.Errorf("findings mismatch (-want +got):\n%s", diff)
	}

	severed := got[1]
	if severed.PrimaryIndex != 2 || severed.LowConfidence {
		t.Errorf("primary index = %d (low %v), want 2", severed.PrimaryIndex, severed.LowConfidence)
	}
	if severed.Bytes != 68 || severed.DirectBytes != 16 || severed.IndirectBytes != 52 {
		t.Errorf("unexpected byte counts %+v", severed)
	}
	if severed.Excerpt.Function != "leak_type3_broken_linked_list" {
		t.Errorf("excerpt function = %q", severed.Excerpt.Function)
	}
	if severed.Status != finding.StatusUnresolved {
		t.Errorf("new findings start unresolved, got %v", severed.Status)
	}

	// cache.c is not in the source tree: still produced, annotated.
	missing := got[2]
	if !missing.Excerpt.Empty() {
		t.Errorf("expected empty excerpt for missing source")
	}
	var kinds []string
	for _, is := range missing.Issues {
		kinds = append(kinds, is.Kind)
	}
	if diff := cmp.Diff([]string{finding.IssueLocator, finding.IssueAmbiguous}, kinds); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	a := analyze(t, leakyRun)
	b := analyze(t, leakyRun)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("classification not reproducible (-first +second):\n%s", diff)
	}
}

func record(t *testing.T, kind report.Kind, bytes int64, stack ...string) report.LossRecord {
	t.Helper()
	return report.LossRecord{Kind: kind, Bytes: bytes, Blocks: 1, StackLines: stack}
}

func withHint(ev Evidence, h locator.Hint) Evidence {
	ev.Location.Hint = h
	return ev
}

func TestClassify_StillReachableChainSeverIsUnreachable(t *testing.T) {
	stacks := [][]string{
		{"at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: push (list.c:10)", "by 0x3: main (main.c:4)"},
		{"by 0x2: push (list.c:10)"},
		{"at 0x1: calloc (in /usr/lib/vgpreload.so)", "by 0x5: grow (vec.c:88)", "by 0x6: run (vec.c:120)", "by 0x7: main (main.c:9)"},
	}
	for _, st := range stacks {
		ev := withHint(Collect(record(t, report.KindStillReachable, 32, st...), nil), locator.HintChainSever)
		got := Classify([]Evidence{ev})
		if len(got) != 1 || got[0].Category != finding.CategoryUnreachable {
			t.Errorf("stack %v: got %v", st, got[0].Category)
		}
	}
}

func TestClassify_Rules(t *testing.T) {
	stack := []string{"at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: load (io.c:7)", "by 0x3: main (main.c:2)"}

	tests := []struct {
		name string
		kind report.Kind
		hint locator.Hint
		want finding.Category
	}{
		{"definitely lost sever", report.KindDefinitelyLost, locator.HintChainSever, finding.CategoryUnreachable},
		{"possibly lost sever", report.KindPossiblyLost, locator.HintChainSever, finding.CategoryUnknown},
		{"reassign", report.KindIndirectlyLost, locator.HintReassignWithoutFree, finding.CategoryOverwritten},
		{"plain definitely lost", report.KindDefinitelyLost, locator.HintUnknown, finding.CategorySimple},
		{"plain indirectly lost", report.KindIndirectlyLost, locator.HintUnknown, finding.CategoryUnknown},
		{"possibly lost", report.KindPossiblyLost, locator.HintUnknown, finding.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := withHint(Collect(record(t, tt.kind, 8, stack...), nil), tt.hint)
			got := Classify([]Evidence{ev})[0]
			if got.Category != tt.want {
				t.Errorf("category = %v, want %v", got.Category, tt.want)
			}
			ambiguous := len(got.Issues) > 0 && got.Issues[len(got.Issues)-1].Kind == finding.IssueAmbiguous
			if ambiguous != (tt.want == finding.CategoryUnknown) {
				t.Errorf("ambiguous annotation = %v for %v", ambiguous, got.Category)
			}
		})
	}
}

func TestClassify_PartialCleanup(t *testing.T) {
	evs := []Evidence{
		Collect(record(t, report.KindDefinitelyLost, 16, "at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: alloc_row (grid.c:10)", "by 0x3: build (grid.c:30)"), nil),
		Collect(record(t, report.KindDefinitelyLost, 16, "at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: alloc_row (grid.c:10)", "by 0x3: rebuild (grid.c:45)"), nil),
		Collect(record(t, report.KindDefinitelyLost, 40, "at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: header (grid.c:5)"), nil),
	}
	got := Classify(evs)
	if len(got) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(got))
	}
	want := []finding.Category{finding.CategoryPartialCleanup, finding.CategoryPartialCleanup, finding.CategorySimple}
	for i, f := range got {
		if f.Category != want[i] {
			t.Errorf("finding %d (%s): category %v, want %v", i, f.Location(), f.Category, want[i])
		}
	}
}

func TestClassify_DedupAcrossRecordIndex(t *testing.T) {
	run := func(pid string, idx int, addr string) string {
		return strings.NewReplacer("PID", pid, "IDX", string(rune('0'+idx)), "ADDR", addr).Replace(
			"==PID== 40 bytes in 1 blocks are definitely lost in loss record IDX of 9\n" +
				"==PID==    at 0xADDR1: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n" +
				"==PID==    by 0xADDR2: make_buf (buf.c:14)\n" +
				"==PID==    by 0xADDR3: main (buf.c:30)\n")
	}
	first := analyze(t, run("100", 2, "10"))
	second := analyze(t, run("200", 7, "40"))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one finding per run, got %d and %d", len(first), len(second))
	}
	if !first[0].Signature.Equal(second[0].Signature) || first[0].ID != second[0].ID {
		t.Errorf("signatures differ: %q vs %q", first[0].Signature.Key(), second[0].Signature.Key())
	}

	merged := analyze(t, run("100", 2, "10")+run("200", 7, "40"))
	if len(merged) != 1 {
		t.Fatalf("expected records to merge, got %d findings", len(merged))
	}
	if merged[0].Records != 2 || merged[0].Bytes != 80 || merged[0].Blocks != 2 {
		t.Errorf("counts not accumulated: records=%d bytes=%d blocks=%d", merged[0].Records, merged[0].Bytes, merged[0].Blocks)
	}
}

func TestClassify_MergeKeepsHigherPriorityCategory(t *testing.T) {
	stack := []string{"at 0x1: malloc (in /usr/lib/vgpreload.so)", "by 0x2: fill (fill.c:3)", "by 0x3: main (fill.c:9)"}
	plain := Collect(record(t, report.KindDefinitelyLost, 8, stack...), nil)
	over := withHint(Collect(record(t, report.KindDefinitelyLost, 8, stack...), nil), locator.HintReassignWithoutFree)

	got := Classify([]Evidence{plain, over})
	if len(got) != 1 {
		t.Fatalf("expected one merged finding, got %d", len(got))
	}
	if got[0].Category != finding.CategoryOverwritten || got[0].Hint != locator.HintReassignWithoutFree {
		t.Errorf("category = %v hint = %v, want overwritten", got[0].Category, got[0].Hint)
	}
}

func TestClassify_LowConfidencePrimary(t *testing.T) {
	ev := Collect(record(t, report.KindPossiblyLost, 8,
		"at 0x1: malloc (in /usr/lib/vgpreload.so)",
		"by 0x2: ??? (in /usr/lib/libfoo.so)",
	), nil)
	got := Classify([]Evidence{ev})[0]
	if !got.LowConfidence || got.PrimaryIndex != 0 {
		t.Errorf("expected low confidence innermost primary, got index %d low %v", got.PrimaryIndex, got.LowConfidence)
	}
	if got.Category != finding.CategoryUnknown {
		t.Errorf("category = %v", got.Category)
	}
	if !strings.Contains(got.Issues[0].Message, ErrClassificationAmbiguous.Error()) {
		t.Errorf("issue = %q", got.Issues[0].Message)
	}
}

func TestCollect_MalformedFrameAnnotated(t *testing.T) {
	ev := Collect(record(t, report.KindDefinitelyLost, 8,
		"at 0x1: malloc (in /usr/lib/vgpreload.so)",
		"garbage that is not a frame",
		"by 0x3: main (m.c:2)",
	), nil)
	if len(ev.FrameErrors) != 1 || len(ev.Backtrace) != 3 {
		t.Fatalf("expected 3 frames and 1 frame error, got %d / %d", len(ev.Backtrace), len(ev.FrameErrors))
	}
	got := Classify([]Evidence{ev})[0]
	if got.Issues[0].Kind != finding.IssueFrame {
		t.Errorf("expected frame issue, got %+v", got.Issues)
	}
	if ev.LocateErr != nil {
		t.Errorf("no locator configured, got %v", ev.LocateErr)
	}
}

func TestCollect_OverwriteFoundByTracking(t *testing.T) {
	// The copy into q hides the overwrite from the line detectors.
	src := strings.Join([]string{
		"void swap_out(void) {",
		"    char *p = malloc(8);",
		"    char *q = p;",
		"    p = strdup(\"x\");",
		"    q = strdup(\"y\");",
		"    free(p);",
		"    free(q);",
		"}",
	}, "\n") + "\n"
	loc := locator.New(fstest.MapFS{"alias.c": &fstest.MapFile{Data: []byte(src)}})

	ev := Collect(record(t, report.KindDefinitelyLost, 8,
		"at 0x1: malloc (in /usr/lib/vgpreload.so)",
		"by 0x2: swap_out (alias.c:2)",
	), loc)
	if ev.RootCause == nil || ev.RootCause.Line != 5 || !ev.RootCause.Overwritten() {
		t.Fatalf("root cause = %+v, want overwrite on line 5", ev.RootCause)
	}
	if ev.Location.Hint != locator.HintReassignWithoutFree || ev.PrimaryIndex != 1 {
		t.Errorf("hint %v at frame %d", ev.Location.Hint, ev.PrimaryIndex)
	}

	got := Classify([]Evidence{ev})[0]
	if got.Category != finding.CategoryOverwritten {
		t.Errorf("category = %v, want overwritten", got.Category)
	}
	if got.RootCause == nil || got.RootCause == ev.RootCause {
		t.Error("finding should carry its own copy of the root cause")
	}
}

func TestCollect_RootCauseThroughCaller(t *testing.T) {
	ev := Collect(record(t, report.KindDefinitelyLost, 64,
		"at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
		"by 0x1091C6: leak_type3_all_pointers_lost (leaky.c:53)",
		"by 0x109312: main (leaky.c:106)",
	), locator.New(fstest.MapFS{"leaky.c": &fstest.MapFile{Data: []byte(leakySource())}}))

	rc := ev.RootCause
	if rc == nil {
		t.Fatal("expected a root cause")
	}
	if rc.Type != tracker.LeakPointerLost || rc.Function != "leak_type3_all_pointers_lost" || rc.Line != 55 {
		t.Errorf("root cause = %s in %s():%d", rc.Type, rc.Function, rc.Line)
	}
	if ev.Location.Hint != locator.HintUnknown {
		t.Errorf("scope exit is not an overwrite, hint = %v", ev.Location.Hint)
	}
}
