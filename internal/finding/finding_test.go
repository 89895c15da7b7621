package finding

import (
	"encoding/json"
	"testing"

	"github.com/MikeSquared-Agency/vex/internal/backtrace"
	"github.com/MikeSquared-Agency/vex/internal/dedup"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/tracker"
)

func TestCategory_PriorityOrder(t *testing.T) {
	order := []Category{CategoryUnreachable, CategoryOverwritten, CategorySimple, CategoryPartialCleanup, CategoryUnknown}
	for i := 1; i < len(order); i++ {
		if !(order[i-1] < order[i]) {
			t.Errorf("%v should rank before %v", order[i-1], order[i])
		}
	}
}

func TestStatusAndCategory_JSON(t *testing.T) {
	f := Finding{Category: CategoryPartialCleanup, Status: StatusMarkedFixed}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["category"] != "partial_cleanup" || raw["status"] != "marked_fixed" {
		t.Errorf("unexpected encoding: category=%v status=%v", raw["category"], raw["status"])
	}

	var back Finding
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Category != CategoryPartialCleanup || back.Status != StatusMarkedFixed {
		t.Errorf("round trip lost state: %+v", back)
	}

	var s Status
	if err := s.UnmarshalText([]byte("done")); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestClone_IsDeep(t *testing.T) {
	f := &Finding{
		Signature:   dedup.Signature{{Function: "f", Line: 1}},
		Backtrace:   backtrace.Backtrace{{Function: "f", File: "a.c", Line: 1}},
		Excerpt:     locator.Excerpt{Lines: []string{"x"}},
		Explanation: &Explanation{Diagnosis: "d"},
		RootCause:   &tracker.RootCause{Line: 16, Steps: []tracker.Step{{Op: tracker.OpAlloc, Path: "ptr"}}},
	}
	c := f.Clone()
	c.Signature[0].Line = 9
	c.Backtrace[0].Line = 9
	c.Excerpt.Lines[0] = "y"
	c.Explanation.Diagnosis = "changed"
	c.RootCause.Line = 9
	c.RootCause.Steps[0].Path = "q"
	c.AddIssue(IssueExplain, "timeout")

	if f.Signature[0].Line != 1 || f.Backtrace[0].Line != 1 || f.Excerpt.Lines[0] != "x" {
		t.Error("clone shares slices with original")
	}
	if f.Explanation.Diagnosis != "d" || len(f.Issues) != 0 {
		t.Error("clone shares explanation or issues with original")
	}
	if f.RootCause.Line != 16 || f.RootCause.Steps[0].Path != "ptr" {
		t.Error("clone shares the root cause with original")
	}
}

func TestAddIssue_Dedupes(t *testing.T) {
	var f Finding
	f.AddIssue(IssueLocator, "missing")
	f.AddIssue(IssueLocator, "missing")
	f.AddIssue(IssueFrame, "missing")
	if len(f.Issues) != 2 {
		t.Errorf("expected 2 issues, got %v", f.Issues)
	}
}
