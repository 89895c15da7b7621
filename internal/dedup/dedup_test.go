package dedup

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MikeSquared-Agency/vex/internal/backtrace"
)

func parse(t *testing.T, lines ...string) backtrace.Backtrace {
	t.Helper()
	bt, errs := backtrace.Parse(lines)
	if len(errs) != 0 {
		t.Fatalf("unexpected frame errors: %v", errs)
	}
	return bt
}

func TestFromBacktrace_IgnoresAddresses(t *testing.T) {
	a := parse(t,
		"at 0x4848899: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
		"by 0x109256: create_node_leaked (leaky.c:19)",
		"by 0x1094F2: leak_type3_broken_linked_list (leaky.c:81)",
		"by 0x1095C5: main (leaky.c:113)",
	)
	b := parse(t,
		"at 0x483B7F3: malloc (in /usr/lib/x86_64-linux-gnu/valgrind/vgpreload_memcheck-amd64-linux.so)",
		"by 0x401256: create_node_leaked (leaky.c:19)",
		"by 0x4014F2: leak_type3_broken_linked_list (leaky.c:81)",
		"by 0x4015C5: main (leaky.c:113)",
	)

	sa, sb := FromBacktrace(a), FromBacktrace(b)
	want := Signature{{"create_node_leaked", 19}, {"leak_type3_broken_linked_list", 81}, {"main", 113}}
	if diff := cmp.Diff(want, sa); diff != "" {
		t.Errorf("signature mismatch (-want +got):\n%s", diff)
	}
	if !sa.Equal(sb) || sa.Key() != sb.Key() || sa.ID() != sb.ID() {
		t.Errorf("signatures should match: %q vs %q", sa.Key(), sb.Key())
	}
	if sa.Key() != "create_node_leaked:19|leak_type3_broken_linked_list:81|main:113" {
		t.Errorf("unexpected key %q", sa.Key())
	}
}

func TestFromBacktrace_DifferentLines(t *testing.T) {
	a := FromBacktrace(parse(t, "by 0x1: f (a.c:10)", "by 0x2: main (a.c:20)"))
	b := FromBacktrace(parse(t, "by 0x1: f (a.c:11)", "by 0x2: main (a.c:20)"))
	if a.Equal(b) || a.ID() == b.ID() {
		t.Errorf("different lines must not collide: %q %q", a.Key(), b.Key())
	}
}

func TestFromBacktrace_AllOpaque(t *testing.T) {
	sig := FromBacktrace(parse(t,
		"at 0x1: malloc (in /usr/lib/vgpreload.so)",
		"by 0x2: ???",
		"by 0x3: ??? (in /usr/lib/libfoo.so)",
	))
	want := Signature{{"malloc", 0}, {"???", 0}, {"/usr/lib/libfoo.so", 0}}
	if diff := cmp.Diff(want, sig); diff != "" {
		t.Errorf("fallback signature mismatch (-want +got):\n%s", diff)
	}
}

func TestGroup_FirstSeenOrder(t *testing.T) {
	got := Group([]string{"b1", "a1", "b2", "c1", "a2"}, func(s string) string { return s[:1] })
	want := [][]string{{"b1", "b2"}, {"a1", "a2"}, {"c1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestCluster(t *testing.T) {
	if got := Cluster([]string{"a"}, nil); len(got) != 0 {
		t.Errorf("expected no clusters for no pairs, got %v", got)
	}

	keys := []string{"a", "b", "a", "c", "d", "e", "f"}
	pairs := []Pair{
		{"c", "b"},
		{"b", "a"}, // connects a-b-c
		{"e", "d"}, // separate cluster
	}
	got := Cluster(keys, pairs)
	want := [][]string{{"a", "b", "c"}, {"d", "e"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("clusters mismatch (-want +got):\n%s", diff)
	}
}
