package backtrace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse_Grammar(t *testing.T) {
	lines := []string{
		"at 0x4848899: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
		"by 0x109256: create_node_leaked (leaky.c:19)",
		"by 0x10A000: std::vector<int>::push_back(int const&) (stl_vector.h:1187)",
		"by 0x10B000: ???",
		"by 0x10C000: (below main) (libc-start.c:308)",
	}

	bt, errs := Parse(lines)
	if len(errs) != 0 {
		t.Fatalf("unexpected frame errors: %v", errs)
	}

	want := Backtrace{
		{Address: "0x4848899", Function: "malloc", Module: "/usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so", Opaque: true},
		{Address: "0x109256", Function: "create_node_leaked", File: "leaky.c", Line: 19},
		{Address: "0x10A000", Function: "std::vector<int>::push_back(int const&)", File: "stl_vector.h", Line: 1187},
		{Address: "0x10B000", Opaque: true},
		{Address: "0x10C000", Function: "(below main)", File: "libc-start.c", Line: 308},
	}
	if diff := cmp.Diff(want, bt, cmpopts.IgnoreFields(Frame{}, "Raw")); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_MalformedLineKeptOpaque(t *testing.T) {
	lines := []string{
		"at 0x4846828: malloc (in /usr/lib/vgpreload.so)",
		"by garbage that is not a frame",
		"by 0x1091C6: main (a.c:9)",
	}
	bt, errs := Parse(lines)
	if len(bt) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(bt))
	}
	if len(errs) != 1 || errs[0].Index != 1 {
		t.Fatalf("expected one frame error at index 1, got %v", errs)
	}
	if !bt[1].Opaque || bt[1].Raw != "by garbage that is not a frame" {
		t.Errorf("malformed frame should be opaque with raw text, got %+v", bt[1])
	}
	if bt[2].Function != "main" {
		t.Errorf("order not preserved: %+v", bt[2])
	}
}

func TestPrimary(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		wantIdx int
		wantLow bool
	}{
		{
			name: "skips allocator",
			lines: []string{
				"at 0x1: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
				"by 0x2: create_node_leaked (leaky.c:19)",
				"by 0x3: main (leaky.c:113)",
			},
			wantIdx: 1,
		},
		{
			name: "skips system source paths",
			lines: []string{
				"at 0x1: malloc (vg_replace_malloc.c:381)",
				"by 0x2: __strdup (/usr/src/glibc/string/strdup.c:42)",
				"by 0x3: dup_name (names.c:7)",
			},
			wantIdx: 2,
		},
		{
			name: "falls back to innermost",
			lines: []string{
				"at 0x1: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
				"by 0x2: ???",
				"by 0x3: (below main) (libc-start.c:308)",
			},
			wantIdx: 0,
			wantLow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt, _ := Parse(tt.lines)
			idx, low := bt.Primary()
			if idx != tt.wantIdx || low != tt.wantLow {
				t.Errorf("Primary() = (%d, %v), want (%d, %v)", idx, low, tt.wantIdx, tt.wantLow)
			}
		})
	}
}

func TestUserFrames(t *testing.T) {
	bt, _ := Parse([]string{
		"at 0x1: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)",
		"by 0x2: create_node_leaked (leaky.c:19)",
		"by 0x3: leak_type3_broken_linked_list (leaky.c:81)",
		"by 0x4: main (leaky.c:113)",
	})
	if diff := cmp.Diff([]int{1, 2, 3}, bt.UserFrames()); diff != "" {
		t.Errorf("UserFrames mismatch (-want +got):\n%s", diff)
	}
}

func TestFrame_Location(t *testing.T) {
	f := Frame{Function: "f", File: "a.c", Line: 3}
	if f.Location() != "a.c:3" {
		t.Errorf("got %q", f.Location())
	}
	o := Frame{Address: "0x1", Module: "/usr/lib/libc.so.6", Opaque: true}
	if o.Location() != "/usr/lib/libc.so.6" || o.Name() != "???" {
		t.Errorf("got %q %q", o.Location(), o.Name())
	}
}

func TestLoadRules_Invalid(t *testing.T) {
	if _, err := loadRules([]byte("functions: [unterminated")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
