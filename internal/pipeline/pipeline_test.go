package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/report"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnalyze_PartialFailure(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 6; i++ {
		if i == 4 {
			b.WriteString("==9== bytes in ? blocks are definitely lost in loss record 4 of 6\n")
		} else {
			fmt.Fprintf(&b, "==9== %d bytes in 1 blocks are definitely lost in loss record %d of 6\n", i*8, i)
		}
		b.WriteString("==9==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n")
		fmt.Fprintf(&b, "==9==    by 0x1091C6: leak_%d (multi.c:%d)\n", i, i*10)
		b.WriteString("==9==    by 0x109312: main (multi.c:100)\n")
		b.WriteString("==9==\n")
	}

	a := New(nil, discardLogger())
	got, err := a.Analyze(b.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Findings) != 5 {
		t.Errorf("expected 5 findings, got %d", len(got.Findings))
	}
	if len(got.ParseErrors) != 1 {
		t.Errorf("expected 1 parse error, got %d", len(got.ParseErrors))
	}
	for _, f := range got.Findings {
		if f.Category != finding.CategorySimple {
			t.Errorf("%s: category %v, want simple", f.Location(), f.Category)
		}
	}
}

func TestAnalyze_Unrecognized(t *testing.T) {
	a := New(nil, discardLogger())
	_, err := a.Analyze("make: *** [Makefile:3: all] Error 1\n")
	if !errors.Is(err, report.ErrUnrecognizedInput) {
		t.Fatalf("expected ErrUnrecognizedInput, got %v", err)
	}
}

func TestAnalyze_CleanReport(t *testing.T) {
	a := New(nil, discardLogger())
	got, err := a.Analyze("==1== HEAP SUMMARY:\n==1==     in use at exit: 0 bytes in 0 blocks\n==1== All heap blocks were freed -- no leaks are possible\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Clean || len(got.Findings) != 0 || len(got.Signatures()) != 0 {
		t.Errorf("expected clean analysis, got %+v", got)
	}
}

func TestAnalyze_WithSources(t *testing.T) {
	src := "void pointer_lost(void) {\n    char *ptr = malloc(50);\n    ptr = malloc(100);\n    free(ptr);\n}\n"
	loc := locator.New(fstest.MapFS{"src/over.c": &fstest.MapFile{Data: []byte(src)}})

	raw := "==3== 50 bytes in 1 blocks are definitely lost in loss record 1 of 1\n" +
		"==3==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n" +
		"==3==    by 0x1091C6: pointer_lost (over.c:2)\n" +
		"==3==    by 0x109312: main (main.c:7)\n"

	got, err := New(loc, discardLogger()).Analyze(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(got.Findings))
	}
	f := got.Findings[0]
	if f.Category != finding.CategoryOverwritten || f.Excerpt.Function != "pointer_lost" {
		t.Errorf("category %v function %q", f.Category, f.Excerpt.Function)
	}
	if !got.Signatures()["pointer_lost:2|main:7"] {
		t.Errorf("signature missing: %v", got.Signatures())
	}
}

// The block allocated on line 14 is the one replaced on line 16; the second
// block is released.
const reuseSource = `#include <stdlib.h>
#include <string.h>

/*
** A pointer is used for two allocations in sequence.
** The first allocation is lost when the pointer is reused.
*/


int	main(void)
{
	char	*ptr;

	ptr = malloc(32);
	strcpy(ptr, "first");
	ptr = malloc(64);
	strcpy(ptr, "second");
	free(ptr);
	return (0);
}
`

func TestAnalyze_ReusedPointer(t *testing.T) {
	loc := locator.New(fstest.MapFS{"test_reuse/leaky.c": &fstest.MapFile{Data: []byte(reuseSource)}})
	raw := "==11== 32 bytes in 1 blocks are definitely lost in loss record 1 of 1\n" +
		"==11==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n" +
		"==11==    by 0x1091A3: main (leaky.c:14)\n"

	got, err := New(loc, discardLogger()).Analyze(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(got.Findings))
	}
	f := got.Findings[0]
	if f.Category != finding.CategoryOverwritten || f.Hint != locator.HintReassignWithoutFree {
		t.Errorf("category %v hint %v, want overwritten", f.Category, f.Hint)
	}
	if f.RootCause == nil || f.RootCause.Line != 16 || f.RootCause.Code != "ptr = malloc(64);" {
		t.Fatalf("root cause = %+v, want the reassignment on line 16", f.RootCause)
	}
}

func TestAnalyze_BothAllocationsLeaked(t *testing.T) {
	src := "int main(void) {\n    char *ptr;\n\n    ptr = malloc(32);\n    ptr = malloc(64);\n    return 0;\n}\n"
	loc := locator.New(fstest.MapFS{"twice.c": &fstest.MapFile{Data: []byte(src)}})
	raw := "==12== 32 bytes in 1 blocks are definitely lost in loss record 1 of 2\n" +
		"==12==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n" +
		"==12==    by 0x109171: main (twice.c:4)\n" +
		"==12==\n" +
		"==12== 64 bytes in 1 blocks are definitely lost in loss record 2 of 2\n" +
		"==12==    at 0x4846828: malloc (in /usr/libexec/valgrind/vgpreload_memcheck-amd64-linux.so)\n" +
		"==12==    by 0x10917F: main (twice.c:5)\n"

	got, err := New(loc, discardLogger()).Analyze(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(got.Findings))
	}
	byBytes := map[int64]finding.Category{}
	for _, f := range got.Findings {
		byBytes[f.Bytes] = f.Category
	}
	if byBytes[32] != finding.CategoryOverwritten {
		t.Errorf("32 byte block: %v, want overwritten", byBytes[32])
	}
	if byBytes[64] != finding.CategorySimple {
		t.Errorf("64 byte block: %v, want simple", byBytes[64])
	}
}
