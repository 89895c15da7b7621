package tracker

import (
	"regexp"
	"strings"
)

const pathExpr = `[A-Za-z_]\w*(?:(?:->|\.)[A-Za-z_]\w*|\[[^\]]*\])*`

var (
	lineComment  = regexp.MustCompile(`//.*$`)
	blockComment = regexp.MustCompile(`/\*.*?\*/`)
	literal      = regexp.MustCompile(`"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`)
	arrowSpace   = regexp.MustCompile(`\s*->\s*`)

	// Type *name = value; name->field = value; arr[i] = value;
	assignment = regexp.MustCompile(`^(?:[A-Za-z_][\w\s*]*?[\s*])?(` + pathExpr + `)\s*=([^=].*)$`)
	returnStmt = regexp.MustCompile(`^return\b\s*(.*?)\s*;?$`)
	freeCall   = regexp.MustCompile(`\bfree\s*\(\s*(?:\([^)]*\)\s*)?(` + pathExpr + `)\s*\)`)
	reallocOf  = regexp.MustCompile(`^realloc\s*\(\s*(` + pathExpr + `)\s*,`)
	callExpr   = regexp.MustCompile(`^[A-Za-z_]\w*\s*\(`)
	castPrefix = regexp.MustCompile(`^\(\s*[A-Za-z_][\w\s]*\**\s*\)\s*`)
	nullExpr   = regexp.MustCompile(`^(?:NULL|nullptr|0|\(\s*void\s*\*\s*\)\s*0)$`)
	pathOnly   = regexp.MustCompile(`^` + pathExpr + `$`)
	segmentCut = regexp.MustCompile(`->|\.|\[`)
)

// clean drops comments and literals so that only code is matched.
func clean(line string) string {
	line = blockComment.ReplaceAllString(line, "")
	line = lineComment.ReplaceAllString(line, "")
	line = literal.ReplaceAllString(line, `""`)
	return strings.TrimSpace(arrowSpace.ReplaceAllString(line, "->"))
}

func isNull(expr string) bool {
	return nullExpr.MatchString(strings.TrimSpace(expr))
}

// unwrap strips a trailing semicolon, enclosing parentheses and a leading
// cast from an expression.
func unwrap(expr string) string {
	expr = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(expr), ";"))
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && balanced(expr[1:len(expr)-1]) {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	if loc := castPrefix.FindStringIndex(expr); loc != nil && loc[1] < len(expr) {
		expr = strings.TrimSpace(expr[loc[1]:])
	}
	return expr
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

type assign struct {
	lhs, rhs string
}

func parseAssign(line string) (assign, bool) {
	m := assignment.FindStringSubmatch(line)
	if m == nil {
		return assign{}, false
	}
	return assign{lhs: m[1], rhs: unwrap(m[2])}, true
}

func parseReturn(line string) (string, bool) {
	m := returnStmt.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return unwrap(m[1]), true
}

func parseFree(line string) (string, bool) {
	m := freeCall.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// segments lists the prefixes of path at each member or index access:
// "head->next->data" gives head, head->next and head->next->data.
func segments(path string) []string {
	var out []string
	for _, loc := range segmentCut.FindAllStringIndex(path, -1) {
		out = append(out, path[:loc[0]])
	}
	return append(out, path)
}
