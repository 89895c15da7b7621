package locator

import "regexp"

// detector is one entry of the fixed, ordered list of line patterns. New
// patterns are added as enumeration cases, in priority order.
type detector int

const (
	detectChainSever detector = iota
	detectReassignWithoutFree
)

var detectors = [...]detector{detectChainSever, detectReassignWithoutFree}

func (d detector) hint() Hint {
	switch d {
	case detectChainSever:
		return HintChainSever
	case detectReassignWithoutFree:
		return HintReassignWithoutFree
	default:
		return HintUnknown
	}
}

func (d detector) match(target string, prior, following []string) bool {
	switch d {
	case detectChainSever:
		return chainSever(target, prior)
	case detectReassignWithoutFree:
		return reassignWithoutFree(target, following)
	default:
		return false
	}
}

// Detect applies the detectors to target. prior holds the preceding statements
// of the same function (oldest first) and following the rest of the function
// after target, through its closing brace. The first match wins.
func Detect(target string, prior, following []string) Hint {
	target = normalize(target)
	prior, following = normalizeAll(prior), normalizeAll(following)
	for _, d := range detectors {
		if d.match(target, prior, following) {
			return d.hint()
		}
	}
	return HintUnknown
}

func normalizeAll(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = normalize(l)
	}
	return out
}

var (
	arrowSpace   = regexp.MustCompile(`\s*->\s*`)
	lineComment  = regexp.MustCompile(`//.*$`)
	blockComment = regexp.MustCompile(`/\*.*?\*/`)

	// head->next = NULL;
	nullAssign = regexp.MustCompile(`^\s*([A-Za-z_]\w*(?:(?:->|\.)[A-Za-z_]\w*)+)\s*=\s*(?:NULL|nullptr|0|\(\s*void\s*\*\s*\)\s*0)\s*;`)

	// ptr = malloc(...); char *p = strdup(s); head->next = make_node();
	heldAssign = regexp.MustCompile(`^\s*(?:[A-Za-z_][\w\s*]*?[\s*])?([A-Za-z_]\w*(?:(?:->|\.)[A-Za-z_]\w*|\[[^\]]*\])*)\s*=\s*(?:\([^)]*\)\s*)?[A-Za-z_]\w*\s*\(`)

	nullValue = regexp.MustCompile(`^\s*(?:NULL|nullptr|0|\(\s*void\s*\*\s*\)\s*0)\s*;`)
)

func normalize(line string) string {
	line = blockComment.ReplaceAllString(line, "")
	line = lineComment.ReplaceAllString(line, "")
	return arrowSpace.ReplaceAllString(line, "->")
}

// pathRef matches path used as a whole expression, not as the tail of a longer one.
func pathRef(path, suffix string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\w.>])` + regexp.QuoteMeta(path) + suffix)
}

func chainSever(target string, prior []string) bool {
	m := nullAssign.FindStringSubmatch(target)
	if m == nil {
		return false
	}
	path := m[1]
	walked := pathRef(path, `(?:->|\.)[A-Za-z_]`)
	freed := regexp.MustCompile(`\bfree\s*\(\s*` + regexp.QuoteMeta(path) + `\s*\)`)

	sawWalk := false
	for _, line := range prior {
		if walked.MatchString(line) {
			sawWalk = true
		}
		if freed.MatchString(line) {
			// Nulling a field after releasing it is cleanup, not a sever.
			sawWalk = false
		}
	}
	return sawWalk
}

// reassignWithoutFree reports whether the variable that receives a block on
// target is given another value later in the function while still holding it.
// A release, a return or a copy into another variable ends the search.
func reassignWithoutFree(target string, following []string) bool {
	m := heldAssign.FindStringSubmatch(target)
	if m == nil {
		return false
	}
	v := regexp.QuoteMeta(m[1])
	reassigned := regexp.MustCompile(`(?:^|[;{)]|\belse)\s*` + v + `\s*=([^=].*)$`)
	released := []*regexp.Regexp{
		regexp.MustCompile(`\bfree\s*\(\s*(?:\([^)]*\)\s*)?` + v + `\s*\)`),
		regexp.MustCompile(`\bdelete\s*(?:\[\s*\])?\s*` + v + `\s*;`),
		regexp.MustCompile(`\brealloc\s*\(\s*` + v + `\s*,`),
		regexp.MustCompile(`\breturn\b[\s(]*` + v + `[\s)]*;`),
		regexp.MustCompile(`[^=!<>]=\s*(?:\([^)]*\)\s*)?` + v + `\s*;`),
	}
	walk := regexp.MustCompile(`^\s*` + v + `\s*(?:->|\.|\[)`)

	for _, line := range following {
		for _, re := range released {
			if re.MatchString(line) {
				return false
			}
		}
		r := reassigned.FindStringSubmatch(line)
		if r == nil {
			continue
		}
		value := r[1]
		// p = p->next walks a structure; p = NULL is a sever, not a new block.
		return !walk.MatchString(value) && !nullValue.MatchString(value)
	}
	return false
}
