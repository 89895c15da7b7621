package locator

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	DefaultRadius   = 3
	DefaultLookback = 12
)

// Excerpt is a window of source lines around a target line.
type Excerpt struct {
	File     string   `json:"file" msgpack:"file"`
	Line     int      `json:"line" msgpack:"line"`
	Start    int      `json:"start,omitempty" msgpack:"start"` // 1-based line number of Lines[0]
	Lines    []string `json:"lines,omitempty" msgpack:"lines"`
	Function string   `json:"function,omitempty" msgpack:"function"`
}

// Empty reports whether no source could be read.
func (e Excerpt) Empty() bool {
	return len(e.Lines) == 0
}

// Target returns the text of the target line, if present in the window.
func (e Excerpt) Target() string {
	i := e.Line - e.Start
	if e.Empty() || i < 0 || i >= len(e.Lines) {
		return ""
	}
	return e.Lines[i]
}

// Location is the locator's result for one (file, line).
type Location struct {
	Excerpt Excerpt
	Hint    Hint
}

// LocatorError reports a source location that could not be read. It is never
// fatal: the location still carries an empty excerpt and HintUnknown.
type LocatorError struct {
	File   string
	Line   int
	Reason string
	Err    error
}

func (e *LocatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("locate %s:%d: %s: %v", e.File, e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("locate %s:%d: %s", e.File, e.Line, e.Reason)
}

func (e *LocatorError) Unwrap() error { return e.Err }

// Locator reads source files from a filesystem and extracts excerpts and hints.
type Locator struct {
	fsys     fs.FS
	radius   int
	lookback int

	mu       sync.Mutex
	files    map[string][]string
	resolved map[string]string
}

type Option func(*Locator)

// WithRadius sets how many lines are kept on each side of the target line.
func WithRadius(n int) Option {
	return func(l *Locator) {
		if n >= 0 {
			l.radius = n
		}
	}
}

// WithLookback sets how many preceding lines the detectors may inspect.
func WithLookback(n int) Option {
	return func(l *Locator) {
		if n >= 0 {
			l.lookback = n
		}
	}
}

func New(fsys fs.FS, opts ...Option) *Locator {
	l := &Locator{
		fsys:     fsys,
		radius:   DefaultRadius,
		lookback: DefaultLookback,
		files:    make(map[string][]string),
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate reads file and returns the excerpt around line plus the first matching hint.
func (l *Locator) Locate(file string, line int) (Location, error) {
	loc := Location{Excerpt: Excerpt{File: file, Line: line}, Hint: HintUnknown}
	lines, err := l.lines(file, line)
	if err != nil {
		return loc, err
	}

	idx := line - 1
	start := max(0, idx-l.radius)
	end := min(len(lines), idx+l.radius+1)
	loc.Excerpt.Start = start + 1
	loc.Excerpt.Lines = append([]string(nil), lines[start:end]...)

	fnStart := functionStart(lines, idx)
	if fnStart >= 0 {
		loc.Excerpt.Function = functionName(lines[fnStart])
	}

	from := max(idx-l.lookback, fnStart+1, 0)
	last := functionEnd(lines, fnStart, idx)
	loc.Hint = Detect(lines[idx], lines[from:idx], lines[idx+1:last+1])
	return loc, nil
}

// Body is the remainder of a function from a given line through its closing
// brace.
type Body struct {
	File     string
	Function string
	Start    int // line number of Lines[0]
	Lines    []string
}

// Body returns the statements of the function enclosing line, starting at line.
func (l *Locator) Body(file string, line int) (Body, error) {
	b := Body{File: file, Start: line}
	lines, err := l.lines(file, line)
	if err != nil {
		return b, err
	}
	idx := line - 1
	fnStart := functionStart(lines, idx)
	if fnStart >= 0 {
		b.Function = functionName(lines[fnStart])
	}
	b.Lines = append([]string(nil), lines[idx:functionEnd(lines, fnStart, idx)+1]...)
	return b, nil
}

// lines returns the file's lines once line is known to lie inside it.
func (l *Locator) lines(file string, line int) ([]string, error) {
	if file == "" || line <= 0 {
		return nil, &LocatorError{File: file, Line: line, Reason: "no source location"}
	}
	lines, err := l.load(file)
	if err != nil {
		return nil, &LocatorError{File: file, Line: line, Reason: "source unavailable", Err: err}
	}
	if line > len(lines) {
		return nil, &LocatorError{File: file, Line: line, Reason: fmt.Sprintf("line out of range (file has %d lines)", len(lines))}
	}
	return lines, nil
}

func (l *Locator) load(file string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lines, ok := l.files[file]; ok {
		return lines, nil
	}
	name, err := l.resolve(file)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	l.files[file] = lines
	return lines, nil
}

// resolve maps a path as printed by the checker to a name inside the FS: the
// path itself when it exists, otherwise the first file with the same base name
// in lexical walk order.
func (l *Locator) resolve(file string) (string, error) {
	if name, ok := l.resolved[file]; ok {
		return name, nil
	}
	name := strings.TrimPrefix(path.Clean(filepath.ToSlash(file)), "/")
	if fs.ValidPath(name) {
		if st, err := fs.Stat(l.fsys, name); err == nil && !st.IsDir() {
			l.resolved[file] = name
			return name, nil
		}
	}

	base := path.Base(name)
	var found string
	errFound := errors.New("found")
	err := fs.WalkDir(l.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == base {
			found = p
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("search %s: %w", base, err)
	}
	if found == "" {
		return "", fmt.Errorf("%s: %w", file, fs.ErrNotExist)
	}
	l.resolved[file] = found
	return found, nil
}

var functionIdent = regexp.MustCompile(`([A-Za-z_]\w*)\s*\(`)

// functionStart walks back from idx to the signature line of the enclosing
// function, or returns -1. A closing brace in column 0 ends the search.
func functionStart(lines []string, idx int) int {
	for i := idx; i >= 0; i-- {
		line := lines[i]
		if line == "" {
			continue
		}
		switch line[0] {
		case '}':
			return -1
		case ' ', '\t', '#', '/', '*':
			continue
		case '{':
			for j := i - 1; j >= 0; j-- {
				if strings.TrimSpace(lines[j]) != "" {
					return j
				}
			}
			return -1
		}
		if strings.Contains(line, "(") && !strings.HasSuffix(strings.TrimSpace(line), ";") {
			return i
		}
	}
	return -1
}

var literal = regexp.MustCompile(`"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`)

// functionEnd returns the index of the brace that closes the function
// containing idx. Without a known start it falls back to the next closing brace
// in column 0, or the last line.
func functionEnd(lines []string, fnStart, idx int) int {
	if fnStart >= 0 {
		depth, opened := 0, false
		for i := fnStart; i < len(lines); i++ {
			code := literal.ReplaceAllString(normalize(lines[i]), "")
			for _, r := range code {
				switch r {
				case '{':
					depth++
					opened = true
				case '}':
					depth--
				}
			}
			if opened && depth <= 0 {
				if i >= idx {
					return i
				}
				break
			}
		}
	}
	for i := idx + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "}") {
			return i
		}
	}
	return len(lines) - 1
}

func functionName(signature string) string {
	m := functionIdent.FindStringSubmatch(signature)
	if m == nil {
		return ""
	}
	return m[1]
}
