package report

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

var (
	// "==1234== ", "--1234-- " and "**1234** " prefixes emitted by valgrind tools.
	pidPrefix = regexp.MustCompile(`^(?:==|--|\*\*)(\d+)(?:==|--|\*\*) ?`)

	headerPattern = regexp.MustCompile(`^([\d,]+)(?:\s+\(([\d,]+)\s+direct,\s+([\d,]+)\s+indirect\))?\s+bytes\s+in\s+([\d,]+)\s+blocks?\s+(?:are|is)\s+(definitely lost|indirectly lost|possibly lost|still reachable)\s+in\s+loss\s+record\s+([\d,]+)\s+of\s+([\d,]+)$`)

	summaryPattern = regexp.MustCompile(`^(definitely lost|indirectly lost|possibly lost|still reachable|suppressed):\s+([\d,]+)\s+bytes\s+in\s+([\d,]+)\s+blocks?`)

	framePrefix = regexp.MustCompile(`^\s*(?:at|by)\s+0x[0-9A-Fa-f]+`)
)

const (
	headerMarker = "in loss record"
	cleanMarker  = "All heap blocks were freed -- no leaks are possible"
)

var reportMarkers = []string{"HEAP SUMMARY:", "LEAK SUMMARY:", cleanMarker}

// Recognizable reports whether raw carries any of the markers a leak report
// always contains.
func Recognizable(raw string) bool {
	for _, m := range reportMarkers {
		if strings.Contains(raw, m) {
			return true
		}
	}
	return strings.Contains(raw, headerMarker)
}

// ParseString is Parse over an in-memory report.
func ParseString(raw string) (*Report, error) {
	return Parse(strings.NewReader(raw))
}

// Parse splits raw checker output (possibly several runs concatenated) into loss
// records. Malformed records are recorded in Report.Errors and skipped. The only
// fatal outcome is ErrUnrecognizedInput.
func Parse(r io.Reader) (*Report, error) {
	rep := &Report{}

	var (
		cur        *LossRecord
		curRaw     []string
		lineNo     int
		nonEmpty   bool
		recognized bool
	)

	flush := func() {
		if cur == nil {
			return
		}
		if len(cur.StackLines) == 0 {
			rep.Errors = append(rep.Errors, &ParseError{Line: cur.Line, Text: cur.Header, Reason: "loss record has no backtrace"})
		} else {
			cur.RawText = strings.Join(curRaw, "\n")
			rep.Records = append(rep.Records, *cur)
		}
		cur, curRaw = nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		pid, body := stripPrefix(line)
		trimmed := strings.TrimSpace(body)
		if trimmed != "" {
			nonEmpty = true
		}

		if strings.Contains(trimmed, headerMarker) {
			flush()
			rec, reason := parseHeader(trimmed)
			if reason != "" {
				rep.Errors = append(rep.Errors, &ParseError{Line: lineNo, Text: trimmed, Reason: reason})
				continue
			}
			rec.PID = pid
			rec.Line = lineNo
			rec.Header = trimmed
			cur = &rec
			curRaw = []string{line}
			continue
		}

		if cur != nil {
			if framePrefix.MatchString(body) {
				cur.StackLines = append(cur.StackLines, trimmed)
				curRaw = append(curRaw, line)
				continue
			}
			flush()
		}

		for _, m := range reportMarkers {
			if strings.Contains(trimmed, m) {
				recognized = true
			}
		}
		if strings.Contains(trimmed, cleanMarker) {
			rep.Clean = true
		}
		if m := summaryPattern.FindStringSubmatch(trimmed); m != nil {
			addSummary(&rep.Summary, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	flush()

	if nonEmpty && len(rep.Records) == 0 && !recognized {
		return rep, ErrUnrecognizedInput
	}
	return rep, nil
}

func stripPrefix(line string) (int, string) {
	m := pidPrefix.FindStringSubmatchIndex(line)
	if m == nil {
		return 0, line
	}
	pid, _ := strconv.Atoi(line[m[2]:m[3]])
	return pid, line[m[1]:]
}

// parseHeader returns the parsed record, or a non-empty reason when the header
// does not follow the loss-record grammar.
func parseHeader(s string) (LossRecord, string) {
	m := headerPattern.FindStringSubmatch(s)
	if m == nil {
		return LossRecord{}, "malformed loss record header"
	}
	var (
		rec LossRecord
		err error
	)
	if rec.Bytes, err = parseCount(m[1]); err != nil {
		return LossRecord{}, "invalid byte count"
	}
	if m[2] != "" {
		if rec.DirectBytes, err = parseCount(m[2]); err != nil {
			return LossRecord{}, "invalid direct byte count"
		}
		if rec.IndirectBytes, err = parseCount(m[3]); err != nil {
			return LossRecord{}, "invalid indirect byte count"
		}
	} else {
		rec.DirectBytes = rec.Bytes
	}
	if rec.Blocks, err = parseCount(m[4]); err != nil {
		return LossRecord{}, "invalid block count"
	}
	kind, ok := ParseKind(m[5])
	if !ok {
		return LossRecord{}, "unknown loss kind"
	}
	rec.Kind = kind
	if rec.Index, err = parseIndex(m[6]); err != nil {
		return LossRecord{}, "invalid loss record index"
	}
	if rec.Total, err = parseIndex(m[7]); err != nil {
		return LossRecord{}, "invalid loss record total"
	}
	return rec, ""
}

func parseCount(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}

func parseIndex(s string) (int, error) {
	n, err := parseCount(s)
	if err != nil {
		return 0, err
	}
	return safecast.Conv[int](n)
}

func addSummary(s *Summary, m []string) {
	bytes, err := parseCount(m[2])
	if err != nil {
		return
	}
	blocks, err := parseCount(m[3])
	if err != nil {
		return
	}
	var a *Amount
	switch m[1] {
	case "definitely lost":
		a = &s.DefinitelyLost
	case "indirectly lost":
		a = &s.IndirectlyLost
	case "possibly lost":
		a = &s.PossiblyLost
	case "still reachable":
		a = &s.StillReachable
	case "suppressed":
		a = &s.Suppressed
	default:
		return
	}
	a.Bytes += bytes
	a.Blocks += blocks
}
