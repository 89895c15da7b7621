// Package pipeline runs a raw leak report through ingestion, backtrace parsing,
// source location and classification.
package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/vex/internal/classify"
	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/report"
)

// Analysis is the outcome of one report.
type Analysis struct {
	Findings    []*finding.Finding
	ParseErrors []*report.ParseError
	Summary     report.Summary
	Records     int
	Clean       bool
}

// Analyzer is synchronous and holds no per-report state.
type Analyzer struct {
	loc    classify.Locator
	logger *slog.Logger
}

// New creates an Analyzer. loc may be nil, in which case no excerpts or hints
// are produced.
func New(loc classify.Locator, logger *slog.Logger) *Analyzer {
	return &Analyzer{loc: loc, logger: logger}
}

// Analyze is AnalyzeReader over a string.
func (a *Analyzer) Analyze(raw string) (*Analysis, error) {
	return a.AnalyzeReader(strings.NewReader(raw))
}

// AnalyzeReader ingests r and returns the classified findings. The only error
// is report.ErrUnrecognizedInput (or a read failure); per-record problems are
// returned in ParseErrors or recorded as issues on the findings.
func (a *Analyzer) AnalyzeReader(r io.Reader) (*Analysis, error) {
	rep, err := report.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("ingest report: %w", err)
	}
	for _, pe := range rep.Errors {
		a.logger.Warn("skipped malformed loss record", "line", pe.Line, "reason", pe.Reason)
	}

	evidence := make([]classify.Evidence, 0, len(rep.Records))
	for _, rec := range rep.Records {
		ev := classify.Collect(rec, a.loc)
		if ev.LocateErr != nil {
			a.logger.Debug("source not located", "record", rec.Index, "error", ev.LocateErr)
		}
		evidence = append(evidence, ev)
	}
	findings := classify.Classify(evidence)

	a.logger.Info("report analyzed",
		"records", len(rep.Records),
		"findings", len(findings),
		"parse_errors", len(rep.Errors),
		"clean", rep.Clean,
	)

	return &Analysis{
		Findings:    findings,
		ParseErrors: rep.Errors,
		Summary:     rep.Summary,
		Records:     len(rep.Records),
		Clean:       rep.Clean,
	}, nil
}

// Signatures returns the signature keys present in the analysis.
func (a *Analysis) Signatures() map[string]bool {
	keys := make(map[string]bool, len(a.Findings))
	for _, f := range a.Findings {
		keys[f.Signature.Key()] = true
	}
	return keys
}
