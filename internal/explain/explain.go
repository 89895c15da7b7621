// Package explain produces diagnosis and resolution text for findings.
package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vex/internal/anthropic"
	"github.com/MikeSquared-Agency/vex/internal/finding"
)

var (
	ErrProviderUnavailable = errors.New("explanation provider unavailable")
	ErrProviderTimeout     = errors.New("explanation provider timed out")
)

// DefaultTimeout bounds one explanation request.
const DefaultTimeout = 30 * time.Second

// Provider explains a finding.
type Provider interface {
	Explain(ctx context.Context, f finding.Finding) (finding.Explanation, error)
}

// LLM explains findings through the Anthropic Messages API.
type LLM struct {
	llm    *anthropic.Client
	logger *slog.Logger
}

func NewLLM(llm *anthropic.Client, logger *slog.Logger) *LLM {
	return &LLM{llm: llm, logger: logger}
}

type llmResponse struct {
	Diagnosis  string `json:"diagnosis"`
	Resolution string `json:"resolution"`
}

// Explain sends the finding's evidence to the model and parses its answer.
// Failures are reported as ErrProviderTimeout or ErrProviderUnavailable.
func (e *LLM) Explain(ctx context.Context, f finding.Finding) (finding.Explanation, error) {
	prompt := buildPrompt(f)
	e.logger.Info("requesting explanation",
		"finding_id", f.ID,
		"category", f.Category.String(),
		"location", f.Location(),
	)

	raw, err := e.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 1024)
	if err != nil {
		return finding.Explanation{}, classifyErr(ctx, err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		e.logger.Error("failed to parse explanation response", "error", err, "raw", raw)
		return finding.Explanation{}, fmt.Errorf("%w: parse response: %v", ErrProviderUnavailable, err)
	}
	if strings.TrimSpace(resp.Diagnosis) == "" {
		return finding.Explanation{}, fmt.Errorf("%w: empty diagnosis", ErrProviderUnavailable)
	}
	return finding.Explanation{Diagnosis: resp.Diagnosis, Resolution: resp.Resolution}, nil
}

func classifyErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func buildPrompt(f finding.Finding) string {
	var stack strings.Builder
	for i, fr := range f.Backtrace {
		marker := "  "
		if i == f.PrimaryIndex {
			marker = "=>"
		}
		fmt.Fprintf(&stack, "%s #%d %s (%s)\n", marker, i, fr.Name(), fr.Location())
	}

	var excerpt strings.Builder
	if f.Excerpt.Empty() {
		excerpt.WriteString("(source not available)\n")
	}
	for i, line := range f.Excerpt.Lines {
		n := f.Excerpt.Start + i
		marker := "  "
		if n == f.Excerpt.Line {
			marker = "=>"
		}
		fmt.Fprintf(&excerpt, "%s %4d | %s\n", marker, n, line)
	}

	rootCause := "(not tracked)\n"
	if rc := f.RootCause; rc != nil {
		rootCause = fmt.Sprintf("%s at %s in %s(): %s\nSteps:\n%s\n",
			rc.Type, rc.Location(), rc.Function, rc.Code, rc.Trail())
	}

	return fmt.Sprintf(explainUserPrompt,
		f.Category, f.Kind, f.Bytes, f.Blocks,
		f.Location(), f.Primary.Name(),
		stack.String(), excerpt.String(), rootCause,
	)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
