package triage

import (
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/tracker"
)

// View is the read-only model of a finding handed to rendering layers.
type View struct {
	ID            uuid.UUID          `json:"id"`
	Position      int                `json:"position"` // 0-based index in first-seen order
	Category      string             `json:"category"`
	Status        string             `json:"status"`
	Kind          string             `json:"kind"`
	Hint          string             `json:"hint"`
	Location      string             `json:"location"`
	Function      string             `json:"function"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Bytes         int64              `json:"bytes"`
	Blocks        int64              `json:"blocks"`
	Records       int                `json:"records"`
	RetryCount    int                `json:"retry_count"`
	Signature     string             `json:"signature"`
	Excerpt       locator.Excerpt    `json:"excerpt"`
	RootCause     *tracker.RootCause `json:"root_cause,omitempty"`
	Diagnosis     string             `json:"diagnosis,omitempty"`
	Resolution    string             `json:"resolution,omitempty"`
	Issues        []finding.Issue    `json:"issues,omitempty"`
}

func newView(pos int, f *finding.Finding) View {
	v := View{
		ID:            f.ID,
		Position:      pos,
		Category:      f.Category.String(),
		Status:        f.Status.String(),
		Kind:          f.Kind.String(),
		Hint:          f.Hint.String(),
		Location:      f.Location(),
		Function:      f.Primary.Name(),
		LowConfidence: f.LowConfidence,
		Bytes:         f.Bytes,
		Blocks:        f.Blocks,
		Records:       f.Records,
		RetryCount:    f.RetryCount,
		Signature:     f.Signature.Key(),
		Excerpt:       f.Excerpt,
		RootCause:     f.RootCause.Clone(),
		Issues:        append([]finding.Issue(nil), f.Issues...),
	}
	v.Excerpt.Lines = append([]string(nil), f.Excerpt.Lines...)
	if f.Explanation != nil {
		v.Diagnosis = f.Explanation.Diagnosis
		v.Resolution = f.Explanation.Resolution
	}
	return v
}
