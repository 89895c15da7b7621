package explain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/vex/internal/finding"
)

// Unknown is returned in place of an explanation the provider could not give.
var Unknown = finding.Explanation{
	Diagnosis:  "Unknown",
	Resolution: "No explanation is available. Inspect the primary frame and the source excerpt.",
	Fallback:   true,
}

// Fallback wraps a provider with a timeout and never fails: any error yields
// the Unknown explanation.
type Fallback struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// WithFallback wraps p. p may be nil, in which case every call returns Unknown.
func WithFallback(p Provider, timeout time.Duration, logger *slog.Logger) *Fallback {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fallback{provider: p, timeout: timeout, logger: logger}
}

func (fb *Fallback) Explain(ctx context.Context, f finding.Finding) (finding.Explanation, error) {
	if fb.provider == nil {
		return Unknown, nil
	}
	ctx, cancel := context.WithTimeout(ctx, fb.timeout)
	defer cancel()

	exp, err := fb.provider.Explain(ctx, f)
	if err == nil {
		return exp, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrProviderTimeout) {
		err = errors.Join(ErrProviderTimeout, err)
	}
	fb.logger.Warn("explanation unavailable, using fallback", "finding_id", f.ID, "error", err)
	return Unknown, nil
}
