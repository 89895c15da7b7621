// Package verify re-runs the leak checker against a rebuilt target.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/vex/internal/report"
)

var ErrEmptyReport = errors.New("checker produced no leak report")

// waitDelay bounds how long a killed run may keep its output pipes open.
const waitDelay = 2 * time.Second

// DefaultArgs are passed to valgrind ahead of the target.
var DefaultArgs = []string{"--leak-check=full", "--show-leak-kinds=all", "--track-origins=yes"}

// Checker produces a fresh leak report for target.
type Checker interface {
	Run(ctx context.Context, target string) (string, error)
}

// Valgrind runs memcheck as a subprocess, optionally rebuilding the target
// with make first.
type Valgrind struct {
	Binary string
	Args   []string
	Build  bool
	Make   string
	logger *slog.Logger
}

func NewValgrind(binary string, build bool, logger *slog.Logger) *Valgrind {
	if binary == "" {
		binary = "valgrind"
	}
	return &Valgrind{
		Binary: binary,
		Args:   DefaultArgs,
		Build:  build,
		Make:   "make",
		logger: logger,
	}
}

// Run returns valgrind's stderr. A non-zero exit is tolerated as long as the
// output still holds a report, since the target's own exit status is passed
// through.
func (v *Valgrind) Run(ctx context.Context, target string) (string, error) {
	if target == "" {
		return "", errors.New("run checker: no target configured")
	}
	// The run happens in the target's directory, so a relative path would
	// otherwise be resolved twice.
	target, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("run checker: resolve target: %w", err)
	}
	if v.Build {
		if err := v.build(ctx, filepath.Dir(target)); err != nil {
			return "", err
		}
	}

	args := append(append([]string{}, v.Args...), target)
	v.logger.Info("running checker", "binary", v.Binary, "target", target)

	cmd := exec.CommandContext(ctx, v.Binary, args...)
	cmd.Dir = filepath.Dir(target)
	cmd.WaitDelay = waitDelay
	var stderr strings.Builder
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return "", fmt.Errorf("run checker: %w", ctx.Err())
	}
	out := stderr.String()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("run checker: %w", runErr)
		}
		if !report.Recognizable(out) {
			return "", fmt.Errorf("run checker: exit %d: %w", exitErr.ExitCode(), ErrEmptyReport)
		}
		v.logger.Warn("target exited non-zero", "target", target, "exit_code", exitErr.ExitCode())
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("run checker: %w", ErrEmptyReport)
	}
	return out, nil
}

func (v *Valgrind) build(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "Makefile")); err != nil {
		v.logger.Debug("no Makefile, skipping build", "dir", dir)
		return nil
	}
	v.logger.Info("rebuilding target", "dir", dir)
	cmd := exec.CommandContext(ctx, v.Make)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("build target: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("build target: %w", err)
		}
		return fmt.Errorf("build target: %s: %w", msg, err)
	}
	return nil
}
