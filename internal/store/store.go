// Package store persists triage sessions between runs.
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

var ErrNotFound = errors.New("session not found")

// Store saves and restores session snapshots.
type Store interface {
	Save(ctx context.Context, snap triage.Snapshot) error
	Load(ctx context.Context, id uuid.UUID) (triage.Snapshot, error)
	List(ctx context.Context) ([]Summary, error)
}

// Summary is the listing form of a stored session.
type Summary struct {
	ID         uuid.UUID `json:"id"`
	Target     string    `json:"target"`
	UpdatedAt  time.Time `json:"updated_at"`
	Findings   int       `json:"findings"`
	Unresolved int       `json:"unresolved"`
	Verified   int       `json:"verified"`
}

func summarize(snap triage.Snapshot) Summary {
	sum := Summary{
		ID:        snap.ID,
		Target:    snap.Target,
		UpdatedAt: snap.UpdatedAt,
		Findings:  len(snap.Findings),
	}
	for _, f := range snap.Findings {
		switch f.Status {
		case finding.StatusUnresolved:
			sum.Unresolved++
		case finding.StatusVerified:
			sum.Verified++
		}
	}
	return sum
}

func sortSummaries(sums []Summary) {
	sort.SliceStable(sums, func(i, j int) bool {
		return sums[i].UpdatedAt.After(sums[j].UpdatedAt)
	})
}

// Latest returns the most recently updated unfinished session for target.
func Latest(ctx context.Context, s Store, target string) (triage.Snapshot, error) {
	sums, err := s.List(ctx)
	if err != nil {
		return triage.Snapshot{}, err
	}
	for _, sum := range sums {
		if sum.Target == target && sum.Verified < sum.Findings {
			return s.Load(ctx, sum.ID)
		}
	}
	return triage.Snapshot{}, ErrNotFound
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
