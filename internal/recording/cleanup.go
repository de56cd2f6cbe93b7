// Package recording ages out call recordings past their retention
// window. Recordings live under recordings/<yyyy-mm-dd>/<call_id>.wav,
// so retention works on whole day directories.
package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const dayDirLayout = "2006-01-02"

// Sweeper removes recording day-directories older than the retention
// window.
type Sweeper struct {
	root      string // the recordings directory itself
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a sweeper over dataDir's recordings tree. A zero or
// negative retention disables it.
func NewSweeper(dataDir string, retentionDays int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		root:      filepath.Join(dataDir, "recordings"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With("component", "recording"),
	}
}

// Sweep deletes every day directory wholly past the cutoff. Directory
// names that do not parse as dates are left alone. Returns how many
// directories were removed.
func (s *Sweeper) Sweep() (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse(dayDirLayout, e.Name())
		if err != nil {
			continue
		}
		// The directory holds calls from any time that day; it is only
		// expired once the whole day is past the cutoff.
		if day.Add(24 * time.Hour).After(cutoff) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to remove expired recordings", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("recording retention sweep", "removed_days", removed)
	}
	return removed, nil
}

// Run sweeps on a timer until ctx ends. Meant to be launched as a
// goroutine at startup.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				s.logger.Error("recording retention sweep failed", "error", err)
			}
		}
	}
}
