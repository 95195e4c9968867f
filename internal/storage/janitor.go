package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"mediaConverter/internal/metrics"
)

// StartJanitor periodically removes staged files older than ttl. Requests clean
// up after themselves, so this only catches leftovers from a crash or kill.
func (s *Stager) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ttl)
			}
		}
	}()
}

// Sweep removes regular files older than ttl from both roots and returns how
// many were removed.
func (s *Stager) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	removed := 0

	for _, dir := range []string{s.inputDir, s.outputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("janitor failed to list staging dir", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				s.logger.Warn("janitor failed to remove file", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		metrics.SweptFilesTotal.Add(float64(removed))
		s.logger.Info("janitor sweep completed", "removed_files", removed)
	}
	return removed
}
