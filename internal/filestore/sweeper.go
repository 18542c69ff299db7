package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/JonMunkholm/timetable-import/internal/metrics"
)

// Sweep removes every expired entry and returns how many were removed.
//
// A non-blocking lock on the store directory ensures only one process sweeps
// a shared directory at a time; when the lock is held elsewhere the cycle is
// skipped and 0 is returned. Orphaned data files without metadata are removed
// once they are older than the TTL.
func (s *Store) Sweep(ctx context.Context) int {
	lock := flock.New(filepath.Join(s.dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		s.logger.Warn("sweep lock failed", "error", err)
		return 0
	}
	if !locked {
		s.logger.Debug("sweep skipped, lock held by another process")
		return 0
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("sweep unlock failed", "error", err)
		}
	}()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("sweep list failed", "dir", s.dir, "error", err)
		return 0
	}

	now := s.now()
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, metaSuffix):
			id := strings.TrimSuffix(name, metaSuffix)
			f, err := s.readMeta(id)
			if err != nil {
				s.logger.Warn("sweep found unreadable metadata", "file_id", id, "error", err)
				continue
			}
			if f.Expired(now) && s.remove(id) {
				removed++
			}
		case strings.HasSuffix(name, dataSuffix):
			id := strings.TrimSuffix(name, dataSuffix)
			if _, err := os.Stat(s.metaPath(id)); err == nil {
				continue
			}
			info, err := e.Info()
			if err == nil && now.Sub(info.ModTime()) > s.ttl && s.remove(id) {
				removed++
			}
		}
	}

	if removed > 0 {
		metrics.FilesExpired.WithLabelValues("sweep").Add(float64(removed))
	}
	return removed
}

// StartSweeper runs Sweep immediately and then every interval until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	s.logger.Info("file sweeper started", "interval", interval.String(), "dir", s.dir)

	s.runSweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("file sweeper stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Store) runSweep(ctx context.Context) {
	start := time.Now()
	n := s.Sweep(ctx)
	s.logger.Info("file sweep completed",
		"removed", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
