package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Janitor removes stale result artifacts from a working directory.
type Janitor struct {
	patterns []string
	logger   *zap.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

// NewJanitor builds a Janitor. Empty patterns fall back to DefaultPatterns.
func NewJanitor(patterns []string, logger *zap.Logger) *Janitor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		patterns: append([]string(nil), patterns...),
		logger:   logger,
		live:     make(map[string]struct{}),
	}
}

// Sweep deletes every artifact-named file and every run directory in dir
// that is not reserved by an in-flight invocation. Deletion failures are
// logged and skipped. It returns the number of entries removed.
func (j *Janitor) Sweep(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		j.logger.Warn("artifact sweep: read dir failed", zap.String("dir", dir), zap.Error(err))
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		isRun := entry.IsDir() && IsRunDir(name)
		if !isRun && (entry.IsDir() || !Matches(name, j.patterns)) {
			continue
		}
		path := filepath.Join(dir, name)
		if j.isLiveLocked(path) {
			continue
		}
		remove := os.Remove
		if isRun {
			remove = os.RemoveAll
		}
		if err := remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				j.logger.Warn("artifact sweep: delete failed", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		removed++
		j.logger.Debug("artifact sweep: deleted", zap.String("path", path))
	}
	return removed
}

// Claim reserves path for an invocation and clears any leftover file (or
// staging file) at that path. The reservation protects the path from
// concurrent sweeps until Release.
func (j *Janitor) Claim(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.live[filepath.Clean(path)] = struct{}{}
	for _, p := range []string{path, TempPathFor(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn("artifact claim: delete stale file failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// Release drops the reservation taken by Claim. The artifact stays on disk
// until the next sweep.
func (j *Janitor) Release(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.live, filepath.Clean(path))
}

// ClaimRunDir reserves dir as an invocation's working directory and leaves
// it empty, discarding whatever an earlier run with the same id left there.
func (j *Janitor) ClaimRunDir(dir string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.live[filepath.Clean(dir)] = struct{}{}
	if err := os.RemoveAll(dir); err != nil {
		delete(j.live, filepath.Clean(dir))
		return fmt.Errorf("clear run dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		delete(j.live, filepath.Clean(dir))
		return fmt.Errorf("create run dir %s: %w", dir, err)
	}
	return nil
}

// ReleaseRunDir removes dir with everything the worker staged in it and
// drops the reservation.
func (j *Janitor) ReleaseRunDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.live, filepath.Clean(dir))
	if err := os.RemoveAll(dir); err != nil {
		j.logger.Warn("artifact release: remove run dir failed", zap.String("dir", dir), zap.Error(err))
	}
}

func (j *Janitor) isLiveLocked(path string) bool {
	clean := filepath.Clean(path)
	if _, ok := j.live[clean]; ok {
		return true
	}
	if ext := filepath.Ext(clean); ext == TempSuffix {
		_, ok := j.live[clean[:len(clean)-len(ext)]]
		return ok
	}
	return false
}
