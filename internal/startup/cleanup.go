// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/repository"
)

// TempDirPrefix is the prefix used for clipforge scratch directories in
// the system temp directory. Download and render steps create these and
// remove them on success; a crash leaves them behind.
const TempDirPrefix = "clipforge-"

// DefaultCleanupAge is the default maximum age for orphaned temp directories.
const DefaultCleanupAge = 1 * time.Hour

// CleanupOrphanedTempDirs removes scratch directories matching
// "clipforge-*" under baseDir that are older than maxAge.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedTempDirs(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("base directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), TempDirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent temp directory",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned temp directory",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned temp directory",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// CleanupSystemTempDirs cleans up orphaned clipforge scratch directories
// from the system temp directory using the default cleanup age.
func CleanupSystemTempDirs(logger *slog.Logger) (int, error) {
	return CleanupOrphanedTempDirs(logger, os.TempDir(), DefaultCleanupAge)
}

// CleanupWorkspaceTemp empties the sandbox scratch directory. Every file
// there belongs to an in-flight job, and no jobs are in flight at boot.
//
// Returns the number of entries removed and any error encountered.
func CleanupWorkspaceTemp(logger *slog.Logger, tempDir string) (int, error) {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		logger.Error("failed to read workspace temp directory",
			"path", tempDir,
			"error", err,
		)
		return 0, err
	}

	var removed int
	for _, entry := range entries {
		path := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove workspace temp entry",
				"path", path,
				"error", err,
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("cleared workspace temp directory",
			"path", tempDir,
			"removed_count", removed,
		)
	}
	return removed, nil
}

// RequeueInterruptedJobs returns every job left in "running" by a previous
// process to pending so the dispatcher can claim it again. Without this,
// jobs interrupted by a crash would sit in running forever; their lease
// holder no longer exists.
//
// Returns the number of jobs requeued and any error encountered.
func RequeueInterruptedJobs(ctx context.Context, logger *slog.Logger, jobs repository.JobRepository) (int64, error) {
	requeued, err := jobs.ResetOrphanedRunning(ctx)
	if err != nil {
		logger.Error("failed to requeue interrupted jobs",
			"error", err,
		)
		return 0, err
	}

	if requeued > 0 {
		logger.Warn("requeued jobs interrupted by restart",
			"count", requeued,
		)
	}
	return requeued, nil
}
