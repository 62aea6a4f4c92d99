// Package stabilizer detects that every file under a directory has
// stopped changing, so an in-progress rip is not mistaken for a
// finished one.
package stabilizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrTimeout is returned when the source never stabilized within the
// configured ceiling.
var ErrTimeout = errors.New("stabilizer: timed out waiting for stable source")

// pollInterval is the fixed sampling cadence spec.md §4.7 names. A var,
// not a const, so tests can shrink it.
var pollInterval = 5 * time.Second

// hardCeiling bounds the total wait regardless of StabilizeSeconds. A var,
// not a const, so tests can shrink it.
var hardCeiling = 30 * time.Minute

// setHardCeilingForTest overrides hardCeiling; exported only to this
// package's tests via the _test.go file in the same package.
func setHardCeilingForTest(d time.Duration) { hardCeiling = d }

// Wait blocks until every file under dir has an unchanged (path, size,
// mtime) hash for stableFor consecutive samples taken pollInterval apart,
// or returns ErrTimeout after hardCeiling elapses.
func Wait(ctx context.Context, dir string, stableFor time.Duration) error {
	deadline := time.Now().Add(hardCeiling)
	required := int(stableFor / pollInterval)
	if required < 1 {
		required = 1
	}

	var lastHash string
	streak := 0

	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}

		hash, err := hashTree(dir)
		if err != nil {
			return fmt.Errorf("stabilizer: %w", err)
		}

		if hash == lastHash {
			streak++
		} else {
			streak = 1
			lastHash = hash
		}

		if streak >= required {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// hashTree computes a stable digest of the sorted (path, size, mtime)
// tuples of every regular file under dir.
func hashTree(dir string) (string, error) {
	type entry struct {
		path  string
		size  int64
		mtime int64
	}
	var entries []entry

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel, info.Size(), info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source directory vanished: %w", err)
		}
		return "", err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s|%d|%d\n", e.path, e.size, e.mtime)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
