package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SnapshotSuffix names the copy of a component tree kept during an update.
const SnapshotSuffix = ".previous"

// ReplaceResult reports what Replace did.
type ReplaceResult struct {
	Files     int
	Preserved []string // preserved entries restored into the new tree
	Lost      []string // preserved entries that could not be carried over
}

// Replace wipes dir and extracts src into it. Entries named in preserve
// (e.g. node_modules) are moved aside first and restored afterwards, unless
// the archive ships its own copy. Failure to move an entry aside is not
// fatal: it is reported in Lost and the caller re-fetches it.
func Replace(ctx context.Context, src, dir string, preserve []string, log *slog.Logger) (ReplaceResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res ReplaceResult
	parked := map[string]string{}
	for _, name := range preserve {
		from := filepath.Join(dir, name)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+"-"+name+".keep")
		_ = os.RemoveAll(to)
		if err := os.Rename(from, to); err != nil {
			log.Warn("could not preserve directory, it will be re-fetched", "path", from, "error", err)
			res.Lost = append(res.Lost, name)
			continue
		}
		parked[name] = to
	}

	if err := os.RemoveAll(dir); err != nil {
		restoreParked(dir, parked, log)
		return res, fmt.Errorf("remove %s: %w", dir, err)
	}
	n, err := Extract(ctx, src, dir)
	res.Files = n
	if err != nil {
		restoreParked(dir, parked, log)
		return res, fmt.Errorf("extract %s: %w", filepath.Base(src), err)
	}

	for _, name := range preserve {
		from, ok := parked[name]
		if !ok {
			continue
		}
		to := filepath.Join(dir, name)
		if _, err := os.Stat(to); err == nil {
			_ = os.RemoveAll(from)
			continue
		}
		if err := os.Rename(from, to); err != nil {
			log.Warn("could not restore preserved directory", "path", to, "error", err)
			_ = os.RemoveAll(from)
			res.Lost = append(res.Lost, name)
			continue
		}
		res.Preserved = append(res.Preserved, name)
	}
	return res, nil
}

func restoreParked(dir string, parked map[string]string, log *slog.Logger) {
	if len(parked) == 0 {
		return
	}
	_ = os.MkdirAll(dir, 0o755)
	for name, from := range parked {
		if err := os.Rename(from, filepath.Join(dir, name)); err != nil {
			log.Warn("could not restore preserved directory", "name", name, "error", err)
		}
	}
}

// Snapshot moves dir to dir+SnapshotSuffix, replacing an older snapshot.
// It reports false when dir does not exist.
func Snapshot(dir string) (bool, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	snap := dir + SnapshotSuffix
	if err := os.RemoveAll(snap); err != nil {
		return false, err
	}
	if err := os.Rename(dir, snap); err != nil {
		return false, err
	}
	return true, nil
}

// Restore puts the snapshot of dir back in place.
func Restore(dir string) error {
	snap := dir + SnapshotSuffix
	if _, err := os.Stat(snap); err != nil {
		return fmt.Errorf("no snapshot for %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(snap, dir)
}

// Discard deletes the snapshot of dir, if any.
func Discard(dir string) error { return os.RemoveAll(dir + SnapshotSuffix) }

// Swap is a replacement of a component tree that can still be undone.
type Swap struct {
	dir   string
	had   bool
	moved []string
	log   *slog.Logger
}

// BeginSwap snapshots dir, extracts src in its place and carries the
// preserved entries over from the snapshot. On error the snapshot has
// already been restored.
func BeginSwap(ctx context.Context, src, dir string, preserve []string, log *slog.Logger) (*Swap, ReplaceResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res ReplaceResult
	had, err := Snapshot(dir)
	if err != nil {
		return nil, res, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	s := &Swap{dir: dir, had: had, log: log}
	n, err := Extract(ctx, src, dir)
	res.Files = n
	if err != nil {
		if rerr := s.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, res, fmt.Errorf("extract %s: %w", filepath.Base(src), err)
	}
	if !had {
		return s, res, nil
	}
	snap := dir + SnapshotSuffix
	for _, name := range preserve {
		from := filepath.Join(snap, name)
		to := filepath.Join(dir, name)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if _, err := os.Stat(to); err == nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			log.Warn("could not carry over directory, it will be re-fetched", "path", from, "error", err)
			res.Lost = append(res.Lost, name)
			continue
		}
		s.moved = append(s.moved, name)
		res.Preserved = append(res.Preserved, name)
	}
	return s, res, nil
}

// Rollback returns carried-over entries to the snapshot and restores it.
func (s *Swap) Rollback() error {
	if !s.had {
		return os.RemoveAll(s.dir)
	}
	snap := s.dir + SnapshotSuffix
	for _, name := range s.moved {
		if err := os.Rename(filepath.Join(s.dir, name), filepath.Join(snap, name)); err != nil {
			s.log.Warn("could not return directory to snapshot", "name", name, "error", err)
		}
	}
	s.moved = nil
	return Restore(s.dir)
}

// Commit drops the snapshot.
func (s *Swap) Commit() error { return Discard(s.dir) }
