// Package pidfile records the pids of supervised services so that a later
// agent instance can recognize processes left behind by an earlier one.
//
// A file holds the pid on the first line and a JSON meta line with the
// process start time, which guards against pid reuse.
package pidfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is the content of one pid file.
type Record struct {
	PID       int
	StartUnix int64
}

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Path returns the pid file of name under dir.
func Path(dir, name string) string { return filepath.Join(dir, name+".pid") }

// Write records pid for name. The start time is read from the live process.
func Write(ctx context.Context, dir, name string, pid int) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	m, _ := json.Marshal(meta{StartUnix: StartUnix(ctx, pid)})
	data := strconv.Itoa(pid) + "\n" + string(m) + "\n"
	// #nosec G306
	return os.WriteFile(Path(dir, name), []byte(data), 0o644)
}

// Read parses a pid file. A missing meta line leaves StartUnix zero.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	rec := Record{PID: pid}
	if len(lines) > 1 {
		var m meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			rec.StartUnix = m.StartUnix
		}
	}
	return rec, nil
}

// Remove deletes the pid file of name. A missing file is not an error.
func Remove(dir, name string) error {
	err := os.Remove(Path(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Alive reports whether the recorded process still runs. A live pid with a
// different start time belongs to someone else.
func (r Record) Alive(ctx context.Context) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(r.PID))
	if err != nil {
		return false
	}
	if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
		return false
	}
	if r.StartUnix > 0 {
		if cur := StartUnix(ctx, r.PID); cur > 0 && cur != r.StartUnix {
			return false
		}
	}
	return true
}

// StartUnix returns the start time of pid in Unix seconds, or 0 when unknown.
func StartUnix(ctx context.Context, pid int) int64 {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
