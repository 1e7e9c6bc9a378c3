package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownService   = errors.New("unknown service")
	ErrSpawnFailure     = errors.New("process spawn failed")
	ErrCrashedOnStartup = errors.New("process crashed on startup")
	ErrNotReady         = errors.New("process did not become ready")
)

// CrashError reports a process that exited during startup, with the tail of
// its log for diagnostics.
type CrashError struct {
	Name     string
	ExitCode int
	LogPath  string
	Tail     []string
}

func (e *CrashError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s exited with code %d", ErrCrashedOnStartup, e.Name, e.ExitCode)
	if e.LogPath != "" {
		fmt.Fprintf(&b, " (log: %s)", e.LogPath)
	}
	if len(e.Tail) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}
	return b.String()
}

func (e *CrashError) Unwrap() error { return ErrCrashedOnStartup }
