package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/deployr/internal/logger"
)

// Spec describes a child process to spawn.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"` // executable path, or a shell-style command line when Args is empty
	Args    []string          `json:"args"`
	WorkDir string            `json:"work_dir"`
	Env     []string          `json:"env"` // complete environment; nil inherits the agent's
	Log     logger.FileConfig `json:"log"` // combined stdout+stderr goes to Log.Dir/<Name>.log
}

// Validate checks the minimum needed to spawn.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process command is required")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With explicit Args the command is executed directly. Otherwise Command is
// treated as a command line: it avoids invoking a shell when not necessary,
// and respects an explicit shell invocation already present in the command
// string (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of outer quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
