package process

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An explicit "sh -c" prefix must not be wrapped in a second shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	require.GreaterOrEqual(t, len(cmd.Args), 3)
	assert.Equal(t, "-c", cmd.Args[1])
	assert.False(t, strings.HasPrefix(cmd.Args[2], "sh -c "), "double-wrapped: %q", cmd.Args[2])
	assert.Equal(t, "echo hi", cmd.Args[2])
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "y", Command: "echo hi | wc -c"}.BuildCommand()
	require.GreaterOrEqual(t, len(cmd.Args), 3)
	assert.Equal(t, "-c", cmd.Args[1])
}

func TestBuildCommand_PlainSplitsFields(t *testing.T) {
	cmd := Spec{Name: "z", Command: "node dist/src/main.js"}.BuildCommand()
	assert.Equal(t, []string{"node", "dist/src/main.js"}, cmd.Args)
}

func TestBuildCommand_ExplicitArgsBypassParsing(t *testing.T) {
	cmd := Spec{Name: "db", Command: "/opt/maria db/bin/mysqld", Args: []string{"--port=3307", "--console"}}.BuildCommand()
	assert.Equal(t, "/opt/maria db/bin/mysqld", cmd.Args[0])
	assert.Equal(t, []string{"--port=3307", "--console"}, cmd.Args[1:])
}

func TestSpec_Validate(t *testing.T) {
	assert.NoError(t, Spec{Name: "a", Command: "true"}.Validate())
	assert.ErrorContains(t, Spec{Name: "  ", Command: "true"}.Validate(), "name")
	assert.ErrorContains(t, Spec{Name: "a"}.Validate(), "command")
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}
