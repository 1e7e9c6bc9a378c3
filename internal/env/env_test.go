package env

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrder(t *testing.T) {
	e := &Env{base: Var{"A": "os", "B": "os"}}
	e.Set("B", "global")
	e.Set("C", "global")
	out := e.Merge([]string{"C=proc", "D=${B}-x", "=skip"})

	v, _ := Lookup(out, "A")
	assert.Equal(t, "os", v)
	v, _ = Lookup(out, "B")
	assert.Equal(t, "global", v)
	v, _ = Lookup(out, "C")
	assert.Equal(t, "proc", v)
	v, _ = Lookup(out, "D")
	assert.Equal(t, "global-x", v)
	for _, kv := range out {
		assert.False(t, strings.HasPrefix(kv, "="))
	}
}

func TestPrependPath(t *testing.T) {
	sep := string(os.PathListSeparator)
	e := &Env{base: Var{"PATH": "/usr/bin"}}
	e.PrependPath("/opt/node", "", "/opt/pnpm")
	out := e.Merge(nil)
	v, ok := Lookup(out, "PATH")
	require.True(t, ok)
	assert.Equal(t, "/opt/node"+sep+"/opt/pnpm"+sep+"/usr/bin", v)
}

func TestPrependPathWithoutBase(t *testing.T) {
	e := &Env{base: Var{}}
	e.PrependPath("/tools")
	v, _ := Lookup(e.Merge(nil), "PATH")
	assert.Equal(t, "/tools", v)
}

func TestDirsSkipsEmpty(t *testing.T) {
	out := Dirs("", "rel", "")
	require.Len(t, out, 1)
	assert.True(t, strings.HasSuffix(out[0], "rel"))
}
