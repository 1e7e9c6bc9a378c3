package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments from the agent's own environment,
// agent-wide variables and per-service variables.
type Env struct {
	Var  Var      // global variables (K->V)
	Path []string // directories prepended to PATH, in order
	base Var      // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// WithSet returns e after setting K=V, for chaining.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// PrependPath adds dirs in front of PATH for every merged environment.
// Portable tool directories (node, pnpm, database binaries) are registered here.
func (e *Env) PrependPath(dirs ...string) {
	for _, d := range dirs {
		if d != "" {
			e.Path = append(e.Path, d)
		}
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global e.Var overrides, then perProc ("K=V") overrides.
// PATH receives e.Path in front. ${VAR} references are expanded once against the
// composed map. The result is sorted for stable output.
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	if len(e.Path) > 0 {
		key := pathKey(m)
		parts := append([]string{}, e.Path...)
		if cur := m[key]; cur != "" {
			parts = append(parts, cur)
		}
		m[key] = strings.Join(parts, string(os.PathListSeparator))
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of k in a merged environment list.
func Lookup(list []string, k string) (string, bool) {
	v, ok := parse(list)[k]
	return v, ok
}

// Dirs returns the absolute form of each non-empty dir, for PrependPath.
func Dirs(dirs ...string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		out = append(out, d)
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// pathKey preserves the existing spelling of PATH (Windows uses "Path").
func pathKey(m Var) string {
	for k := range m {
		if strings.EqualFold(k, "PATH") {
			return k
		}
	}
	return "PATH"
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
