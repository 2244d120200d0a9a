package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables (K->V).
type Var map[string]string

// Env composes the environment handed to fixture processes.
// It is immutable: WithSet returns a modified copy, so one Env can be shared
// by fixtures started from different goroutines.
type Env struct {
	base      Var
	overrides Var
}

// New returns an Env with no base. Use FromOS to inherit the harness
// environment.
func New() Env { return Env{} }

// FromOS returns an Env whose base is the current process environment.
func FromOS() Env {
	return Env{base: Parse(os.Environ())}
}

// WithSet returns a copy of e with K=V applied on top of the base.
func (e Env) WithSet(k, v string) Env {
	if k == "" {
		return e
	}
	out := Env{base: e.base, overrides: make(Var, len(e.overrides)+1)}
	for kk, vv := range e.overrides {
		out.overrides[kk] = vv
	}
	out.overrides[k] = v
	return out
}

// Merge composes base, overrides and perProc ("K=V" entries) in that order of
// precedence and expands $VAR and ${VAR} references against the composed set
// (one pass, no recursion; unknown names are left as ${NAME}). The result is sorted by key.
func (e Env) Merge(perProc []string) []string {
	m := make(Var, len(e.base)+len(e.overrides)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.overrides {
		m[k] = v
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse splits "K=V" entries into a Var, skipping malformed entries and
// entries with an empty key. Later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
