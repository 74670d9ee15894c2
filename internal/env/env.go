package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to launched processes.
// Global holds daemon-wide overrides applied on top of the OS environment.
type Env struct {
	Global Var
	base   Var
}

func New() *Env {
	return &Env{Global: make(Var)}
}

// FromList builds an Env whose globals come from "K=V" entries.
// Malformed entries and entries with an empty key are ignored.
func FromList(kvs []string) *Env {
	e := New()
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Global[k] = v
		}
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// WithBase replaces the cached base. Mostly useful in tests.
func (e *Env) WithBase(base Var) *Env {
	c := e.clone()
	c.base = make(Var, len(base))
	for k, v := range base {
		c.base[k] = v
	}
	return c
}

// WithSet returns a copy with a global K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	c.Global[k] = v
	return c
}

func (e *Env) clone() *Env {
	c := &Env{Global: make(Var, len(e.Global)), base: e.base}
	for k, v := range e.Global {
		c.Global[k] = v
	}
	return c
}

// Merge composes the final environment in this order: base (OS env unless
// set with WithBase), then globals, then perProc. ${VAR} references are
// expanded once against the composed map. The result is sorted by key.
func (e *Env) Merge(perProc Var) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Global)+len(perProc))
	for _, layer := range []Var{e.base, e.Global, perProc} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
		}
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

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// expand replaces ${VAR} with values from m. Unknown references are left as is.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
