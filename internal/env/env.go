// Package env composes the environment handed to spawned workers.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env layers control-plane wide variables over a base environment.
// The zero value is not usable; call New.
type Env struct {
	global map[string]string
	base   map[string]string
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return &Env{global: make(map[string]string), base: parse(os.Environ())}
}

// Empty returns an Env with no base; only explicitly set variables are passed.
func Empty() *Env {
	return &Env{global: make(map[string]string), base: make(map[string]string)}
}

// Set adds a variable applied to every worker.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetPairs applies "K=V" entries via Set; malformed entries are ignored.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Merge composes base, then global overrides, then per-worker "K=V"
// overrides. Values may reference other variables as $VAR or ${VAR};
// references resolve against the composed map, unknown names expand
// to the empty string. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := make(map[string]string, len(e.base)+len(e.global)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string { return m[name] }))
	}
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
