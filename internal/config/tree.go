package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// ChangeFunc is called after a value changed.
type ChangeFunc func(path, value string)

// Tree is an in-memory ConfigStore with change subscriptions.
//
// Thread-safety: safe for concurrent use. Subscribers are called without the
// lock held, on the goroutine that called SetValue.
type Tree struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[string][]ChangeFunc
}

var _ core.ConfigStore = (*Tree)(nil)

// NewTree creates a Tree holding values.
func NewTree(values map[string]string) *Tree {
	t := &Tree{values: make(map[string]string, len(values)), subs: make(map[string][]ChangeFunc)}
	for k, v := range values {
		t.values[k] = v
	}
	return t
}

func (t *Tree) GetValue(path string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[path]
	return v, ok
}

func (t *Tree) SetValue(path, value string) error {
	if path == "" {
		return core.Errorf(core.CodeInvalidArgument, "config.SetValue", "empty path")
	}
	t.mu.Lock()
	old, existed := t.values[path]
	t.values[path] = value
	subs := append([]ChangeFunc(nil), t.subs[path]...)
	t.mu.Unlock()

	if existed && old == value {
		return nil
	}
	for _, fn := range subs {
		fn(path, value)
	}
	return nil
}

// Delete removes path and every key below it.
func (t *Tree) Delete(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.values {
		if k == path || strings.HasPrefix(k, path+".") {
			delete(t.values, k)
		}
	}
}

// Subscribe registers fn for changes of path.
func (t *Tree) Subscribe(path string, fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[path] = append(t.subs[path], fn)
}

// Merge applies values with SetValue semantics.
func (t *Tree) Merge(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = t.SetValue(k, values[k])
	}
}

// Snapshot returns a copy of all values, optionally limited to a prefix.
func (t *Tree) Snapshot(prefix string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range t.values {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+".") {
			out[k] = v
		}
	}
	return out
}

// String returns the value at path or def.
func String(s core.ConfigStore, path, def string) string {
	if v, ok := s.GetValue(path); ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer at path or def.
func Int(s core.ConfigStore, path string, def int64) int64 {
	v, ok := s.GetValue(path)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Float returns the float at path or def.
func Float(s core.ConfigStore, path string, def float64) float64 {
	v, ok := s.GetValue(path)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns the boolean at path or def.
func Bool(s core.ConfigStore, path string, def bool) bool {
	v, ok := s.GetValue(path)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Millis returns the millisecond value at path as a Duration, or def.
func Millis(s core.ConfigStore, path string, def time.Duration) time.Duration {
	v, ok := s.GetValue(path)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
