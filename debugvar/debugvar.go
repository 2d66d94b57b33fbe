// Package debugvar is a small registry of named live-inspection variables.
// Subsystems register atomic counters and timings under stable names; a
// debugging UI or test can snapshot all of them at any time without
// coordinating with the owners.
package debugvar

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Var is a value that can be read at any time from any goroutine.
type Var interface {
	Value() any
}

// Int64 is an atomic integer Var.
type Int64 struct {
	v atomic.Int64
}

// Add atomically adds delta.
func (i *Int64) Add(delta int64) { i.v.Add(delta) }

// Set atomically stores v.
func (i *Int64) Set(v int64) { i.v.Store(v) }

// Load returns the current value.
func (i *Int64) Load() int64 { return i.v.Load() }

// Value implements Var.
func (i *Int64) Value() any { return i.v.Load() }

// Duration is an atomic duration Var, stored as nanoseconds.
type Duration struct {
	v atomic.Int64
}

// Set atomically stores d.
func (d *Duration) Set(v time.Duration) { d.v.Store(int64(v)) }

// Load returns the current value.
func (d *Duration) Load() time.Duration { return time.Duration(d.v.Load()) }

// Value implements Var.
func (d *Duration) Value() any { return time.Duration(d.v.Load()) }

var (
	mu   sync.RWMutex
	vars = map[string]Var{}
)

// Register makes v visible under name. Registering an existing name
// replaces the previous variable.
func Register(name string, v Var) {
	mu.Lock()
	defer mu.Unlock()
	vars[name] = v
}

// Unregister removes name from the registry. Unknown names are ignored.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(vars, name)
}

// Get returns the variable registered under name, if any.
func Get(name string) (Var, bool) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := vars[name]
	return v, ok
}

// Snapshot returns the current value of every registered variable.
func Snapshot() map[string]any {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		out[name] = v.Value()
	}
	return out
}

// Names returns all registered names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(vars))
	for name := range vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
