// Package template is the pure substitution and rendering layer used at both
// planning time (when gates, bind, loop iterators) and execution time (tool
// spec and argument rendering on workers).
//
// Two syntaxes are supported, matching the authoring surface:
//
//   - `{{ expr }}`: expression substitution. A value that is exactly one
//     expression evaluates to a typed value (null/bool/number/string/list/map)
//     via expr-lang; mixed text renders to a string.
//   - `{% ... %}`: statement blocks (conditionals, iteration), rendered by
//     the gonja jinja engine.
//
// Rendering is a pure function of (template, context): the non-deterministic
// helpers now() and uuid() read from a Frozen snapshot captured at command
// issue time, so retries see identical inputs.
package template

import (
	"time"

	"github.com/google/uuid"
)

// Context is the rendering scope chain: workload (top-level input) →
// execution vars (bind writes and step results) → read-only step status →
// iterator bindings. Inner scopes shadow outer ones.
type Context struct {
	Workload map[string]any
	Vars     map[string]any
	Steps    map[string]any // step.<id> → status map; read-only
	Iter     map[string]any // per loop element bindings
	Frozen   *Frozen
}

// Env flattens the scope chain into a single evaluation environment.
// Later writes shadow earlier ones: vars over workload keys, iterator
// bindings over everything. The reserved `step` and `workload` namespaces
// are always present.
func (c *Context) Env() map[string]any {
	env := make(map[string]any, len(c.Vars)+len(c.Iter)+8)
	for k, v := range c.Vars {
		env[k] = v
	}
	env["workload"] = c.Workload
	env["step"] = c.Steps
	for k, v := range c.Iter {
		env[k] = v
	}
	addHelpers(env, c)
	return env
}

// Clone returns a shallow copy with an independent Iter map, for building
// per-element loop scopes.
func (c *Context) Clone() *Context {
	iter := make(map[string]any, len(c.Iter)+2)
	for k, v := range c.Iter {
		iter[k] = v
	}
	return &Context{
		Workload: c.Workload,
		Vars:     c.Vars,
		Steps:    c.Steps,
		Iter:     iter,
		Frozen:   c.Frozen,
	}
}

// Frozen pins the non-deterministic helpers for one issued command.
// In recording mode (scheduler, at issue time) uuid() generates fresh values
// and records them; in playback mode (worker, and any retry) the recorded
// values are replayed in order.
type Frozen struct {
	Now       time.Time
	UUIDs     []string
	recording bool
	cursor    int
}

// NewFrozen starts a recording snapshot anchored at now.
func NewFrozen(now time.Time) *Frozen {
	return &Frozen{Now: now, recording: true}
}

// Replay reconstructs a playback snapshot from persisted values.
func Replay(now time.Time, uuids []string) *Frozen {
	return &Frozen{Now: now, UUIDs: uuids}
}

func (f *Frozen) now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f.Now
}

func (f *Frozen) uuid() string {
	if f == nil {
		return uuid.NewString()
	}
	if f.recording {
		v := uuid.NewString()
		f.UUIDs = append(f.UUIDs, v)
		return v
	}
	if f.cursor < len(f.UUIDs) {
		v := f.UUIDs[f.cursor]
		f.cursor++
		return v
	}
	return uuid.NewString()
}

// Marshal returns the snapshot as a JSON-friendly map for embedding into the
// issued command's context.
func (f *Frozen) Marshal() map[string]any {
	if f == nil {
		return nil
	}
	return map[string]any{
		"now":   f.Now.Format(time.RFC3339Nano),
		"uuids": f.UUIDs,
	}
}

// UnmarshalFrozen rebuilds a playback snapshot from a command context value.
func UnmarshalFrozen(raw map[string]any) *Frozen {
	if raw == nil {
		return nil
	}
	f := &Frozen{}
	if s, ok := raw["now"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			f.Now = t
		}
	}
	switch vs := raw["uuids"].(type) {
	case []string:
		f.UUIDs = vs
	case []any:
		for _, v := range vs {
			if s, ok := v.(string); ok {
				f.UUIDs = append(f.UUIDs, s)
			}
		}
	}
	return f
}
