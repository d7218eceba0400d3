package template

import (
	"os"
	"strings"
	"time"
)

// Step status map keys exposed under step.<id>. The scheduler maintains these
// projections; the renderer only reads them.
const (
	KeyDone       = "done"
	KeyOK         = "ok"
	KeyRunning    = "running"
	KeyFailed     = "failed"
	KeyStatus     = "status"
	KeyStartedAt  = "started_at"
	KeyFinishedAt = "finished_at"
	KeyError      = "error"
	KeyTotal      = "total"
	KeyCompleted  = "completed"
	KeySucceeded  = "succeeded"
	KeyFailedNum  = "failed_count"
	KeyResult     = "result"
)

func stepFlag(steps map[string]any, id, key string) bool {
	m, ok := steps[id].(map[string]any)
	if !ok {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// addHelpers installs the fixed helper table into an evaluation environment.
func addHelpers(env map[string]any, c *Context) {
	env["done"] = func(id string) bool { return stepFlag(c.Steps, id, KeyDone) }
	env["ok"] = func(id string) bool { return stepFlag(c.Steps, id, KeyOK) }
	env["fail"] = func(id string) bool { return stepFlag(c.Steps, id, KeyFailed) }
	env["running"] = func(id string) bool { return stepFlag(c.Steps, id, KeyRunning) }
	env["loop_done"] = func(id string) bool {
		m, ok := c.Steps[id].(map[string]any)
		if !ok {
			return false
		}
		total, _ := m[KeyTotal].(int)
		completed, _ := m[KeyCompleted].(int)
		return total > 0 && completed >= total
	}
	env["all_done"] = func(ids []any) bool {
		for _, id := range ids {
			s, _ := id.(string)
			if !stepFlag(c.Steps, s, KeyDone) {
				return false
			}
		}
		return true
	}
	env["any_done"] = func(ids []any) bool {
		for _, id := range ids {
			s, _ := id.(string)
			if stepFlag(c.Steps, s, KeyDone) {
				return true
			}
		}
		return false
	}
	env["now"] = func() time.Time { return c.Frozen.now() }
	env["uuid"] = func() string { return c.Frozen.uuid() }
	env["env"] = func(name string) string { return os.Getenv(name) }
}

// Truthy maps a rendered value to a boolean the way when-gates expect:
// nil, false, zero numbers, empty strings/collections, and the textual
// renderings of false are all falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "none", "null":
			return false
		}
		return true
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
