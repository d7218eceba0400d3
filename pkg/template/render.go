package template

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
)

const (
	exprOpen  = "{{"
	exprClose = "}}"
	stmtOpen  = "{%"
)

// Renderer maps (template, context) → value. It is stateless and safe for
// concurrent use.
type Renderer struct{}

// New returns a Renderer.
func New() *Renderer {
	return &Renderer{}
}

// Render evaluates a string template. A value that is exactly one `{{ expr }}`
// yields the typed expression result; anything containing markers renders to
// a string; plain text passes through unchanged.
func (r *Renderer) Render(tpl string, c *Context) (any, error) {
	if !strings.Contains(tpl, exprOpen) && !strings.Contains(tpl, stmtOpen) {
		return tpl, nil
	}
	if src, ok := singleExpression(tpl); ok {
		return r.Eval(src, c)
	}
	return r.renderText(tpl, c)
}

// RenderValue renders templates recursively through maps and slices, leaving
// non-string leaves untouched.
func (r *Renderer) RenderValue(v any, c *Context) (any, error) {
	switch t := v.(type) {
	case string:
		return r.Render(t, c)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := r.RenderValue(val, c)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rendered, err := r.RenderValue(val, c)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// Eval evaluates a bare expression (no delimiters) against the context and
// returns its typed value.
func (r *Renderer) Eval(src string, c *Context) (any, error) {
	env := c.Env()
	program, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("template: compile %q: %w", src, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("template: eval %q: %w", src, err)
	}
	return out, nil
}

// EvalWhen evaluates a gate expression to a boolean. Empty gates are true.
// The expression may be written bare or wrapped in `{{ }}`.
func (r *Renderer) EvalWhen(when string, c *Context) (bool, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return true, nil
	}
	if src, ok := singleExpression(when); ok {
		when = src
	}
	out, err := r.Eval(when, c)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// EvalPick selects a subexpression of a raw tool result. The raw value is
// exposed as `result`; when it is an object its fields are addressable
// directly as well.
func (r *Renderer) EvalPick(pick string, raw any, c *Context) (any, error) {
	pick = strings.TrimSpace(pick)
	if pick == "" {
		return raw, nil
	}
	if src, ok := singleExpression(pick); ok {
		pick = src
	}
	scoped := c.Clone()
	scoped.Iter["result"] = raw
	if m, ok := raw.(map[string]any); ok {
		for k, v := range m {
			if _, shadowed := scoped.Iter[k]; !shadowed {
				scoped.Iter[k] = v
			}
		}
	}
	return r.Eval(pick, scoped)
}

// renderText renders a mixed-text or statement-block template with gonja.
func (r *Renderer) renderText(tpl string, c *Context) (string, error) {
	t, err := gonja.FromString(tpl)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, exec.NewContext(c.Env())); err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return buf.String(), nil
}

// singleExpression reports whether the whole trimmed template is exactly one
// `{{ expr }}` and returns the inner source.
func singleExpression(tpl string) (string, bool) {
	s := strings.TrimSpace(tpl)
	if !strings.HasPrefix(s, exprOpen) || !strings.HasSuffix(s, exprClose) {
		return "", false
	}
	inner := s[len(exprOpen) : len(s)-len(exprClose)]
	if strings.Contains(inner, exprOpen) || strings.Contains(inner, exprClose) || strings.Contains(inner, stmtOpen) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// ReferencedSteps extracts the step identifiers a gate expression depends on:
// arguments of the status helpers and dotted `step.<id>` accesses. The
// scheduler indexes parked calls by this set for re-evaluation.
func ReferencedSteps(when string) []string {
	if src, ok := singleExpression(when); ok {
		when = src
	}
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, helper := range []string{"done", "ok", "fail", "running", "loop_done"} {
		rest := when
		for {
			i := strings.Index(rest, helper+"(")
			if i < 0 {
				break
			}
			// Reject matches that are part of a longer identifier.
			if i > 0 && isIdentChar(rest[i-1]) {
				rest = rest[i+len(helper)+1:]
				continue
			}
			arg := rest[i+len(helper)+1:]
			if j := strings.IndexAny(arg, ")"); j >= 0 {
				add(strings.Trim(strings.TrimSpace(arg[:j]), `'"`))
			}
			rest = rest[i+len(helper)+1:]
		}
	}

	rest := when
	for {
		i := strings.Index(rest, "step.")
		if i < 0 {
			break
		}
		if i > 0 && isIdentChar(rest[i-1]) {
			rest = rest[i+len("step."):]
			continue
		}
		tail := rest[i+len("step."):]
		j := 0
		for j < len(tail) && isIdentChar(tail[j]) {
			j++
		}
		add(tail[:j])
		rest = tail
	}
	return ids
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
