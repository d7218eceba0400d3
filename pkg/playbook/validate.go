package playbook

import (
	"fmt"
	"strings"
)

// ValidationError is a structured DSL validation failure. It is surfaced
// synchronously on registration or execution start and never retried.
type ValidationError struct {
	Step    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("playbook validation: step %q: %s: %s", e.Step, e.Field, e.Message)
	}
	return fmt.Sprintf("playbook validation: %s: %s", e.Field, e.Message)
}

// Validate checks structural invariants of the parsed playbook:
// unique step ids, a `start` entry step, resolvable `next` targets,
// complete loop declarations, and no bind writes to the reserved `step`
// namespace. Returns the first violation found.
func Validate(pb *Playbook) error {
	if len(pb.Workflow) == 0 {
		return &ValidationError{Field: "workflow", Message: "workflow has no steps"}
	}

	seen := make(map[string]bool, len(pb.Workflow))
	for _, s := range pb.Workflow {
		if s.Step == "" {
			return &ValidationError{Field: "step", Message: "step id must not be empty"}
		}
		if seen[s.Step] {
			return &ValidationError{Step: s.Step, Field: "step", Message: "duplicate step id"}
		}
		seen[s.Step] = true
	}
	if !seen[StartStep] {
		return &ValidationError{Field: "workflow", Message: fmt.Sprintf("missing entry step %q", StartStep)}
	}

	for _, s := range pb.Workflow {
		if err := validateStep(s, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step, ids map[string]bool) error {
	for name := range s.Bind {
		if name == ReservedContextName || strings.HasPrefix(name, ReservedContextName+".") {
			return &ValidationError{Step: s.Step, Field: "bind", Message: fmt.Sprintf("%q is read-only", name)}
		}
	}

	if s.Loop != nil {
		if s.Loop.In == "" {
			return &ValidationError{Step: s.Step, Field: "loop.in", Message: "iterator expression is required"}
		}
		if s.Loop.As == "" {
			return &ValidationError{Step: s.Step, Field: "loop.as", Message: "iterator variable name is required"}
		}
		if s.Loop.As == ReservedContextName {
			return &ValidationError{Step: s.Step, Field: "loop.as", Message: fmt.Sprintf("%q is read-only", ReservedContextName)}
		}
		if s.Loop.Parallelism < 0 {
			return &ValidationError{Step: s.Step, Field: "loop.parallelism", Message: "must be >= 0"}
		}
		if s.Tool == nil {
			return &ValidationError{Step: s.Step, Field: "loop", Message: "loop step requires a tool"}
		}
	}

	if s.Tool != nil {
		if s.Tool.Kind == "" {
			return &ValidationError{Step: s.Step, Field: "tool.kind", Message: "tool kind is required"}
		}
		if r := s.Tool.Retry; r != nil && r.MaxAttempts < 1 {
			return &ValidationError{Step: s.Step, Field: "tool.retry.max_attempts", Message: "must be >= 1"}
		}
		if res := s.Tool.Result; res != nil {
			if res.As == ReservedContextName {
				return &ValidationError{Step: s.Step, Field: "tool.result.as", Message: fmt.Sprintf("%q is read-only", ReservedContextName)}
			}
			for i, sink := range res.Sinks {
				if sink.Kind == "" {
					return &ValidationError{Step: s.Step, Field: fmt.Sprintf("tool.result.sink[%d].kind", i), Message: "sink kind is required"}
				}
			}
		}
	}

	for i, e := range s.Next {
		if e.Step == "" {
			return &ValidationError{Step: s.Step, Field: fmt.Sprintf("next[%d]", i), Message: "edge target is required"}
		}
		if !ids[e.Step] {
			return &ValidationError{Step: s.Step, Field: fmt.Sprintf("next[%d]", i), Message: fmt.Sprintf("unknown step %q", e.Step)}
		}
	}
	return nil
}
