// Package playbook parses and validates the declarative playbook DSL.
//
// A playbook is a YAML document with a `workload` object (the top-level input
// bag) and a `workflow` list of steps. Step keys are strictly limited to the
// authoring surface; unknown keys are rejected at parse time.
package playbook

// StartStep is the entry step id every workflow must declare.
const StartStep = "start"

// ReservedContextName is the read-only context namespace exposing prior step
// status. Bind writes to it are rejected by validation and at runtime.
const ReservedContextName = "step"

// Playbook is the parsed document.
type Playbook struct {
	Name     string         `yaml:"name,omitempty" json:"name,omitempty"`
	Path     string         `yaml:"path,omitempty" json:"path,omitempty"`
	Workload map[string]any `yaml:"workload,omitempty" json:"workload,omitempty"`
	Workflow []*Step        `yaml:"workflow" json:"workflow"`
}

// Step is a single workflow node (a Petri-net transition).
type Step struct {
	Step string         `yaml:"step" json:"step"`
	Desc string         `yaml:"desc,omitempty" json:"desc,omitempty"`
	When string         `yaml:"when,omitempty" json:"when,omitempty"`
	Bind map[string]any `yaml:"bind,omitempty" json:"bind,omitempty"`
	Loop *Loop          `yaml:"loop,omitempty" json:"loop,omitempty"`
	Tool *Tool          `yaml:"tool,omitempty" json:"tool,omitempty"`
	Next []*Edge        `yaml:"next,omitempty" json:"next,omitempty"`
}

// Loop declares iteration over a rendered sequence.
type Loop struct {
	In          string   `yaml:"in" json:"in"`
	As          string   `yaml:"as" json:"as"`
	Parallelism int      `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	Collect     *Collect `yaml:"collect,omitempty" json:"collect,omitempty"`
}

// Collect names the context list iteration results are appended into.
type Collect struct {
	Into string `yaml:"into" json:"into"`
}

// Tool is the action a step invokes.
type Tool struct {
	Kind            string         `yaml:"kind" json:"kind"`
	Spec            map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
	Args            map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Result          *ResultSpec    `yaml:"result,omitempty" json:"result,omitempty"`
	Retry           *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`
	TimeoutMS       int            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ContinueOnError bool           `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// ResultSpec directs what happens to a step's return value.
type ResultSpec struct {
	Pick    string   `yaml:"pick,omitempty" json:"pick,omitempty"`
	As      string   `yaml:"as,omitempty" json:"as,omitempty"`
	Collect *Collect `yaml:"collect,omitempty" json:"collect,omitempty"`
	Sinks   []*Sink  `yaml:"sink,omitempty" json:"sink,omitempty"`
}

// Sink forwards a step result to external storage. Sink failures are
// reported but only fail the parent step when FailParent is set.
type Sink struct {
	Kind       string         `yaml:"kind" json:"kind"`
	Spec       map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
	FailParent bool           `yaml:"fail_parent,omitempty" json:"fail_parent,omitempty"`
}

// RetrySpec declares the retry policy for transient failures.
type RetrySpec struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	BackoffMS   int      `yaml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
	JitterMS    int      `yaml:"jitter_ms,omitempty" json:"jitter_ms,omitempty"`
	On          []string `yaml:"on,omitempty" json:"on,omitempty"`
	Rebind      bool     `yaml:"rebind,omitempty" json:"rebind,omitempty"`
}

// Edge is one `next` routing edge. Edges are evaluated in declaration order:
// every unconditional edge is routed (fan-out), and among conditional edges
// the first whose `when` holds is routed.
type Edge struct {
	Step string `yaml:"step" json:"step"`
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (p *Playbook) StepByID(id string) *Step {
	for _, s := range p.Workflow {
		if s.Step == id {
			return s
		}
	}
	return nil
}

// RetryableOn reports whether the step's retry policy matches the error kind.
// An empty `on` list matches every kind.
func (r *RetrySpec) RetryableOn(kind string) bool {
	if r == nil {
		return false
	}
	if len(r.On) == 0 {
		return true
	}
	for _, k := range r.On {
		if k == kind {
			return true
		}
	}
	return false
}
