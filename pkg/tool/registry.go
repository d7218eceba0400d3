// Package tool hosts the action plugins workers dispatch to. Plugins are
// pure with respect to engine state: rendered spec and args in, a result
// value or a classified error out.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/noetl/noetl/pkg/model"
)

// Request is one rendered invocation.
type Request struct {
	// ExecutionID and NodeID identify the command being executed, so plugins
	// that spawn linked work (sub-playbooks) can record the parent linkage.
	ExecutionID int64
	NodeID      string
	// Spec is the tool's rendered configuration block.
	Spec map[string]any
	// Args are the rendered call arguments.
	Args map[string]any
	// Credentials maps credential names to their resolved data payloads.
	Credentials map[string]map[string]any
}

// Error classifies a tool failure for the retry predicates.
type Error struct {
	Kind model.ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind model.ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Tool is one action plugin.
type Tool interface {
	// Name is the `tool.kind` value this plugin serves.
	Name() string
	// Execute runs the action. ctx carries the command timeout.
	Execute(ctx context.Context, req Request) (any, error)
}

// Registry is the name-keyed plugin table, built at process start. External
// plugins register alongside the built-ins.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a plugin; a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the plugin for a kind.
func (r *Registry) Get(kind string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[kind]
	if !ok {
		return nil, fmt.Errorf("no tool registered for kind %q", kind)
	}
	return t, nil
}

// Kinds lists the registered plugin names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
