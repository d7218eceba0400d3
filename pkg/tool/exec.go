package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/noetl/noetl/pkg/model"
)

// ShellTool runs a shell command line.
//
// Spec: {command, workdir, env}. Stdout is returned decoded when it is JSON,
// raw text otherwise. A non-zero exit is a tool error carrying stderr.
type ShellTool struct{}

// NewShellTool returns the plugin.
func NewShellTool() *ShellTool {
	return &ShellTool{}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Execute(ctx context.Context, req Request) (any, error) {
	command, _ := req.Spec["command"].(string)
	if command == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("shell: spec.command is required"))
	}
	return runProcess(ctx, req, "/bin/sh", "-c", command)
}

// PythonTool runs an inline python script through the interpreter.
//
// Spec: {code, interpreter}. Args are passed as a JSON object on stdin.
type PythonTool struct{}

// NewPythonTool returns the plugin.
func NewPythonTool() *PythonTool {
	return &PythonTool{}
}

func (t *PythonTool) Name() string { return "python" }

func (t *PythonTool) Execute(ctx context.Context, req Request) (any, error) {
	code, _ := req.Spec["code"].(string)
	if code == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("python: spec.code is required"))
	}
	interpreter, _ := req.Spec["interpreter"].(string)
	if interpreter == "" {
		interpreter = "python3"
	}
	return runProcess(ctx, req, interpreter, "-c", code)
}

func runProcess(ctx context.Context, req Request, name string, args ...string) (any, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	if workdir, _ := req.Spec["workdir"].(string); workdir != "" {
		cmd.Dir = workdir
	}
	cmd.Env = os.Environ()
	if env, ok := req.Spec["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(req.Args) > 0 {
		stdin, err := json.Marshal(req.Args)
		if err != nil {
			return nil, NewError(model.ErrKindValidation, fmt.Errorf("marshal args: %w", err))
		}
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, NewError(model.ErrKindTool, fmt.Errorf("%s: %w", name, ctx.Err()))
		}
		return nil, NewError(model.ErrKindTool, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String())))
	}

	out := stdout.Bytes()
	if len(out) > 0 && json.Valid(bytes.TrimSpace(out)) {
		var data any
		if err := json.Unmarshal(out, &data); err == nil {
			return data, nil
		}
	}
	return map[string]any{"stdout": stdout.String(), "stderr": stderr.String()}, nil
}
