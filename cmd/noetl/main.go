// NoETL control binary: API server + orchestrator, worker fleets, and
// playbook management verbs.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitOK         = 0
	exitUserError  = 1
	exitSystem     = 2
	exitValidation = 3
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userErr(err error) error       { return &exitError{code: exitUserError, err: err} }
func systemErr(err error) error     { return &exitError{code: exitSystem, err: err} }
func validationErr(err error) error { return &exitError{code: exitValidation, err: err} }

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUserError)
	}
}
