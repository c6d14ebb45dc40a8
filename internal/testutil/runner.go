package testutil

import (
	"fmt"
	"strings"
	"sync"
)

// ScriptedRunner is a bp.Runner that replays scripted command results and
// records every execution. Unscripted commands succeed with empty output.
type ScriptedRunner struct {
	mu      sync.Mutex
	outputs map[string][]byte
	errs    map[string]error
	missing map[string]bool

	// Calls holds the executed command lines in order.
	Calls []string
}

func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{
		outputs: make(map[string][]byte),
		errs:    make(map[string]error),
		missing: make(map[string]bool),
	}
}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

// Script sets the output returned for the given command line.
func (r *ScriptedRunner) Script(output string, name string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[commandLine(name, args)] = []byte(output)
}

// Fail makes the given command line return err.
func (r *ScriptedRunner) Fail(err error, name string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[commandLine(name, args)] = err
}

// Hide makes LookPath fail for name.
func (r *ScriptedRunner) Hide(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[name] = true
}

func (r *ScriptedRunner) record(line string) {
	r.Calls = append(r.Calls, line)
}

func (r *ScriptedRunner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}

func (r *ScriptedRunner) Output(name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := commandLine(name, args)
	r.record(line)
	if err := r.errs[line]; err != nil {
		return nil, err
	}
	return r.outputs[line], nil
}

func (r *ScriptedRunner) OutputAsUser(uid, gid int, name string, args ...string) ([]byte, error) {
	return r.Output(name, args...)
}

func (r *ScriptedRunner) Run(interactive bool, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := commandLine(name, args)
	r.record(line)
	return r.errs[line]
}

func (r *ScriptedRunner) RunAsUser(interactive bool, uid, gid int, name string, args ...string) error {
	return r.Run(interactive, name, args...)
}
