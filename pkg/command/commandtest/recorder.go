// Package commandtest provides a recording command.Runner for tests.
package commandtest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type response struct {
	out []byte
	err error
}

// Recorder records every command and replays canned output.
// Responses are matched on "name arg0" first, then on "name".
type Recorder struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string]response
	missing   map[string]bool
}

// New returns an empty Recorder; unknown commands succeed with no output.
func New() *Recorder {
	return &Recorder{
		responses: make(map[string]response),
		missing:   make(map[string]bool),
	}
}

// On registers output and error for key ("name" or "name arg0").
func (r *Recorder) On(key, out string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[key] = response{out: []byte(out), err: err}
	return r
}

// Missing makes LookPath fail for the named tools.
func (r *Recorder) Missing(names ...string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.missing[n] = true
	}
	return r
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{Name: name, Args: append([]string(nil), args...)})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.missing[name] {
		return nil, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	if len(args) > 0 {
		if resp, ok := r.responses[name+" "+args[0]]; ok {
			return resp.out, resp.err
		}
	}
	if resp, ok := r.responses[name]; ok {
		return resp.out, resp.err
	}
	return nil, nil
}

func (r *Recorder) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + name, nil
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns the recorded calls rendered as command lines.
func (r *Recorder) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Ran reports whether a command line starting with prefix was recorded.
func (r *Recorder) Ran(prefix string) bool {
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
