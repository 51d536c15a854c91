// Package tool executes decided actions. Tools are looked up by action
// kind in a registry; execution failures and timeouts come back as failing
// Outcomes rather than errors, so the control loop can record them in the
// failure memory and keep going. Errors are reserved for infrastructure
// problems.
package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/supervisr/internal/brain"
	serrors "github.com/mark3labs/supervisr/internal/errors"
)

// Outcome is the result of executing one action.
type Outcome struct {
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Detail   string        `json:"detail,omitempty"` // failure description
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the action should be recorded as a failure.
func (o Outcome) Failed() bool {
	return o.TimedOut || o.Detail != "" || o.ExitCode != 0
}

// Tool executes one kind of action.
type Tool interface {
	Name() string
	Execute(ctx context.Context, action brain.Action) (Outcome, error)
}

// Registry maps action kinds to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name, returning ErrToolNotFound when absent.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", serrors.ErrToolNotFound, name)
	}
	return t, nil
}

// Execute dispatches the action to the tool registered for its kind.
func (r *Registry) Execute(ctx context.Context, action brain.Action) (Outcome, error) {
	t, err := r.Get(string(action.Kind))
	if err != nil {
		return Outcome{}, err
	}
	return t.Execute(ctx, action)
}
