// Package brain defines the decision boundary: given what was just
// observed and what has failed before, something external decides the next
// action. The supervisor never reasons about the task itself; it only
// transports context out and actions back in.
package brain

import (
	"context"
	"fmt"
	"strings"
)

// ActionKind discriminates what the decision asks the supervisor to do.
type ActionKind string

const (
	// ActionShell runs a command in the session's terminal channel.
	ActionShell ActionKind = "shell"
	// ActionWait performs no command and lets the channel keep producing
	// output until the next observation.
	ActionWait ActionKind = "wait"
	// ActionDone declares the task complete; the gate verifies.
	ActionDone ActionKind = "done"
)

// Action is one decision.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Command string     `json:"command,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Key returns the action's normalized descriptor used by the failure
// memory and the repeat counter.
func (a Action) Key() string {
	if a.Kind == ActionShell {
		return a.Command
	}
	return string(a.Kind)
}

// Validate checks structural soundness of a decoded action.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionShell:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("shell action without command")
		}
	case ActionWait, ActionDone:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Request carries the full decision context.
type Request struct {
	Task           string `json:"task"`
	Observation    string `json:"observation"`     // summarized terminal output
	FailureContext string `json:"failure_context"` // rendered do-not-retry window
	History        string `json:"history"`         // recent cycle summary
	Cycle          int    `json:"cycle"`
}

// Brain decides the next action. Implementations must respect ctx: the
// supervisor enforces the decision timeout through it.
type Brain interface {
	Decide(ctx context.Context, req Request) (Action, error)
}
