package brain

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of actions. Test double: lets loop
// tests drive exact action sequences without a subprocess.
type Scripted struct {
	mu      sync.Mutex
	actions []Action
	next    int
	// DecideErr, when set, is returned instead of the next action.
	DecideErr error
	// Requests records every request seen, for assertions.
	Requests []Request
}

// NewScripted creates a brain that returns the given actions in order.
func NewScripted(actions ...Action) *Scripted {
	return &Scripted{actions: actions}
}

func (s *Scripted) Decide(ctx context.Context, req Request) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	s.Requests = append(s.Requests, req)
	if s.DecideErr != nil {
		return Action{}, s.DecideErr
	}
	if s.next >= len(s.actions) {
		return Action{}, fmt.Errorf("scripted brain exhausted after %d decisions", len(s.actions))
	}
	action := s.actions[s.next]
	s.next++
	return action, nil
}

// Decisions returns how many actions have been handed out.
func (s *Scripted) Decisions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
