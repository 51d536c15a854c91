package brain

import (
	"context"
	"errors"
	"testing"
	"time"

	serrors "github.com/mark3labs/supervisr/internal/errors"
)

func TestActionKey(t *testing.T) {
	shell := Action{Kind: ActionShell, Command: "make build"}
	if shell.Key() != "make build" {
		t.Errorf("shell key = %q", shell.Key())
	}
	done := Action{Kind: ActionDone}
	if done.Key() != "done" {
		t.Errorf("done key = %q", done.Key())
	}
}

func TestActionValidate(t *testing.T) {
	cases := []struct {
		action Action
		ok     bool
	}{
		{Action{Kind: ActionShell, Command: "ls"}, true},
		{Action{Kind: ActionShell, Command: "   "}, false},
		{Action{Kind: ActionWait}, true},
		{Action{Kind: ActionDone}, true},
		{Action{Kind: "reboot"}, false},
	}
	for _, tc := range cases {
		err := tc.action.Validate()
		if tc.ok && err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", tc.action, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("Validate(%+v) = nil, want error", tc.action)
		}
	}
}

func TestScripted(t *testing.T) {
	ctx := context.Background()
	s := NewScripted(
		Action{Kind: ActionShell, Command: "make build"},
		Action{Kind: ActionDone},
	)

	first, err := s.Decide(ctx, Request{Cycle: 1})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if first.Command != "make build" {
		t.Errorf("unexpected first action: %+v", first)
	}

	second, err := s.Decide(ctx, Request{Cycle: 2})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if second.Kind != ActionDone {
		t.Errorf("unexpected second action: %+v", second)
	}

	if _, err := s.Decide(ctx, Request{Cycle: 3}); err == nil {
		t.Fatal("exhausted script must error")
	}
	if s.Decisions() != 2 {
		t.Errorf("expected 2 decisions, got %d", s.Decisions())
	}
	if len(s.Requests) != 3 {
		t.Errorf("expected 3 recorded requests, got %d", len(s.Requests))
	}
}

func TestExecBrain(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the last JSON line on stdout", func(t *testing.T) {
		b := NewExecBrain(`cat > /dev/null; echo thinking...; echo '{"kind":"shell","command":"make test"}'`, "")
		action, err := b.Decide(ctx, Request{Task: "fix it", Cycle: 1})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if action.Kind != ActionShell || action.Command != "make test" {
			t.Errorf("unexpected action: %+v", action)
		}
	})

	t.Run("sees the request on stdin", func(t *testing.T) {
		// The command answers done only if the task text arrived.
		b := NewExecBrain(`grep -q "fix the build" && echo '{"kind":"done"}'`, "")
		action, err := b.Decide(ctx, Request{Task: "fix the build"})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if action.Kind != ActionDone {
			t.Errorf("unexpected action: %+v", action)
		}
	})

	t.Run("nonzero exit is decision unavailable", func(t *testing.T) {
		b := NewExecBrain(`cat > /dev/null; exit 7`, "")
		_, err := b.Decide(ctx, Request{})
		if !errors.Is(err, serrors.ErrDecisionUnavailable) {
			t.Errorf("expected ErrDecisionUnavailable, got %v", err)
		}
	})

	t.Run("empty output is decision unavailable", func(t *testing.T) {
		b := NewExecBrain(`cat > /dev/null`, "")
		_, err := b.Decide(ctx, Request{})
		if !errors.Is(err, serrors.ErrDecisionUnavailable) {
			t.Errorf("expected ErrDecisionUnavailable, got %v", err)
		}
	})

	t.Run("malformed JSON is decision unavailable", func(t *testing.T) {
		b := NewExecBrain(`cat > /dev/null; echo not-json`, "")
		_, err := b.Decide(ctx, Request{})
		if !errors.Is(err, serrors.ErrDecisionUnavailable) {
			t.Errorf("expected ErrDecisionUnavailable, got %v", err)
		}
	})

	t.Run("deadline is decision timeout", func(t *testing.T) {
		b := NewExecBrain(`cat > /dev/null; sleep 30`, "")
		shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err := b.Decide(shortCtx, Request{})
		if !errors.Is(err, serrors.ErrDecisionTimeout) {
			t.Errorf("expected ErrDecisionTimeout, got %v", err)
		}
	})
}
