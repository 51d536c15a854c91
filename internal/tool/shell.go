package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/supervisr/internal/brain"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/mark3labs/supervisr/internal/term"
)

// maxCapturedOutput bounds the output kept per execution. When exceeded,
// the head is dropped: the tail is where the error lives.
const maxCapturedOutput = 256 * 1024

// Shell runs shell actions in a pseudo-terminal channel, one process per
// action. A context deadline kills the process and reports a timed-out
// Outcome instead of an error. The in-flight channel is exposed through
// PauseActive/ResumeActive/KillActive so control signals can reach a live
// process.
type Shell struct {
	workDir string
	// OnOutput, when set, receives raw output chunks as they stream.
	OnOutput func([]byte)

	activeMu sync.Mutex
	active   *term.Channel
}

// NewShell creates the shell tool rooted at workDir.
func NewShell(workDir string) *Shell {
	return &Shell{workDir: workDir}
}

func (s *Shell) Name() string {
	return string(brain.ActionShell)
}

func (s *Shell) Execute(ctx context.Context, action brain.Action) (Outcome, error) {
	start := time.Now()

	var mu sync.Mutex
	var output []byte
	onOutput := func(chunk []byte) {
		mu.Lock()
		output = append(output, chunk...)
		if len(output) > maxCapturedOutput {
			output = output[len(output)-maxCapturedOutput:]
		}
		mu.Unlock()
		if s.OnOutput != nil {
			s.OnOutput(chunk)
		}
	}

	ch, err := term.Open(action.Command, s.workDir, onOutput)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", serrors.ErrToolExecutionFailure, err)
	}

	s.activeMu.Lock()
	s.active = ch
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		if s.active == ch {
			s.active = nil
		}
		s.activeMu.Unlock()
	}()

	exited := make(chan int, 1)
	go func() {
		exited <- ch.Wait()
	}()

	var out Outcome
	select {
	case code := <-exited:
		out.ExitCode = code
	case <-ctx.Done():
		logger.Warn("Command timed out after %s: %q", time.Since(start).Round(time.Millisecond), action.Command)
		ch.Kill()
		out.ExitCode = <-exited
		out.TimedOut = true
	}

	mu.Lock()
	out.Output = string(output)
	mu.Unlock()
	out.Duration = time.Since(start)
	return out, nil
}

// activeChannel returns the channel of the in-flight action, if any.
func (s *Shell) activeChannel() *term.Channel {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active
}

// PauseActive stops the in-flight action's process with SIGSTOP. Errors
// when no action is executing.
func (s *Shell) PauseActive() error {
	ch := s.activeChannel()
	if ch == nil {
		return fmt.Errorf("no action in flight")
	}
	return ch.Pause()
}

// ResumeActive continues a paused in-flight process with SIGCONT.
func (s *Shell) ResumeActive() error {
	ch := s.activeChannel()
	if ch == nil {
		return fmt.Errorf("no action in flight")
	}
	return ch.Resume()
}

// KillActive force-terminates the in-flight action's process. No-op when
// nothing is executing.
func (s *Shell) KillActive() {
	if ch := s.activeChannel(); ch != nil {
		ch.Kill()
	}
}

// WaitTool implements the wait action: it does nothing for a fixed window
// so a long-running process can make progress before the next observation.
type WaitTool struct {
	Window time.Duration
}

func (w *WaitTool) Name() string {
	return string(brain.ActionWait)
}

func (w *WaitTool) Execute(ctx context.Context, _ brain.Action) (Outcome, error) {
	start := time.Now()
	window := w.Window
	if window <= 0 {
		window = 5 * time.Second
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
	}
	return Outcome{Duration: time.Since(start)}, nil
}
