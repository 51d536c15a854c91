package brain

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/logger"
)

// ExecBrain shells out to an external decision command once per cycle.
// The request is written to the subprocess as one JSON document on stdin;
// the subprocess answers with one JSON action on stdout. Anything on
// stderr is passed through for operator visibility.
type ExecBrain struct {
	command string
	workDir string
}

// NewExecBrain creates a brain backed by the given shell command.
func NewExecBrain(command, workDir string) *ExecBrain {
	return &ExecBrain{command: command, workDir: workDir}
}

func (b *ExecBrain) Decide(ctx context.Context, req Request) (Action, error) {
	logger.Debug("Requesting decision for cycle %d", req.Cycle)

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", b.command)
	cmd.Dir = b.workDir
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Action{}, fmt.Errorf("%w: stdin pipe: %v", serrors.ErrDecisionUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Action{}, fmt.Errorf("%w: stdout pipe: %v", serrors.ErrDecisionUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return Action{}, fmt.Errorf("%w: starting %q: %v", serrors.ErrDecisionUnavailable, b.command, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return Action{}, fmt.Errorf("marshaling decision request: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return Action{}, fmt.Errorf("%w: writing request: %v", serrors.ErrDecisionUnavailable, err)
	}
	stdin.Close()

	// The answer is the last non-empty stdout line: decision commands are
	// free to print progress before the action.
	var last string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Action{}, fmt.Errorf("%w: %v", serrors.ErrDecisionTimeout, ctx.Err())
	}
	if waitErr != nil {
		return Action{}, fmt.Errorf("%w: %q exited: %v", serrors.ErrDecisionUnavailable, b.command, waitErr)
	}
	if scanErr != nil && !errors.Is(scanErr, io.EOF) {
		return Action{}, fmt.Errorf("%w: reading decision: %v", serrors.ErrDecisionUnavailable, scanErr)
	}
	if last == "" {
		return Action{}, fmt.Errorf("%w: empty decision output", serrors.ErrDecisionUnavailable)
	}

	var action Action
	if err := json.Unmarshal([]byte(last), &action); err != nil {
		return Action{}, fmt.Errorf("%w: malformed decision %q: %v", serrors.ErrDecisionUnavailable, last, err)
	}
	if err := action.Validate(); err != nil {
		return Action{}, fmt.Errorf("%w: %v", serrors.ErrDecisionUnavailable, err)
	}

	logger.Debug("Decision: kind=%s command=%q", action.Kind, action.Command)
	return action, nil
}
