// Package term manages the pseudo-terminal channel attached to one
// supervised interactive process. The channel forwards raw bytes in both
// directions without imposing any line buffering of its own, so
// interactive programs (progress bars, pagers) render correctly.
package term

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/logger"
	"golang.org/x/sys/unix"
)

// readBufSize matches the PTY read granularity; chunks are delivered to
// OnOutput exactly as read, partial lines included.
const readBufSize = 4096

// killGrace is how long Kill waits after SIGTERM before escalating.
const killGrace = 2 * time.Second

// Channel wraps one OS-level interactive process behind a pseudo-terminal.
// All methods are safe for concurrent use; the exit code is surfaced
// exactly once even under concurrent Kill and Wait.
type Channel struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	paused bool
	killed bool

	done     chan struct{} // closed by the reaper after cmd.Wait
	exitCode int

	readerDone chan struct{}
}

// Open spawns command under /bin/bash -c attached to a new pseudo-terminal
// in workDir. Output chunks are delivered to onOutput from a dedicated
// reader goroutine until the process exits. Spawn failures are
// ErrChannelFailure.
func Open(command, workDir string, onOutput func([]byte)) (*Channel, error) {
	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: spawning %q: %v", serrors.ErrChannelFailure, command, err)
	}

	c := &Channel{
		cmd:        cmd,
		ptmx:       ptmx,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	go c.readLoop(onOutput)
	go c.reap()

	logger.Debug("Channel opened: pid=%d command=%q", cmd.Process.Pid, command)
	return c, nil
}

// readLoop pumps raw output chunks to the callback until EOF/EIO.
func (c *Channel) readLoop(onOutput func([]byte)) {
	defer close(c.readerDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			// EIO is the normal Linux signal that the slave side closed.
			if err != io.EOF {
				logger.Debug("Channel read ended: %v", err)
			}
			return
		}
	}
}

// reap waits for the process exactly once and records its exit code.
func (c *Channel) reap() {
	err := c.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	close(c.done)

	// Closing the master wakes the reader if it is still blocked.
	c.ptmx.Close()
}

// Write forwards raw bytes to the process's terminal input.
func (c *Channel) Write(p []byte) (int, error) {
	return c.ptmx.Write(p)
}

// Pid returns the supervised process id.
func (c *Channel) Pid() int {
	return c.cmd.Process.Pid
}

// Running reports whether the process has not yet exited.
func (c *Channel) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Paused reports whether the process is currently stopped under SIGSTOP.
func (c *Channel) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Pause stops the process with SIGSTOP. Calling Pause on an already
// paused or exited channel is a no-op.
func (c *Channel) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || !c.Running() {
		return nil
	}
	if err := unix.Kill(c.cmd.Process.Pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("pausing pid %d: %w", c.cmd.Process.Pid, err)
	}
	c.paused = true
	logger.Debug("Channel paused: pid=%d", c.cmd.Process.Pid)
	return nil
}

// Resume continues a paused process with SIGCONT. No-op if not paused.
func (c *Channel) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return nil
	}
	if err := unix.Kill(c.cmd.Process.Pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("resuming pid %d: %w", c.cmd.Process.Pid, err)
	}
	c.paused = false
	logger.Debug("Channel resumed: pid=%d", c.cmd.Process.Pid)
	return nil
}

// Kill terminates the process unconditionally. A paused process gets
// SIGCONT first so the termination signal is actually delivered, then
// SIGTERM, escalating to SIGKILL after a grace period. Kill is idempotent.
func (c *Channel) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	paused := c.paused
	c.paused = false
	pid := c.cmd.Process.Pid
	c.mu.Unlock()

	if !c.Running() {
		return
	}

	if paused {
		_ = unix.Kill(pid, unix.SIGCONT)
	}
	_ = unix.Kill(pid, unix.SIGTERM)

	select {
	case <-c.done:
	case <-time.After(killGrace):
		logger.Warn("Channel pid=%d ignored SIGTERM, sending SIGKILL", pid)
		_ = unix.Kill(pid, unix.SIGKILL)
		<-c.done
	}
}

// Wait blocks until the process exits and returns its exit code. Safe to
// call from multiple goroutines; every caller observes the same code.
func (c *Channel) Wait() int {
	<-c.done
	<-c.readerDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// ExitCode returns the recorded exit code and true once the process has
// exited, or zero and false while it is still running.
func (c *Channel) ExitCode() (int, bool) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.exitCode, true
	default:
		return 0, false
	}
}
