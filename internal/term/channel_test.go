package term

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// collector gathers output chunks from the reader goroutine.
type collector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *collector) add(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(chunk)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestChannelRunsCommand(t *testing.T) {
	out := &collector{}
	ch, err := Open("echo hello from pty", t.TempDir(), out.add)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	code := ch.Wait()
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "hello from pty") {
		t.Errorf("output missing: %q", out.String())
	}
	if ch.Running() {
		t.Error("channel still reports running after Wait")
	}
}

func TestChannelExitCode(t *testing.T) {
	ch, err := Open("exit 3", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if code := ch.Wait(); code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	code, done := ch.ExitCode()
	if !done || code != 3 {
		t.Errorf("ExitCode() = (%d, %v), want (3, true)", code, done)
	}
}

func TestChannelWrite(t *testing.T) {
	out := &collector{}
	ch, err := Open("read line; echo got:$line", t.TempDir(), out.add)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := ch.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if code := ch.Wait(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "got:ping") {
		t.Errorf("output missing echo of input: %q", out.String())
	}
}

func TestChannelPauseResume(t *testing.T) {
	ch, err := Open("sleep 30", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Kill()

	if ch.Paused() {
		t.Fatal("fresh channel must not be paused")
	}
	if err := ch.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if !ch.Paused() {
		t.Error("channel not paused after Pause")
	}

	// Pausing again is a no-op.
	if err := ch.Pause(); err != nil {
		t.Fatalf("second Pause errored: %v", err)
	}

	if err := ch.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if ch.Paused() {
		t.Error("channel still paused after Resume")
	}

	// Resuming when not paused is a no-op.
	if err := ch.Resume(); err != nil {
		t.Fatalf("second Resume errored: %v", err)
	}
}

func TestChannelKill(t *testing.T) {
	t.Run("kill terminates a long-running process", func(t *testing.T) {
		ch, err := Open("sleep 30", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}

		done := make(chan int, 1)
		go func() { done <- ch.Wait() }()

		ch.Kill()
		select {
		case code := <-done:
			if code == 0 {
				t.Errorf("killed process reported exit code 0")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("process did not die after Kill")
		}
	})

	t.Run("kill delivers through a pause", func(t *testing.T) {
		ch, err := Open("sleep 30", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if err := ch.Pause(); err != nil {
			t.Fatalf("Pause failed: %v", err)
		}

		done := make(chan struct{})
		go func() { ch.Wait(); close(done) }()

		ch.Kill()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("paused process did not die after Kill")
		}
	})

	t.Run("kill is idempotent", func(t *testing.T) {
		ch, err := Open("true", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		ch.Wait()
		ch.Kill()
		ch.Kill()
	})
}

func TestOpenFailure(t *testing.T) {
	// A nonexistent working directory makes the spawn itself fail.
	if _, err := Open("true", "/nonexistent/dir/for/sure", nil); err == nil {
		t.Fatal("expected spawn failure for bad workdir")
	}
}
