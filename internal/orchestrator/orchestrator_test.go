package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/supervisr/internal/brain"
	"github.com/mark3labs/supervisr/internal/bus"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/gate"
	"github.com/mark3labs/supervisr/internal/session"
)

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.Gate == (gate.Config{}) {
		cfg.Gate = gate.Config{MaxRepeatedActions: 3, MaxStallCycles: 6, MaxTotalCycles: 50}
	}
	cfg.DecisionTimeout = 10 * time.Second
	cfg.ToolTimeout = 30 * time.Second

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := orch.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return orch
}

func loadOnlySession(t *testing.T, orch *Orchestrator) *session.Record {
	t.Helper()
	ctx := context.Background()
	sessions, err := orch.Store().ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
	record, err := orch.Store().LoadSession(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	return record
}

func TestRunToSuccess(t *testing.T) {
	scripted := brain.NewScripted(
		brain.Action{Kind: brain.ActionShell, Command: "echo compile error; exit 1"},
		brain.Action{Kind: brain.ActionShell, Command: "echo all fixed"},
		brain.Action{Kind: brain.ActionDone, Reason: "output looks clean"},
	)
	orch := newTestOrchestrator(t, Config{Task: "fix the build", Brain: scripted})

	if err := orch.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	record := loadOnlySession(t, orch)
	if record.Session.State != session.Completed {
		t.Errorf("expected COMPLETED, got %s", record.Session.State)
	}
	if record.Session.Reason != "SUCCEEDED" {
		t.Errorf("expected reason SUCCEEDED, got %q", record.Session.Reason)
	}
	if len(record.Cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(record.Cycles))
	}
	if record.Cycles[0].Verdict != "CONTINUE" || record.Cycles[2].Verdict != "SUCCEEDED" {
		t.Errorf("unexpected verdicts: %s, %s", record.Cycles[0].Verdict, record.Cycles[2].Verdict)
	}

	// The second decision happens after a failing cycle, so it must carry
	// the failure memory.
	if len(scripted.Requests) < 2 {
		t.Fatalf("expected at least 2 decision requests, got %d", len(scripted.Requests))
	}
	if !strings.Contains(scripted.Requests[1].FailureContext, "DO NOT RETRY") {
		t.Errorf("failure context missing from second request: %q", scripted.Requests[1].FailureContext)
	}
	if !strings.Contains(scripted.Requests[1].FailureContext, "echo compile error") {
		t.Errorf("failed action missing from context window: %q", scripted.Requests[1].FailureContext)
	}
}

func TestRunDetectsLooping(t *testing.T) {
	actions := make([]brain.Action, 10)
	for i := range actions {
		actions[i] = brain.Action{Kind: brain.ActionShell, Command: "echo same thing"}
	}
	orch := newTestOrchestrator(t, Config{Task: "loop forever", Brain: brain.NewScripted(actions...)})

	if err := orch.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	record := loadOnlySession(t, orch)
	if record.Session.State != session.Failed {
		t.Errorf("expected FAILED, got %s", record.Session.State)
	}
	if record.Session.Reason != "LOOPING" {
		t.Errorf("expected reason LOOPING, got %q", record.Session.Reason)
	}
	if len(record.Cycles) != 3 {
		t.Errorf("expected LOOPING on the 3rd cycle, got %d cycles", len(record.Cycles))
	}
}

func TestRunDetectsStalling(t *testing.T) {
	// Distinct actions, none of which change anything observable.
	commands := []string{"true", ":", "cd .", "test 1 = 1", "sleep 0", "pwd > /dev/null", "true # a", "true # b", "true # c", "true # d"}
	actions := make([]brain.Action, len(commands))
	for i, c := range commands {
		actions[i] = brain.Action{Kind: brain.ActionShell, Command: c}
	}
	orch := newTestOrchestrator(t, Config{Task: "spin wheels", Brain: brain.NewScripted(actions...)})

	if err := orch.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	record := loadOnlySession(t, orch)
	if record.Session.State != session.Failed {
		t.Errorf("expected FAILED, got %s", record.Session.State)
	}
	if record.Session.Reason != "STALLED" {
		t.Errorf("expected reason STALLED, got %q", record.Session.Reason)
	}
	if len(record.Cycles) != 6 {
		t.Errorf("expected STALLED on the 6th cycle, got %d cycles", len(record.Cycles))
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	actions := make([]brain.Action, 10)
	for i := range actions {
		actions[i] = brain.Action{Kind: brain.ActionShell, Command: fmt.Sprintf("echo step %d", i)}
	}
	orch := newTestOrchestrator(t, Config{
		Task:  "never finish",
		Brain: brain.NewScripted(actions...),
		Gate:  gate.Config{MaxRepeatedActions: 3, MaxStallCycles: 6, MaxTotalCycles: 4},
	})

	if err := orch.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	record := loadOnlySession(t, orch)
	if record.Session.Reason != "EXCEEDED_BUDGET" {
		t.Errorf("expected reason EXCEEDED_BUDGET, got %q", record.Session.Reason)
	}
	if len(record.Cycles) != 4 {
		t.Errorf("expected 4 cycles, got %d", len(record.Cycles))
	}
}

func TestRunSurvivesDecisionFailures(t *testing.T) {
	scripted := brain.NewScripted()
	scripted.DecideErr = fmt.Errorf("brain offline: %w", serrors.ErrDecisionUnavailable)
	orch := newTestOrchestrator(t, Config{Task: "brain is down", Brain: scripted})

	if err := orch.Run(); err != nil {
		t.Fatalf("Run must not fail on recoverable decision errors: %v", err)
	}

	// Every failed decision becomes an identical wait cycle, so the loop
	// detector ends the session rather than crashing it.
	record := loadOnlySession(t, orch)
	if record.Session.State != session.Failed {
		t.Errorf("expected FAILED, got %s", record.Session.State)
	}
	if record.Session.Reason != "LOOPING" {
		t.Errorf("expected reason LOOPING, got %q", record.Session.Reason)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	actions := make([]brain.Action, 60)
	for i := range actions {
		actions[i] = brain.Action{Kind: brain.ActionShell, Command: fmt.Sprintf("echo step %d; sleep 0.1", i)}
	}
	orch := newTestOrchestrator(t, Config{
		Task:  "long task",
		Brain: brain.NewScripted(actions...),
		Gate:  gate.Config{MaxRepeatedActions: 10, MaxStallCycles: 100, MaxTotalCycles: 100},
	})

	events, unsubscribe, err := orch.Bus().Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run() }()

	waitKind := func(kind bus.Kind) bus.Event {
		t.Helper()
		deadline := time.After(30 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Kind == kind {
					return ev
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", kind)
			case err := <-runDone:
				t.Fatalf("run ended early (%v) while waiting for %s", err, kind)
			}
		}
	}

	started := waitKind(bus.SessionStarted)
	sessionID := started.SessionID

	waitKind(bus.GateVerdict)
	if err := orch.Bus().SendSignal(sessionID, bus.SignalPause); err != nil {
		t.Fatalf("pause signal failed: %v", err)
	}
	waitKind(bus.SessionPaused)

	if err := orch.Bus().SendSignal(sessionID, bus.SignalResume); err != nil {
		t.Fatalf("resume signal failed: %v", err)
	}
	waitKind(bus.SessionResumed)

	if err := orch.Bus().SendSignal(sessionID, bus.SignalCancel); err != nil {
		t.Fatalf("cancel signal failed: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	record, err := orch.Store().LoadSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if record.Session.State != session.Cancelled {
		t.Errorf("expected CANCELLED, got %s", record.Session.State)
	}
}

func TestRunPublishesCycleEvents(t *testing.T) {
	orch := newTestOrchestrator(t, Config{
		Task: "one real action",
		Brain: brain.NewScripted(
			brain.Action{Kind: brain.ActionShell, Command: "echo doing work"},
			brain.Action{Kind: brain.ActionDone, Reason: "looks fine"},
		),
	})

	events, unsubscribe, err := orch.Bus().Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	if err := orch.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Drain until the terminal event; publisher order is preserved.
	var seen []bus.Event
	for len(seen) == 0 || seen[len(seen)-1].Kind != bus.SessionCompleted {
		select {
		case ev := <-events:
			seen = append(seen, ev)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for session.completed")
		}
	}

	index := func(kind bus.Kind) int {
		for i, ev := range seen {
			if ev.Kind == kind && ev.Fields["seq"] == "1" {
				return i
			}
		}
		t.Fatalf("missing %s for cycle 1 in %d events", kind, len(seen))
		return -1
	}

	started := index(bus.CycleStarted)
	decided := index(bus.CycleDecided)
	executed := index(bus.CycleExecuted)
	observed := index(bus.CycleObserved)
	verdict := index(bus.GateVerdict)
	if !(started < decided && decided < executed && executed < observed && observed < verdict) {
		t.Errorf("cycle events out of order: started=%d decided=%d executed=%d observed=%d verdict=%d",
			started, decided, executed, observed, verdict)
	}

	executedEv := seen[executed]
	if executedEv.Fields["exit_code"] != "0" {
		t.Errorf("unexpected exit code in executed event: %v", executedEv.Fields)
	}
	if executedEv.Fields["duration"] == "" {
		t.Errorf("executed event missing duration: %v", executedEv.Fields)
	}
}

func TestPauseDuringAction(t *testing.T) {
	orch := newTestOrchestrator(t, Config{
		Task:  "long action",
		Brain: brain.NewScripted(brain.Action{Kind: brain.ActionShell, Command: "sleep 30"}),
	})

	events, unsubscribe, err := orch.Bus().Subscribe("")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run() }()

	waitKind := func(kind bus.Kind) bus.Event {
		t.Helper()
		deadline := time.After(30 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Kind == kind {
					return ev
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", kind)
			case err := <-runDone:
				t.Fatalf("run ended early (%v) while waiting for %s", err, kind)
			}
		}
	}

	// The action blocks for 30s, so everything after cycle.decided
	// happens while the process is live.
	decided := waitKind(bus.CycleDecided)
	sessionID := decided.SessionID

	if err := orch.Bus().SendSignal(sessionID, bus.SignalPause); err != nil {
		t.Fatalf("pause signal failed: %v", err)
	}
	waitKind(bus.SessionPaused)

	if err := orch.Bus().SendSignal(sessionID, bus.SignalResume); err != nil {
		t.Fatalf("resume signal failed: %v", err)
	}
	waitKind(bus.SessionResumed)

	// Cancel mid-action kills the live process and ends the session.
	if err := orch.Bus().SendSignal(sessionID, bus.SignalCancel); err != nil {
		t.Fatalf("cancel signal failed: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop after mid-action cancel")
	}

	record, err := orch.Store().LoadSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if record.Session.State != session.Cancelled {
		t.Errorf("expected CANCELLED, got %s", record.Session.State)
	}
	if len(record.Cycles) != 1 {
		t.Errorf("expected the killed action's cycle to be recorded, got %d cycles", len(record.Cycles))
	}
}

// blockingBrain parks in Decide until the supervisor shuts down.
type blockingBrain struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingBrain) Decide(ctx context.Context, _ brain.Request) (brain.Action, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return brain.Action{}, ctx.Err()
}

func TestShutdownMidCycleCancels(t *testing.T) {
	blocker := &blockingBrain{started: make(chan struct{})}
	orch := newTestOrchestrator(t, Config{Task: "shut down on me", Brain: blocker})

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run() }()

	select {
	case <-blocker.started:
	case <-time.After(30 * time.Second):
		t.Fatal("decision never started")
	}
	orch.cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("shutdown mid-cycle must not fail the run: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop after shutdown")
	}

	record := loadOnlySession(t, orch)
	if record.Session.State != session.Cancelled {
		t.Errorf("expected CANCELLED, got %s", record.Session.State)
	}
	if record.Session.Reason != "cancelled" {
		t.Errorf("expected reason cancelled, got %q", record.Session.Reason)
	}
}

func TestInterruptedSessionsStayResumable(t *testing.T) {
	dataDir := t.TempDir()
	workDir := t.TempDir()

	// First supervisor: create a session, drive it to RUNNING, then die
	// without a terminal transition.
	first := newTestOrchestrator(t, Config{Task: "unused", WorkDir: workDir, DataDir: dataDir, Brain: brain.NewScripted()})
	ctx := context.Background()
	sess, err := first.Store().Create(ctx, "crashed mid-flight", workDir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := first.Store().SaveTransition(ctx, sess.ID, session.Running, "", time.Now().UTC()); err != nil {
		t.Fatalf("SaveTransition failed: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Second supervisor over the same data dir surfaces the orphan but
	// must not touch its persisted state.
	second := newTestOrchestrator(t, Config{Task: "unused", WorkDir: workDir, DataDir: dataDir, Brain: brain.NewScripted()})
	record, err := second.Store().LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if record.Session.State != session.Running {
		t.Errorf("interrupted session must keep its state, got %s", record.Session.State)
	}
	if !record.Session.Interrupted() {
		t.Error("session must report interrupted")
	}

	// Explicit resume picks the session up and drives it to completion.
	third := newTestOrchestrator(t, Config{
		WorkDir:  workDir,
		DataDir:  dataDir,
		ResumeID: sess.ID,
		Brain:    brain.NewScripted(brain.Action{Kind: brain.ActionDone, Reason: "nothing left"}),
	})
	if err := third.Run(); err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	record, err = third.Store().LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if record.Session.State != session.Completed {
		t.Errorf("expected COMPLETED after resume, got %s", record.Session.State)
	}
}

func TestNodeModeLeavesLiveSessionsAlone(t *testing.T) {
	dataDir := t.TempDir()
	workDir := t.TempDir()

	// The primary owns the server and a live RUNNING session.
	primary := newTestOrchestrator(t, Config{Task: "unused", WorkDir: workDir, DataDir: dataDir, Brain: brain.NewScripted()})
	ctx := context.Background()
	sess, err := primary.Store().Create(ctx, "live elsewhere", workDir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := primary.Store().SaveTransition(ctx, sess.ID, session.Running, "", time.Now().UTC()); err != nil {
		t.Fatalf("SaveTransition failed: %v", err)
	}

	// A second supervisor joining the same data dir connects as a node
	// and must not declare the primary's session orphaned.
	node := newTestOrchestrator(t, Config{Task: "unused", WorkDir: workDir, DataDir: dataDir, Brain: brain.NewScripted()})
	record, err := node.Store().LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if record.Session.State != session.Running {
		t.Errorf("node start changed a live session to %s", record.Session.State)
	}
}
