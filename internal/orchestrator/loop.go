package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/supervisr/internal/brain"
	"github.com/mark3labs/supervisr/internal/bus"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/gate"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/mark3labs/supervisr/internal/observe"
	"github.com/mark3labs/supervisr/internal/session"
	"github.com/mark3labs/supervisr/internal/tool"
)

// Phase is the control loop's internal state. Phases are logged and
// attached to cycle events; they are not persisted.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseObserving  Phase = "OBSERVING"
	PhaseDeciding   Phase = "DECIDING"
	PhaseActing     Phase = "ACTING"
	PhaseChecking   Phase = "CHECKING"
	PhaseTerminated Phase = "TERMINATED"
)

// Run drives one session to a terminal state: either a fresh session for
// the configured task, or the session named by ResumeID.
func (o *Orchestrator) Run() error {
	var sess *session.Session
	var prior *session.Record

	if o.cfg.ResumeID != "" {
		record, err := o.store.LoadSession(o.ctx, o.cfg.ResumeID)
		if err != nil {
			return err
		}
		if record.Session.State.Terminal() {
			return fmt.Errorf("session %s already %s", record.Session.ID, record.Session.State)
		}
		prior = record
		sess = &record.Session
		logger.Info("Resuming session %s at cycle %d", sess.ID, len(record.Cycles))
	} else {
		if strings.TrimSpace(o.cfg.Task) == "" {
			return fmt.Errorf("no task given")
		}
		created, err := o.store.Create(o.ctx, o.cfg.Task, o.cfg.WorkDir)
		if err != nil {
			return err
		}
		sess = created
		prior = &session.Record{Session: *created}
		o.bus.Publish(bus.Event{
			SessionID: sess.ID,
			Kind:      bus.SessionCreated,
			Fields:    map[string]string{"task": sess.Task},
		})
		logger.Info("Created session %s", sess.ID)
	}

	// Raw channel output goes to a per-session log file alongside the
	// structured cycle records.
	if f, err := openSessionLog(o.cfg.DataDir, sess.ID); err != nil {
		logger.Warn("Session log unavailable: %v", err)
	} else {
		defer f.Close()
		o.shell.OnOutput = func(chunk []byte) { _, _ = f.Write(chunk) }
		defer func() { o.shell.OnOutput = nil }()
	}

	l := &loop{o: o, sess: sess, g: gate.New(o.cfg.Gate), history: prior.Cycles}
	l.seq = len(prior.Cycles)

	// Replay prior cycles so the gate counters survive a resume. The
	// verdicts are discarded: those cycles already passed the gate once.
	for _, c := range prior.Cycles {
		l.g.Check(gate.Input{ActionKey: gate.ActionKey(c.Action), Fingerprint: c.Fingerprint})
	}

	return l.run(o.ctx)
}

// openSessionLog opens the session's raw output log for appending.
func openSessionLog(dataDir, sessionID string) (*os.File, error) {
	path := session.LogPath(dataDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// transition applies a validated state change, persists it, and publishes
// it. Idempotent no-ops produce no event.
func (o *Orchestrator) transition(ctx context.Context, sess *session.Session, to session.State, reason string, kind bus.Kind) error {
	changed, err := sess.Transition(to, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := o.store.SaveTransition(ctx, sess.ID, to, reason, sess.UpdatedAt); err != nil {
		return err
	}
	o.bus.Publish(bus.Event{
		SessionID: sess.ID,
		Kind:      kind,
		Fields:    map[string]string{"state": string(to), "reason": reason},
	})
	logger.Info("Session %s -> %s (%s)", sess.ID, to, reason)
	return nil
}

// loop runs one session's observe/decide/act/check cycle until the gate
// or the operator terminates it.
type loop struct {
	o       *Orchestrator
	sess    *session.Session
	g       *gate.Gate
	phase   Phase
	seq     int
	lastObs []observe.Observation
	history []session.Cycle
	signals <-chan bus.Signal

	// cancelPending is set when a cancel arrives mid-action; the boundary
	// finalizes the CANCELLED transition.
	cancelPending bool
}

func (l *loop) setPhase(p Phase) {
	l.phase = p
	logger.Debug("Session %s phase %s", l.sess.ID, p)
}

func (l *loop) run(ctx context.Context) error {
	signals, unsubscribe, err := l.o.bus.Signals(l.sess.ID)
	if err != nil {
		return fmt.Errorf("subscribing to control channel: %w", err)
	}
	defer unsubscribe()
	l.signals = signals

	startKind := bus.SessionStarted
	if l.sess.State == session.Paused {
		startKind = bus.SessionResumed
	}
	if err := l.o.transition(ctx, l.sess, session.Running, "", startKind); err != nil {
		return err
	}

	l.setPhase(PhaseIdle)
	for {
		// Pause and cancel take effect only at cycle boundaries: never
		// mid-decision, never mid-execution.
		cancelled, err := l.checkSignals(ctx)
		if err != nil {
			return l.fail(err)
		}
		if cancelled {
			l.setPhase(PhaseTerminated)
			return l.o.transition(context.WithoutCancel(ctx), l.sess, session.Cancelled, "cancelled", bus.SessionCancelled)
		}

		var verdict gate.Verdict
		err = serrors.Recover(func() error {
			var cerr error
			verdict, cerr = l.cycle(ctx)
			return cerr
		})
		if err != nil {
			// Supervisor shutdown caught mid-cycle ends the session the same
			// way it does at a boundary: cancelled, not failed.
			if ctx.Err() != nil && !serrors.Fatal(err) {
				l.setPhase(PhaseTerminated)
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return l.o.transition(sctx, l.sess, session.Cancelled, "cancelled", bus.SessionCancelled)
			}
			var panicErr *serrors.PanicError
			if errors.As(err, &panicErr) {
				logger.Error("Cycle panicked: %v\n%s", panicErr.Value, panicErr.StackTrace)
			}
			return l.fail(err)
		}

		if verdict.Terminal() {
			l.setPhase(PhaseTerminated)
			if verdict == gate.Succeeded {
				return l.o.transition(ctx, l.sess, session.Completed, string(verdict), bus.SessionCompleted)
			}
			return l.o.transition(ctx, l.sess, session.Failed, string(verdict), bus.SessionFailed)
		}
		l.setPhase(PhaseIdle)
	}
}

// fail drives the session to FAILED, preserving the original error.
func (l *loop) fail(cause error) error {
	l.setPhase(PhaseTerminated)
	// The parent context may already be cancelled; the terminal transition
	// must still be persisted.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := l.o.transition(ctx, l.sess, session.Failed, cause.Error(), bus.SessionFailed); terr != nil {
		logger.Error("Failed to record session failure: %v", terr)
	}
	return cause
}

// checkSignals drains pending control signals. A pause blocks here, at
// the boundary, until resume or cancel arrives.
func (l *loop) checkSignals(ctx context.Context) (bool, error) {
	if l.cancelPending {
		return true, nil
	}
	// A pause applied mid-action leaves the session PAUSED once the
	// action finishes; hold at the boundary until resume.
	if l.sess.State == session.Paused {
		if err := l.waitResumed(ctx); err != nil {
			return true, nil
		}
	}
	for {
		select {
		case sig := <-l.signals:
			switch sig {
			case bus.SignalCancel:
				return true, nil
			case bus.SignalResume:
				// Not paused; nothing to resume.
			case bus.SignalPause:
				if err := l.o.transition(ctx, l.sess, session.Paused, "paused", bus.SessionPaused); err != nil {
					return false, err
				}
				if err := l.waitResumed(ctx); err != nil {
					return true, nil
				}
			}
		case <-ctx.Done():
			return true, nil
		default:
			return false, nil
		}
	}
}

// waitResumed blocks a paused session until resume. Returns an error for
// cancel or context shutdown.
func (l *loop) waitResumed(ctx context.Context) error {
	for {
		select {
		case sig := <-l.signals:
			switch sig {
			case bus.SignalResume:
				return l.o.transition(ctx, l.sess, session.Running, "resumed", bus.SessionResumed)
			case bus.SignalCancel:
				return fmt.Errorf("cancelled while paused")
			case bus.SignalPause:
				// Already paused; idempotent.
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cycle executes one observe/decide/act/check turn and returns the gate's
// verdict. Recoverable collaborator failures become failing outcomes;
// only fatal errors propagate.
func (l *loop) cycle(ctx context.Context) (gate.Verdict, error) {
	l.seq++
	start := time.Now().UTC()
	l.o.bus.Publish(bus.Event{
		SessionID: l.sess.ID,
		Kind:      bus.CycleStarted,
		Fields:    map[string]string{"seq": strconv.Itoa(l.seq)},
	})

	l.setPhase(PhaseObserving)
	summary := observe.Summarize(l.lastObs)

	l.setPhase(PhaseDeciding)
	action, decisionErr := l.decide(ctx, summary)

	var out tool.Outcome
	switch {
	case decisionErr == nil:
		l.o.bus.Publish(bus.Event{
			SessionID: l.sess.ID,
			Kind:      bus.CycleDecided,
			Fields:    map[string]string{"seq": strconv.Itoa(l.seq), "kind": string(action.Kind), "command": action.Command},
		})
		l.setPhase(PhaseActing)
		// A done declaration executes nothing; the gate verifies it.
		if action.Kind != brain.ActionDone {
			out = l.execute(ctx, action)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			l.o.bus.Publish(bus.Event{
				SessionID: l.sess.ID,
				Kind:      bus.CycleExecuted,
				Fields: map[string]string{
					"seq":       strconv.Itoa(l.seq),
					"exit_code": strconv.Itoa(out.ExitCode),
					"duration":  out.Duration.String(),
				},
			})
		}
	case serrors.Recoverable(decisionErr):
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// No decision this cycle. The failure is the outcome; the budget
		// still counts the cycle.
		logger.Warn("Decision failed for session %s: %v", l.sess.ID, decisionErr)
		action = brain.Action{Kind: brain.ActionWait, Reason: "decision failed"}
		out = tool.Outcome{Detail: decisionErr.Error()}
	default:
		return "", decisionErr
	}

	l.setPhase(PhaseChecking)
	obsList, worst := l.classify(out)
	l.o.bus.Publish(bus.Event{
		SessionID: l.sess.ID,
		Kind:      bus.CycleObserved,
		Fields: map[string]string{
			"seq":       strconv.Itoa(l.seq),
			"kind":      string(worst.Kind),
			"exit_code": strconv.Itoa(out.ExitCode),
		},
	})

	if out.Failed() {
		if err := l.o.failures.Record(ctx, action.Key(), worst.Kind, failureOutcome(out)); err != nil {
			if serrors.Fatal(err) {
				return "", err
			}
			logger.Warn("Failed to record failure memory: %v", err)
		}
	}

	envDigest, err := l.o.digester.Digest()
	if err != nil {
		logger.Warn("Workspace digest failed: %v", err)
	}
	fingerprint := gate.Fingerprint(worst, envDigest)

	goalMet := action.Kind == brain.ActionDone
	if !goalMet && l.o.success != nil {
		for _, obs := range obsList {
			if l.o.success.MatchString(obs.Excerpt) {
				goalMet = true
				break
			}
		}
	}

	verdict := l.g.Check(gate.Input{
		ActionKey:   gate.ActionKey(action.Key()),
		Fingerprint: fingerprint,
		GoalMet:     goalMet,
	})

	cycle := session.Cycle{
		Seq:         l.seq,
		Action:      action.Key(),
		Excerpt:     worst.Excerpt,
		Kind:        worst.Kind,
		ExitCode:    out.ExitCode,
		Fingerprint: fingerprint,
		Verdict:     string(verdict),
		StartedAt:   start,
		EndedAt:     time.Now().UTC(),
	}
	if err := l.o.store.AppendCycle(ctx, l.sess.ID, cycle); err != nil {
		return "", err
	}
	l.history = append(l.history, cycle)
	l.lastObs = obsList

	l.o.bus.Publish(bus.Event{
		SessionID: l.sess.ID,
		Kind:      bus.GateVerdict,
		Fields:    map[string]string{"seq": strconv.Itoa(l.seq), "verdict": string(verdict)},
	})
	logger.Info("Cycle %d: action=%q verdict=%s", l.seq, action.Key(), verdict)
	return verdict, nil
}

// decide asks the brain for the next action under the decision deadline.
func (l *loop) decide(ctx context.Context, summary string) (brain.Action, error) {
	failureCtx, err := l.o.failures.ContextWindow(ctx, 10)
	if err != nil {
		if serrors.Fatal(err) {
			return brain.Action{}, err
		}
		logger.Warn("Failure context unavailable: %v", err)
	}

	decisionCtx, cancel := context.WithTimeout(ctx, l.o.cfg.DecisionTimeout)
	defer cancel()

	action, err := l.o.brain.Decide(decisionCtx, brain.Request{
		Task:           l.sess.Task,
		Observation:    summary,
		FailureContext: failureCtx,
		History:        l.historySummary(),
		Cycle:          l.seq,
	})
	if err != nil {
		if decisionCtx.Err() != nil && !serrors.Recoverable(err) {
			err = fmt.Errorf("%w: %v", serrors.ErrDecisionTimeout, err)
		}
		return brain.Action{}, err
	}
	return action, nil
}

// execute runs the action under the tool deadline. Every failure mode
// folds into the Outcome. Control signals arriving mid-action are applied
// to the live process rather than waiting for the boundary.
func (l *loop) execute(ctx context.Context, action brain.Action) tool.Outcome {
	execCtx, cancel := context.WithTimeout(ctx, l.o.cfg.ToolTimeout)
	defer cancel()

	watchDone := make(chan struct{})
	watcherStopped := make(chan struct{})
	go func() {
		defer close(watcherStopped)
		l.superviseAction(execCtx, watchDone)
	}()

	out, err := l.o.tools.Execute(execCtx, action)
	close(watchDone)
	<-watcherStopped

	if err != nil {
		logger.Warn("Action %q failed: %v", action.Key(), err)
		return tool.Outcome{Detail: err.Error(), ExitCode: -1}
	}
	return out
}

// superviseAction handles control signals while an action is in flight:
// pause stops the live process under SIGSTOP, resume continues it, cancel
// kills it and leaves the CANCELLED transition to the cycle boundary. The
// tool deadline keeps running while the process is paused.
func (l *loop) superviseAction(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case sig := <-l.signals:
			switch sig {
			case bus.SignalPause:
				if err := l.o.transition(ctx, l.sess, session.Paused, "paused", bus.SessionPaused); err != nil {
					logger.Warn("Pause mid-action failed: %v", err)
					continue
				}
				if err := l.o.shell.PauseActive(); err != nil {
					logger.Debug("No live process to pause: %v", err)
				}
			case bus.SignalResume:
				if err := l.o.shell.ResumeActive(); err != nil {
					logger.Debug("No live process to resume: %v", err)
				}
				if err := l.o.transition(ctx, l.sess, session.Running, "resumed", bus.SessionResumed); err != nil {
					logger.Warn("Resume mid-action failed: %v", err)
				}
			case bus.SignalCancel:
				l.cancelPending = true
				l.o.shell.KillActive()
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// classify feeds the outcome's output through a fresh observer and picks
// the most severe observation as the cycle's representative.
func (l *loop) classify(out tool.Outcome) ([]observe.Observation, observe.Observation) {
	observer := observe.New(l.o.rules)
	obsList := observer.Feed([]byte(out.Output))
	obsList = append(obsList, observer.Flush()...)

	worst := observe.Observation{TerminalSignal: true, ExitCode: out.ExitCode}
	if out.Detail != "" {
		worst.Excerpt = out.Detail
		worst.Kind = observe.KindError
	}
	for _, obs := range obsList {
		if severity(obs.Kind) >= severity(worst.Kind) {
			worst.Excerpt = obs.Excerpt
			worst.Kind = obs.Kind
		}
	}
	if out.TimedOut {
		worst.Kind = observe.KindError
		worst.Excerpt = "action timed out: " + worst.Excerpt
	}
	return obsList, worst
}

func severity(kind observe.ErrorKind) int {
	switch kind {
	case observe.KindTraceback:
		return 4
	case observe.KindError:
		return 3
	case observe.KindWarning:
		return 2
	case observe.KindInfo:
		return 1
	}
	return 0
}

// historySummary renders the most recent cycles for the decision context.
func (l *loop) historySummary() string {
	const window = 5
	cycles := l.history
	if len(cycles) > window {
		cycles = cycles[len(cycles)-window:]
	}
	if len(cycles) == 0 {
		return "No cycles yet."
	}
	var b strings.Builder
	for _, c := range cycles {
		fmt.Fprintf(&b, "cycle %d: %s -> %s", c.Seq, c.Action, c.Verdict)
		if c.Kind != observe.KindNone {
			fmt.Fprintf(&b, " (%s)", c.Kind)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// failureOutcome trims the outcome for the failure memory record.
func failureOutcome(out tool.Outcome) string {
	s := out.Detail
	if s == "" {
		s = out.Output
	}
	if out.TimedOut {
		s = "timed out; " + s
	}
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	return strings.TrimSpace(s)
}
