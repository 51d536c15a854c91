// Package gate implements the completion gate: the pure decision function
// that determines, after every cycle, whether a session should continue,
// has succeeded, is looping, has stalled, or has exhausted its budget.
//
// LOOPING and STALLED are distinct failure modes: looping is repeating
// the same ineffective action, stalling is making no observable progress
// despite varying actions.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mark3labs/supervisr/internal/memory"
	"github.com/mark3labs/supervisr/internal/observe"
)

// Verdict is the gate's per-cycle decision.
type Verdict string

const (
	Continue       Verdict = "CONTINUE"
	Succeeded      Verdict = "SUCCEEDED"
	Stalled        Verdict = "STALLED"
	Looping        Verdict = "LOOPING"
	ExceededBudget Verdict = "EXCEEDED_BUDGET"
)

// Terminal reports whether the verdict ends the session.
func (v Verdict) Terminal() bool {
	return v != Continue
}

// Config holds the gate thresholds. A zero threshold disables that check.
type Config struct {
	MaxRepeatedActions int
	MaxStallCycles     int
	MaxTotalCycles     int
}

// Input is everything the gate needs about the cycle under evaluation.
type Input struct {
	// ActionKey is the normalized action descriptor (memory.Normalize).
	ActionKey string
	// Fingerprint captures "did anything observable change" for this
	// cycle; see Fingerprint.
	Fingerprint string
	// GoalMet is the explicit external success signal: a DONE action from
	// the decision step or a success pattern matching the observation.
	GoalMet bool
}

// Gate tracks the rolling counters for one session. Not safe for
// concurrent use; each control loop owns its own Gate.
type Gate struct {
	cfg Config

	total           int
	repeatCount     int
	stallCount      int
	lastActionKey   string
	lastFingerprint string
	seen            bool
}

// New creates a gate with the given thresholds.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Check evaluates one completed cycle and returns the verdict. Checks are
// applied in fixed order: looping, stalling, budget, success, continue.
// Both rolling counters reset the moment their condition breaks: a single
// differing action or a single fingerprint change is enough.
func (g *Gate) Check(in Input) Verdict {
	g.total++

	// Consecutive identical actions (count includes the first occurrence).
	if g.seen && in.ActionKey == g.lastActionKey {
		g.repeatCount++
	} else {
		g.repeatCount = 1
	}

	// Consecutive unchanged fingerprints, regardless of action.
	if g.seen && in.Fingerprint == g.lastFingerprint {
		g.stallCount++
	} else {
		g.stallCount = 1
	}

	g.lastActionKey = in.ActionKey
	g.lastFingerprint = in.Fingerprint
	g.seen = true

	if g.cfg.MaxRepeatedActions > 0 && g.repeatCount >= g.cfg.MaxRepeatedActions {
		return Looping
	}
	if g.cfg.MaxStallCycles > 0 && g.stallCount >= g.cfg.MaxStallCycles {
		return Stalled
	}
	if g.cfg.MaxTotalCycles > 0 && g.total >= g.cfg.MaxTotalCycles {
		return ExceededBudget
	}
	if in.GoalMet {
		return Succeeded
	}
	return Continue
}

// Total returns the cumulative cycle count seen so far.
func (g *Gate) Total() int {
	return g.total
}

// Reset clears all counters for reuse on a fresh task.
func (g *Gate) Reset() {
	*g = Gate{cfg: g.cfg}
}

// Fingerprint derives the cycle's state fingerprint from the observation
// and an externally supplied environment digest. The contract: the result
// changes iff something observable changed — reissuing a command that
// produces identical output against an unchanged environment yields an
// identical fingerprint.
func Fingerprint(obs observe.Observation, envDigest string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", obs.Excerpt, obs.Kind, obs.ExitCode, envDigest)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ActionKey normalizes an action descriptor for the repeat counter. It is
// the same normalization the failure memory uses, so "looping" and
// "failed before" agree on what counts as the same action.
func ActionKey(action string) string {
	return memory.Normalize(action)
}
