// Package session defines the debug session lifecycle and its durable
// record. Sessions move through a validated state machine; every actual
// transition and every completed cycle is appended to the JetStream event
// log, and current state is reconstructed by reducing that log.
package session

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/observe"
)

// State is a session lifecycle state.
type State string

const (
	Pending   State = "PENDING"
	Running   State = "RUNNING"
	Paused    State = "PAUSED"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
	Cancelled State = "CANCELLED"
)

// transitions lists the allowed edges of the lifecycle machine.
var transitions = map[State][]State{
	Pending: {Running, Cancelled},
	Running: {Paused, Completed, Failed, Cancelled},
	Paused:  {Running, Failed, Cancelled},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case Pending, Running, Paused, Completed, Failed, Cancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the reduced lifecycle record of one debug session.
type Session struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	WorkDir   string    `json:"work_dir,omitempty"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"` // terminal verdict or error
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition validates and applies a state change in place. Returns true
// when the state actually changed. Requesting the current state is an
// idempotent no-op: no change, no error, and callers must emit no event.
func (s *Session) Transition(to State, reason string, now time.Time) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown state %q", serrors.ErrInvalidTransition, to)
	}
	if s.State == to {
		return false, nil
	}
	if !CanTransition(s.State, to) {
		return false, fmt.Errorf("%w: %s -> %s", serrors.ErrInvalidTransition, s.State, to)
	}
	s.State = to
	s.Reason = reason
	s.UpdatedAt = now
	return true, nil
}

// Interrupted reports whether the session was live when its supervisor
// process died. Valid only on records loaded at startup: a freshly loaded
// RUNNING or PAUSED session has no process behind it anymore.
func (s *Session) Interrupted() bool {
	return s.State == Running || s.State == Paused
}

// Cycle is the durable record of one observe-decide-act-check turn.
type Cycle struct {
	Seq         int               `json:"seq"`
	Action      string            `json:"action"`
	Excerpt     string            `json:"excerpt,omitempty"`
	Kind        observe.ErrorKind `json:"kind,omitempty"`
	ExitCode    int               `json:"exit_code,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Verdict     string            `json:"verdict"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
}

// Record is the full reconstructed state of one session: its lifecycle
// record plus the ordered cycle history.
type Record struct {
	Session Session
	Cycles  []Cycle
}

// LastCycle returns the most recent cycle, or nil when none ran.
func (r *Record) LastCycle() *Cycle {
	if len(r.Cycles) == 0 {
		return nil
	}
	return &r.Cycles[len(r.Cycles)-1]
}

// LogPath returns the raw output log file for a session under the data
// directory.
func LogPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "logs", sessionID+".log")
}

// sortSessions orders sessions oldest-first with a stable ID tiebreak.
func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
