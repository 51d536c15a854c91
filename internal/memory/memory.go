// Package memory is the durable failure memory: an append/increment store
// of past failing actions, queryable as a deduplicated "do not retry" set
// and renderable as bounded context for the decision step.
//
// The store is process-wide and shared read/write across sessions, scoped
// per project data directory. Concurrent updates to the same key resolve
// last-writer-wins on the counters; readers never see torn records
// because each entry is a single KV value.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/supervisr/internal/observe"
)

// Failure is one recorded (error kind, outcome) pair for an action.
type Failure struct {
	Kind    observe.ErrorKind `json:"kind"`
	Outcome string            `json:"outcome"`
}

// Entry is the deduplicated record for one normalized action.
type Entry struct {
	Action   string    `json:"action"` // original text of the first recording
	Failures []Failure `json:"failures"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Store is the failure memory persistence boundary. Implementations must
// survive process restart (except test fakes) and keep lookups O(1)
// amortized against session size.
type Store interface {
	// Record appends a failure for the action, incrementing its counter.
	Record(ctx context.Context, action string, kind observe.ErrorKind, outcome string) error

	// FailedBefore reports whether the normalized action has ever failed.
	FailedBefore(ctx context.Context, action string) (bool, error)

	// ContextWindow renders the most recent distinct failing actions,
	// bounded by max, each marked "do not retry". Deterministic for a
	// given stored state: most-recent-first, ties broken by highest count.
	ContextWindow(ctx context.Context, max int) (string, error)
}

// Normalize reduces an action descriptor to its comparison form: actions
// differing only in case or irrelevant whitespace share a key.
func Normalize(action string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(action))), " ")
}

// Key derives the stable store key for an action. Hashing keeps keys
// valid for any backing store regardless of the characters in the action.
func Key(action string) string {
	h := fnv.New64a()
	h.Write([]byte(Normalize(action)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// render produces the context window text from a set of entries. Shared
// by every Store implementation so ordering and wording stay identical.
func render(entries []Entry, max int) string {
	if len(entries) == 0 {
		return "No previous failures recorded."
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		}
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		// Final tiebreak on the action text keeps the order total.
		return entries[i].Action < entries[j].Action
	})

	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	var b strings.Builder
	b.WriteString("Previously failed actions (DO NOT RETRY):\n")
	for _, e := range entries {
		lastKind := observe.KindNone
		lastOutcome := ""
		if n := len(e.Failures); n > 0 {
			lastKind = e.Failures[n-1].Kind
			lastOutcome = e.Failures[n-1].Outcome
		}
		fmt.Fprintf(&b, "  - %s (failed %dx", e.Action, e.Count)
		if lastKind != observe.KindNone {
			fmt.Fprintf(&b, ", last error: %s", lastKind)
		}
		b.WriteString(")\n")
		if lastOutcome != "" {
			outcome := lastOutcome
			if len(outcome) > 200 {
				outcome = outcome[:200]
			}
			fmt.Fprintf(&b, "    %s\n", strings.ReplaceAll(outcome, "\n", " "))
		}
	}
	return b.String()
}

// maxFailuresPerEntry bounds the per-entry failure list so a hot action
// cannot grow its record without limit.
const maxFailuresPerEntry = 20

// appendFailure folds a new failure into an entry, enforcing the bound.
func appendFailure(e *Entry, action string, kind observe.ErrorKind, outcome string, now time.Time) {
	if e.Action == "" {
		e.Action = action
	}
	e.Failures = append(e.Failures, Failure{Kind: kind, Outcome: outcome})
	if len(e.Failures) > maxFailuresPerEntry {
		e.Failures = e.Failures[len(e.Failures)-maxFailuresPerEntry:]
	}
	e.Count++
	e.LastSeen = now
}
