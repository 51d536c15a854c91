// Package observe turns the raw channel byte stream into classified
// Observations. Classification is pure data: an ordered table of
// (pattern, kind) rules where the first match wins.
package observe

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies a single observed line.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindError     ErrorKind = "error"
	KindWarning   ErrorKind = "warning"
	KindTraceback ErrorKind = "traceback"
	KindInfo      ErrorKind = "info"
)

// Observation is one classified line of process output. Observations are
// immutable after creation.
type Observation struct {
	Excerpt        string    `json:"excerpt"`
	Kind           ErrorKind `json:"kind,omitempty"`
	TerminalSignal bool      `json:"terminal_signal,omitempty"` // process exited
	ExitCode       int       `json:"exit_code,omitempty"`
}

// IsError reports whether the observation was classified as a failure.
func (o Observation) IsError() bool {
	return o.Kind == KindError || o.Kind == KindTraceback
}

// Rule pairs a compiled pattern with the kind it assigns.
type Rule struct {
	Pattern *regexp.Regexp
	Kind    ErrorKind
}

// Observer reassembles lines from incremental byte chunks and classifies
// them against its rule table. Each Observer instance is exclusively
// owned by one session; Feed is not safe for concurrent use.
type Observer struct {
	rules   []Rule
	partial strings.Builder
}

// New creates an Observer with the given ordered rule table. A nil table
// uses DefaultRules.
func New(rules []Rule) *Observer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Observer{rules: rules}
}

// Feed consumes an incremental chunk and returns zero or more complete
// Observations. Partial trailing lines are buffered until a later chunk
// completes them.
func (o *Observer) Feed(chunk []byte) []Observation {
	if len(chunk) == 0 {
		return nil
	}

	var out []Observation
	for _, b := range chunk {
		if b == '\n' {
			line := strings.TrimRight(o.partial.String(), "\r")
			o.partial.Reset()
			if obs, ok := o.observeLine(line); ok {
				out = append(out, obs)
			}
			continue
		}
		o.partial.WriteByte(b)
	}
	return out
}

// Flush emits any buffered unterminated line. Called when the process
// exits and no further chunks will arrive.
func (o *Observer) Flush() []Observation {
	if o.partial.Len() == 0 {
		return nil
	}
	line := strings.TrimRight(o.partial.String(), "\r")
	o.partial.Reset()
	if obs, ok := o.observeLine(line); ok {
		return []Observation{obs}
	}
	return nil
}

// observeLine classifies a single complete line. Blank lines produce no
// observation.
func (o *Observer) observeLine(line string) (Observation, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Observation{}, false
	}
	return Observation{
		Excerpt: trimmed,
		Kind:    o.Classify(trimmed),
	}, true
}

// Classify runs the ordered rule table against a line; first match wins,
// no match yields KindNone.
func (o *Observer) Classify(line string) ErrorKind {
	for _, r := range o.rules {
		if r.Pattern.MatchString(line) {
			return r.Kind
		}
	}
	return KindNone
}

// Summarize renders a short digest of the most notable observations,
// suitable for feeding the decision step.
func Summarize(observations []Observation) string {
	if len(observations) == 0 {
		return "No notable events detected in output."
	}

	errorCount := 0
	warningCount := 0
	for _, obs := range observations {
		switch {
		case obs.IsError():
			errorCount++
		case obs.Kind == KindWarning:
			warningCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Observed %d notable lines (%d errors, %d warnings):\n",
		len(observations), errorCount, warningCount)

	const maxLines = 10
	for i, obs := range observations {
		if i == maxLines {
			fmt.Fprintf(&b, "  ... and %d more\n", len(observations)-maxLines)
			break
		}
		kind := string(obs.Kind)
		if kind == "" {
			kind = "out"
		}
		excerpt := obs.Excerpt
		if len(excerpt) > 120 {
			excerpt = excerpt[:120]
		}
		fmt.Fprintf(&b, "  [%s] %s\n", kind, excerpt)
	}
	return b.String()
}
