// Package bus is the live event bus: best-effort pub/sub telemetry for
// session and cycle transitions, plus the control channel carrying
// pause/resume/cancel signals into a running supervisor.
//
// Events here are ephemeral. The durable record lives in the JetStream
// event log (internal/session); the bus exists so observers and CLIs can
// follow a session in real time without replaying it.
package bus

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/supervisr/internal/logger"
	natsx "github.com/mark3labs/supervisr/internal/nats"
	"github.com/nats-io/nats.go"
)

// Kind identifies an event on the bus. Kinds are dotted so NATS subject
// wildcards can select categories (e.g. "cycle.>").
type Kind string

const (
	SessionCreated     Kind = "session.created"
	SessionStarted     Kind = "session.started"
	SessionPaused      Kind = "session.paused"
	SessionResumed     Kind = "session.resumed"
	SessionCompleted   Kind = "session.completed"
	SessionFailed      Kind = "session.failed"
	SessionCancelled   Kind = "session.cancelled"
	SessionInterrupted Kind = "session.interrupted"

	CycleStarted  Kind = "cycle.started"
	CycleDecided  Kind = "cycle.decided"
	CycleExecuted Kind = "cycle.executed"
	CycleObserved Kind = "cycle.observed"

	GateVerdict Kind = "gate.verdict"
)

// Event is one bus message.
type Event struct {
	SessionID string            `json:"session_id"`
	Kind      Kind              `json:"kind"`
	Time      time.Time         `json:"time"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Signal is a control request sent to a running session.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalCancel Signal = "cancel"
)

// Bus publishes and subscribes over a core NATS connection.
type Bus struct {
	nc *nats.Conn
}

// New wraps an existing connection. The bus does not own the connection.
func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// Publish emits an event. Publishing is fire-and-forget: a marshaling or
// transport error is logged and swallowed so telemetry can never stall or
// fail a control loop.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Dropping unmarshalable bus event %s: %v", ev.Kind, err)
		return
	}
	if err := b.nc.Publish(natsx.BusSubject(ev.SessionID, string(ev.Kind)), data); err != nil {
		logger.Warn("Dropping bus event %s for session %s: %v", ev.Kind, ev.SessionID, err)
	}
}

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// falls this far behind starts losing events rather than blocking anyone.
const subscriberBuffer = 256

// Subscribe delivers events for one session, or for all sessions when
// sessionID is empty. Returns the receive channel and an unsubscribe
// function. The channel is not closed on unsubscribe; it simply stops
// receiving.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	sub, err := b.nc.Subscribe(natsx.BusSubjectAll(sessionID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("Skipping malformed bus event on %s: %v", msg.Subject, err)
			return
		}
		select {
		case ch <- ev:
		default:
			logger.Debug("Slow subscriber, dropping event %s", ev.Kind)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return ch, cancel, nil
}

// SendSignal publishes a control request for a session.
func (b *Bus) SendSignal(sessionID string, sig Signal) error {
	return b.nc.Publish(natsx.CtrlSubject(sessionID), []byte(sig))
}

// Signals subscribes to a session's control channel.
func (b *Bus) Signals(sessionID string) (<-chan Signal, func(), error) {
	ch := make(chan Signal, 16)

	sub, err := b.nc.Subscribe(natsx.CtrlSubject(sessionID), func(msg *nats.Msg) {
		sig := Signal(msg.Data)
		switch sig {
		case SignalPause, SignalResume, SignalCancel:
		default:
			logger.Warn("Ignoring unknown control signal %q", msg.Data)
			return
		}
		select {
		case ch <- sig:
		default:
			// Control signals are rare; a full channel means the loop is
			// wedged and a lost signal changes nothing.
		}
	})
	if err != nil {
		return nil, nil, err
	}

	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return ch, cancel, nil
}
