package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/mark3labs/supervisr/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
)

// Event is one append-only entry in the durable session log.
type Event struct {
	ID        string          `json:"id"` // NATS stream sequence
	Timestamp time.Time       `json:"timestamp"`
	Session   string          `json:"session"`
	Type      string          `json:"type"`   // session, cycle
	Action    string          `json:"action"` // create, transition, append
	Meta      json.RawMessage `json:"meta,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Store manages session records through JetStream event sourcing: it
// publishes events and reconstructs state by reducing the event log.
type Store struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewStore wraps a JetStream context and the supervisr event stream.
func NewStore(js jetstream.JetStream, stream jetstream.Stream) *Store {
	return &Store{js: js, stream: stream}
}

// publish appends an event to the log.
func (s *Store) publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := nats.SubjectForEvent(event.Session, event.Type)
	logger.Debug("Publishing event: session=%s type=%s action=%s", event.Session, event.Type, event.Action)

	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", serrors.ErrPersistenceFailure, subject, err)
	}
	return nil
}

type createMeta struct {
	Task    string `json:"task"`
	WorkDir string `json:"work_dir,omitempty"`
}

type transitionMeta struct {
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Create registers a new session in PENDING and returns its record.
func (s *Store) Create(ctx context.Context, task, workDir string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Task:      task,
		WorkDir:   workDir,
		State:     Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	meta, _ := json.Marshal(createMeta{Task: task, WorkDir: workDir})
	err := s.publish(ctx, Event{
		Timestamp: now,
		Session:   sess.ID,
		Type:      nats.EventTypeSession,
		Action:    "create",
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SaveTransition records a state change that has already been validated
// and applied via Session.Transition. One event per actual change.
func (s *Store) SaveTransition(ctx context.Context, sessionID string, to State, reason string, at time.Time) error {
	meta, _ := json.Marshal(transitionMeta{To: to, Reason: reason})
	return s.publish(ctx, Event{
		Timestamp: at,
		Session:   sessionID,
		Type:      nats.EventTypeSession,
		Action:    "transition",
		Meta:      meta,
	})
}

// AppendCycle records a completed cycle.
func (s *Store) AppendCycle(ctx context.Context, sessionID string, cycle Cycle) error {
	meta, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshaling cycle: %w", err)
	}
	return s.publish(ctx, Event{
		Timestamp: cycle.EndedAt,
		Session:   sessionID,
		Type:      nats.EventTypeCycle,
		Action:    "append",
		Meta:      meta,
	})
}

// Apply reduces one event into the record.
func (r *Record) Apply(event Event) {
	switch event.Type {
	case nats.EventTypeSession:
		switch event.Action {
		case "create":
			var meta createMeta
			json.Unmarshal(event.Meta, &meta)
			r.Session.ID = event.Session
			r.Session.Task = meta.Task
			r.Session.WorkDir = meta.WorkDir
			r.Session.State = Pending
			r.Session.CreatedAt = event.Timestamp
			r.Session.UpdatedAt = event.Timestamp
		case "transition":
			var meta transitionMeta
			json.Unmarshal(event.Meta, &meta)
			if meta.To.Valid() {
				r.Session.State = meta.To
				r.Session.Reason = meta.Reason
				r.Session.UpdatedAt = event.Timestamp
			}
		}
	case nats.EventTypeCycle:
		var cycle Cycle
		if err := json.Unmarshal(event.Meta, &cycle); err == nil {
			r.Cycles = append(r.Cycles, cycle)
		}
	}
}

// reduce reads every event matching the filter subject and folds it via
// apply. Shared by LoadSession and ListSessions.
func (s *Store) reduce(ctx context.Context, filterSubject string, apply func(Event)) error {
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: filterSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("%w: creating consumer: %v", serrors.ErrPersistenceFailure, err)
	}

	const batchSize = 1000
	malformed := 0
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			break
		}
		count := 0
		for msg := range msgs.Messages() {
			count++
			var event Event
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				malformed++
				msg.Ack()
				continue
			}
			if event.ID == "" {
				if meta, err := msg.Metadata(); err == nil {
					event.ID = fmt.Sprintf("%d", meta.Sequence.Stream)
				}
			}
			apply(event)
			msg.Ack()
		}
		if count < batchSize {
			break
		}
	}
	if malformed > 0 {
		logger.Warn("Skipped %d malformed events while reducing %s", malformed, filterSubject)
	}
	return nil
}

// LoadSession reconstructs one session's full record from the event log.
// Returns ErrPersistenceFailure wrapping "not found" when no events exist.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*Record, error) {
	record := &Record{}
	if err := s.reduce(ctx, nats.SubjectForSession(sessionID), record.Apply); err != nil {
		return nil, err
	}
	if record.Session.ID == "" {
		return nil, fmt.Errorf("%w: session %s not found", serrors.ErrPersistenceFailure, sessionID)
	}
	return record, nil
}

// ListSessions reconstructs the lifecycle record of every known session,
// ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	records := make(map[string]*Record)
	err := s.reduce(ctx, "supervisr.*."+nats.EventTypeSession, func(event Event) {
		r, ok := records[event.Session]
		if !ok {
			r = &Record{}
			records[event.Session] = r
		}
		r.Apply(event)
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, r.Session)
	}
	sortSessions(sessions)
	return sessions, nil
}
