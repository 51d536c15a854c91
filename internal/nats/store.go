package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Subject pattern constants and helpers
const (
	// StreamName is the durable event log holding session and cycle records.
	StreamName = "supervisr_events"

	// FailureBucket is the KV bucket backing the failure memory.
	FailureBucket = "supervisr_failures"

	// Durable event types
	EventTypeSession = "session"
	EventTypeCycle   = "cycle"

	// Live telemetry subjects (core NATS, not JetStream)
	busSubjectPrefix = "supervisr.evt"

	// Control subjects carrying pause/resume/cancel requests
	ctrlSubjectPrefix = "supervisr.ctl"
)

// SubjectForSession returns the wildcard subject pattern for all durable
// events of a session. Example: "supervisr.3f2a91cd.>"
func SubjectForSession(sessionID string) string {
	return fmt.Sprintf("supervisr.%s.>", sessionID)
}

// SubjectForEvent returns the specific subject for a durable event type in
// a session. Example: "supervisr.3f2a91cd.cycle"
func SubjectForEvent(sessionID, eventType string) string {
	return fmt.Sprintf("supervisr.%s.%s", sessionID, eventType)
}

// BusSubject returns the live telemetry subject for an event kind.
// Example: "supervisr.evt.3f2a91cd.cycle.started"
func BusSubject(sessionID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", busSubjectPrefix, sessionID, kind)
}

// BusSubjectAll returns the wildcard matching every live event of a
// session, or of all sessions when sessionID is empty.
func BusSubjectAll(sessionID string) string {
	if sessionID == "" {
		return busSubjectPrefix + ".>"
	}
	return fmt.Sprintf("%s.%s.>", busSubjectPrefix, sessionID)
}

// CtrlSubject returns the control subject for a session.
// Example: "supervisr.ctl.3f2a91cd"
func CtrlSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", ctrlSubjectPrefix, sessionID)
}

// SetupStream creates or updates the JetStream stream for durable session
// events. Subject pattern: supervisr.> with the live evt/ctl prefixes
// excluded by never publishing them through JetStream.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"supervisr.*.session", "supervisr.*.cycle"},
		Storage:  jetstream.FileStorage,
		MaxAge:   30 * 24 * time.Hour, // 30 day retention
	})
}

// SetupFailureBucket creates or opens the KV bucket backing the failure
// memory. The bucket keeps only the latest revision per key: concurrent
// counter updates resolve last-writer-wins.
func SetupFailureBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  FailureBucket,
		Storage: jetstream.FileStorage,
		History: 1,
	})
}
