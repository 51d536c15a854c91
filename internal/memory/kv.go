package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/mark3labs/supervisr/internal/observe"
	"github.com/nats-io/nats.go/jetstream"
)

// KVStore persists failure memory in a JetStream key-value bucket. Each
// normalized action maps to a single JSON entry; the bucket keeps one
// revision per key so concurrent writers resolve last-writer-wins.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore wraps an opened bucket (see nats.SetupFailureBucket).
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Record(ctx context.Context, action string, kind observe.ErrorKind, outcome string) error {
	key := Key(action)

	var entry Entry
	kve, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(kve.Value(), &entry); uerr != nil {
			logger.Warn("Discarding malformed failure entry for key %s: %v", key, uerr)
			entry = Entry{}
		}
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// First failure for this action
	default:
		return fmt.Errorf("%w: reading failure entry: %v", serrors.ErrPersistenceFailure, err)
	}

	appendFailure(&entry, action, kind, outcome, time.Now().UTC())

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling failure entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: writing failure entry: %v", serrors.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *KVStore) FailedBefore(ctx context.Context, action string) (bool, error) {
	_, err := s.kv.Get(ctx, Key(action))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("%w: reading failure entry: %v", serrors.ErrPersistenceFailure, err)
}

func (s *KVStore) ContextWindow(ctx context.Context, max int) (string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return render(nil, max), nil
		}
		return "", fmt.Errorf("%w: listing failure entries: %v", serrors.ErrPersistenceFailure, err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		kve, err := s.kv.Get(ctx, key)
		if err != nil {
			// Key deleted between Keys and Get; skip.
			continue
		}
		var entry Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			logger.Warn("Skipping malformed failure entry for key %s: %v", key, err)
			continue
		}
		entries = append(entries, entry)
	}
	return render(entries, max), nil
}
