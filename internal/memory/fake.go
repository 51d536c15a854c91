package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/supervisr/internal/observe"
)

// Fake is an in-memory Store for tests. It mirrors KVStore semantics
// (deduplication, last-writer-wins counters, deterministic context
// windows) without any persistence.
type Fake struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewFake creates an empty in-memory failure store.
func NewFake() *Fake {
	return &Fake{entries: make(map[string]*Entry)}
}

func (f *Fake) Record(_ context.Context, action string, kind observe.ErrorKind, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := Key(action)
	entry, ok := f.entries[key]
	if !ok {
		entry = &Entry{}
		f.entries[key] = entry
	}
	appendFailure(entry, action, kind, outcome, time.Now().UTC())
	return nil
}

func (f *Fake) FailedBefore(_ context.Context, action string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[Key(action)]
	return ok, nil
}

func (f *Fake) ContextWindow(_ context.Context, max int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		entries = append(entries, *e)
	}
	return render(entries, max), nil
}

// Count returns the recorded failure count for an action. Test helper.
func (f *Fake) Count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[Key(action)]; ok {
		return e.Count
	}
	return 0
}
