package a2a

import (
	"sync"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
)

// Entry is what the task flow remembers between submission and finalization
type Entry struct {
	ID         string
	Credential string
	URL        string
	Method     string
	Auth       *paywall.AuthorizationRecord
}

// CorrelationStore maps task and message ids to their correlation entry.
// Entries never expire; callers delete them once a task is finalized.
// Duplicate ids overwrite.
type CorrelationStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewCorrelationStore creates an empty store
func NewCorrelationStore() *CorrelationStore {
	return &CorrelationStore{entries: make(map[string]Entry)}
}

// SetContextForTask stores entry under a task id
func (s *CorrelationStore) SetContextForTask(taskID string, entry Entry) {
	s.set(taskID, entry)
}

// SetContextForMessage stores entry under a message id
func (s *CorrelationStore) SetContextForMessage(messageID string, entry Entry) {
	s.set(messageID, entry)
}

func (s *CorrelationStore) set(id string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = id
	s.entries[id] = entry
}

// Get returns the entry stored under id
func (s *CorrelationStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Delete removes id
func (s *CorrelationStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Take removes and returns the entry stored under id. Of two concurrent
// Takes for the same id only one gets the entry.
func (s *CorrelationStore) Take(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return e, ok
}

// Len returns the number of live entries
func (s *CorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
