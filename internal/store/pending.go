package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/habbes/sandstorm/pkg/model"
)

// Outcome is the single value delivered to a command's waiter: either the
// agent's result or a cancellation reason, never both.
type Outcome struct {
	Result *model.CommandResultRequest
	Err    error
}

type pendingEntry struct {
	sandboxID string
	deadline  time.Time
	ch        chan Outcome
}

// PendingStore is the correlation map between dispatched commands and their
// waiters. Each entry holds a one-shot channel; the entry is removed on
// completion or cancellation, whichever comes first.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]*pendingEntry)}
}

// Add registers a waiter for commandID. The returned channel receives
// exactly one Outcome. Registering the same id twice is an error.
func (s *PendingStore) Add(commandID, sandboxID string, deadline time.Time) (<-chan Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[commandID]; exists {
		return nil, fmt.Errorf("correlation %q already pending", commandID)
	}
	entry := &pendingEntry{
		sandboxID: sandboxID,
		deadline:  deadline,
		ch:        make(chan Outcome, 1),
	}
	s.pending[commandID] = entry
	return entry.ch, nil
}

// Complete delivers a result to the waiter and removes the entry. Returns
// false when no correlation is pending for the id (late result).
func (s *PendingStore) Complete(commandID string, result *model.CommandResultRequest) bool {
	entry := s.take(commandID)
	if entry == nil {
		return false
	}
	entry.ch <- Outcome{Result: result}
	return true
}

// Cancel delivers a cancellation reason to the waiter and removes the entry.
// Returns false when the correlation already completed or was cancelled.
func (s *PendingStore) Cancel(commandID string, reason error) bool {
	entry := s.take(commandID)
	if entry == nil {
		return false
	}
	entry.ch <- Outcome{Err: reason}
	return true
}

// CancelSandbox cancels every pending correlation belonging to the sandbox
// and returns how many were cancelled.
func (s *PendingStore) CancelSandbox(sandboxID string, reason error) int {
	var entries []*pendingEntry
	s.mu.Lock()
	for id, entry := range s.pending {
		if entry.sandboxID == sandboxID {
			delete(s.pending, id)
			entries = append(entries, entry)
		}
	}
	s.mu.Unlock()
	for _, entry := range entries {
		entry.ch <- Outcome{Err: reason}
	}
	return len(entries)
}

// CancelAll cancels every pending correlation. Used on orchestrator shutdown.
func (s *PendingStore) CancelAll(reason error) int {
	var entries []*pendingEntry
	s.mu.Lock()
	for id, entry := range s.pending {
		delete(s.pending, id)
		entries = append(entries, entry)
	}
	s.mu.Unlock()
	for _, entry := range entries {
		entry.ch <- Outcome{Err: reason}
	}
	return len(entries)
}

// Len reports the number of in-flight correlations.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *PendingStore) take(commandID string) *pendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[commandID]
	if !ok {
		return nil
	}
	delete(s.pending, commandID)
	return entry
}
