package db

import (
	"context"
	"sync"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

type memoryEntry struct {
	mu sync.Mutex
	tx *models.Transaction
}

// MemoryStore keeps transactions in process memory.
// mu guards membership of entries and keys; each entry has its own lock so
// transitions on different ids never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	keys    map[string]string // idempotency key -> transaction id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		keys:    make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, tx *models.Transaction) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[tx.ID]; ok {
		return "", false, ErrDuplicateID
	}

	if tx.IdempotencyKey != "" {
		if existingID, ok := s.keys[tx.IdempotencyKey]; ok {
			if e, ok := s.entries[existingID]; ok {
				e.mu.Lock()
				state := e.tx.State
				e.mu.Unlock()
				if state != models.StateExpired {
					return existingID, false, nil
				}
			}
		}
		s.keys[tx.IdempotencyKey] = tx.ID
	}

	s.entries[tx.ID] = &memoryEntry{tx: tx.Clone()}
	return tx.ID, true, nil
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Clone(), nil
}

func (s *MemoryStore) TryTransition(ctx context.Context, id string, tr models.Transition) (bool, error) {
	e, ok := s.entry(id)
	if !ok {
		return false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tx.State != tr.From || !models.CanTransition(tr.From, tr.To) {
		return false, nil
	}
	tr.Apply(e.tx)
	return true, nil
}

func (s *MemoryStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return s.list(func(tx *models.Transaction) bool {
		return isPending(tx.State) && tx.CreatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) ListCompleted(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return s.list(func(tx *models.Transaction) bool {
		return tx.State.IsTerminal() && tx.CompletedAt != nil && tx.CompletedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) list(match func(*models.Transaction) bool) []models.Transaction {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []models.Transaction
	for _, e := range entries {
		e.mu.Lock()
		if match(e.tx) {
			out = append(out, *e.tx.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) Evict(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	delete(s.entries, id)
	if key := e.tx.IdempotencyKey; key != "" && s.keys[key] == id {
		delete(s.keys, key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len reports how many transactions are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
