package db

import (
	"context"
	"errors"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

var (
	// ErrNotFound is returned for ids the store does not hold, whether never
	// registered or already evicted.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicateID is returned when Create is handed an id that is already stored.
	ErrDuplicateID = errors.New("transaction id already exists")
)

// Store is the single source of truth for in-flight transactions.
//
// TryTransition is the only way to change a stored state. It succeeds only when
// the stored state equals tr.From and the move is allowed by the state graph;
// otherwise it returns false and changes nothing. Concurrent transitions on the
// same id are linearizable.
type Store interface {
	// Create inserts tx. When tx carries an idempotency key already mapped to a
	// live (non-expired) transaction, the existing id is returned with created=false.
	Create(ctx context.Context, tx *models.Transaction) (id string, created bool, err error)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	TryTransition(ctx context.Context, id string, tr models.Transition) (bool, error)
	// ListExpirable returns CREATED and COMMAND_PUBLISHED transactions created before cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time) ([]models.Transaction, error)
	// ListCompleted returns terminal-state transactions completed before cutoff.
	ListCompleted(ctx context.Context, cutoff time.Time) ([]models.Transaction, error)
	// Evict removes the transaction and its idempotency mapping. Evicting an
	// unknown id is not an error.
	Evict(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

func isPending(s models.State) bool {
	return s == models.StateCreated || s == models.StateCommandPublished
}
