package services

import (
	"context"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// StatusReporter answers the frontend's "is my payment done" query. It never
// mutates state; expiry belongs to the sweeper alone.
type StatusReporter struct {
	store db.Store
}

func NewStatusReporter(store db.Store) *StatusReporter {
	return &StatusReporter{store: store}
}

func (s *StatusReporter) Status(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.Get(ctx, id)
}
