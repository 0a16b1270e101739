package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/events"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// publish emits event; failures are logged and never fail the caller.
func publish(ctx context.Context, p events.Publisher, logger *slog.Logger, event models.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.WarnContext(ctx, "failed to publish transaction event",
			"type", event.Type,
			"transaction_id", event.TransactionID,
			"error", err,
		)
	}
}

func newEvent(eventType string, tx *models.Transaction, at time.Time) models.Event {
	return models.Event{
		Type:          eventType,
		TransactionID: tx.ID,
		DeviceID:      tx.DeviceID,
		State:         tx.State,
		Result:        tx.Result,
		OccurredAt:    at,
	}
}
