package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/events"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// Disposition tells the terminal what became of its result submission.
type Disposition string

const (
	DispositionAccepted  Disposition = "accepted"
	DispositionDuplicate Disposition = "duplicate"
	// DispositionTooLate means the transaction expired or was reaped before the
	// result arrived. Money may have moved on the terminal side.
	DispositionTooLate Disposition = "too_late"
)

type ResultSubmission struct {
	TransactionID string
	Outcome       models.State
	Result        models.Result
}

// ResultIngestor applies the terminal's result as a one-time transition out of
// COMMAND_PUBLISHED. The first valid result wins.
type ResultIngestor struct {
	store     db.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewResultIngestor(store db.Store, publisher events.Publisher, logger *slog.Logger) *ResultIngestor {
	return &ResultIngestor{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (i *ResultIngestor) Ingest(ctx context.Context, sub ResultSubmission) (Disposition, error) {
	if !sub.Outcome.IsOutcome() {
		return "", ErrInvalidOutcome
	}
	now := i.now()

	result := sub.Result
	ok, err := i.store.TryTransition(ctx, sub.TransactionID, models.Transition{
		From:   models.StateCommandPublished,
		To:     sub.Outcome,
		At:     now,
		Result: &result,
	})
	if errors.Is(err, db.ErrNotFound) {
		return i.tooLate(ctx, sub, nil, now), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to apply result: %w", err)
	}

	if ok {
		tx := &models.Transaction{ID: sub.TransactionID, State: sub.Outcome, Result: &result}
		if stored, err := i.store.Get(ctx, sub.TransactionID); err == nil {
			tx = stored
		}
		i.logger.InfoContext(ctx, "result accepted",
			"transaction_id", sub.TransactionID,
			"device_id", tx.DeviceID,
			"state", sub.Outcome,
			"response_code", result.ResponseCode,
		)
		publish(ctx, i.publisher, i.logger, newEvent(models.EventCompleted, tx, now))
		return DispositionAccepted, nil
	}

	tx, err := i.store.Get(ctx, sub.TransactionID)
	if errors.Is(err, db.ErrNotFound) {
		return i.tooLate(ctx, sub, nil, now), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch transaction: %w", err)
	}

	switch {
	case tx.State == models.StateCreated:
		return "", ErrCommandNotPublished
	case tx.State == models.StateExpired:
		return i.tooLate(ctx, sub, tx, now), nil
	case tx.State.IsOutcome():
		i.logger.WarnContext(ctx, "duplicate result ignored",
			"transaction_id", sub.TransactionID,
			"stored_state", tx.State,
			"submitted_state", sub.Outcome,
			"submitted_response_code", sub.Result.ResponseCode,
		)
		return DispositionDuplicate, nil
	}
	return "", fmt.Errorf("transaction %s in unexpected state %s", sub.TransactionID, tx.State)
}

// tooLate records a reconciliation incident. tx is nil when the id is unknown.
func (i *ResultIngestor) tooLate(ctx context.Context, sub ResultSubmission, tx *models.Transaction, now time.Time) Disposition {
	attrs := []any{
		"transaction_id", sub.TransactionID,
		"submitted_state", sub.Outcome,
		"response_code", sub.Result.ResponseCode,
		"auth_code", sub.Result.AuthCode,
		"card_last4", sub.Result.CardLast4,
		"batch_number", sub.Result.BatchNumber,
		"sequence_number", sub.Result.SequenceNumber,
	}
	event := models.Event{
		Type:          models.EventTooLate,
		TransactionID: sub.TransactionID,
		State:         sub.Outcome,
		Result:        &sub.Result,
		OccurredAt:    now,
	}
	if tx != nil {
		attrs = append(attrs, "device_id", tx.DeviceID, "stored_state", tx.State)
		event.DeviceID = tx.DeviceID
	} else {
		attrs = append(attrs, "stored_state", "unknown")
	}

	i.logger.ErrorContext(ctx, "reconciliation incident: result arrived too late", attrs...)
	publish(ctx, i.publisher, i.logger, event)
	return DispositionTooLate
}
