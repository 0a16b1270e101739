package events

import (
	"context"
	"log/slog"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// Publisher emits transaction lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event models.Event) error {
	p.logger.InfoContext(ctx, "transaction event",
		"type", event.Type,
		"transaction_id", event.TransactionID,
		"device_id", event.DeviceID,
		"state", event.State,
	)
	return nil
}
