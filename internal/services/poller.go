package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// PollResponse is what the terminal gets for one check. Command is empty when
// there is no work for the terminal right now.
type PollResponse struct {
	Command     string
	Transaction *models.Transaction
}

// Ready reports whether the response carries a command.
func (p PollResponse) Ready() bool {
	return p.Command != ""
}

// CommandPoller answers the terminal's recurring "is there work for me" query.
// The first ready poll moves CREATED to COMMAND_PUBLISHED; later polls return
// the same tuple and only refresh LastPolledAt.
type CommandPoller struct {
	store       db.Store
	pickupDelay time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewCommandPoller(store db.Store, pickupDelay time.Duration, logger *slog.Logger) *CommandPoller {
	return &CommandPoller{
		store:       store,
		pickupDelay: pickupDelay,
		logger:      logger,
		now:         time.Now,
	}
}

func (p *CommandPoller) Poll(ctx context.Context, id string) (PollResponse, error) {
	tx, err := p.store.Get(ctx, id)
	if err != nil {
		return PollResponse{}, err
	}
	now := p.now()

	switch tx.State {
	case models.StateCreated:
		if now.Before(tx.CreatedAt.Add(p.pickupDelay)) {
			return PollResponse{}, nil
		}
		ok, err := p.store.TryTransition(ctx, id, models.Transition{
			From: models.StateCreated,
			To:   models.StateCommandPublished,
			At:   now,
		})
		if err != nil {
			return PollResponse{}, err
		}
		if ok {
			p.logger.InfoContext(ctx, "command published", "transaction_id", id, "device_id", tx.DeviceID)
		}
		// A lost race means another poll published it, or the sweeper expired it.
		return p.ready(ctx, id)

	case models.StateCommandPublished:
		ok, err := p.store.TryTransition(ctx, id, models.Transition{
			From: models.StateCommandPublished,
			To:   models.StateCommandPublished,
			At:   now,
		})
		if err != nil {
			return PollResponse{}, err
		}
		if !ok {
			// A result or expiry landed between the read and the touch.
			return PollResponse{}, nil
		}
		return p.ready(ctx, id)
	}

	return PollResponse{}, nil
}

// ready re-reads id and returns its tuple while it is published.
func (p *CommandPoller) ready(ctx context.Context, id string) (PollResponse, error) {
	tx, err := p.store.Get(ctx, id)
	if err != nil {
		return PollResponse{}, err
	}
	if tx.State != models.StateCommandPublished {
		return PollResponse{}, nil
	}
	return PollResponse{Command: tx.Tuple(), Transaction: tx}, nil
}
