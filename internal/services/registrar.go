package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// Dispatcher takes over transactions for devices it drives. Dispatch reports
// whether the transaction was accepted.
type Dispatcher interface {
	Dispatch(tx *models.Transaction) bool
}

type RegisterRequest struct {
	DeviceID         string
	Amount           decimal.Decimal
	InvoiceReference string
	Command          string
	IdempotencyKey   string
}

type RegisterResult struct {
	TransactionID string
	// Created is false when the idempotency key matched a live transaction.
	Created bool
}

// Registrar accepts payment requests from the frontend and inserts them as
// CREATED transactions.
type Registrar struct {
	store      db.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewRegistrar(store db.Store, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetDispatcher routes newly created transactions to d.
func (r *Registrar) SetDispatcher(d Dispatcher) {
	r.dispatcher = d
}

func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	tx, err := r.build(req)
	if err != nil {
		return nil, err
	}

	id, created, err := r.store.Create(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	if !created {
		r.logger.InfoContext(ctx, "idempotency key matched in-flight transaction",
			"transaction_id", id,
			"idempotency_key", tx.IdempotencyKey,
		)
		return &RegisterResult{TransactionID: id}, nil
	}

	r.logger.InfoContext(ctx, "transaction registered",
		"transaction_id", id,
		"device_id", tx.DeviceID,
		"amount", tx.Amount.StringFixed(2),
		"invoice_reference", tx.InvoiceReference,
		"command", tx.Command,
	)
	if r.dispatcher != nil && r.dispatcher.Dispatch(tx) {
		r.logger.InfoContext(ctx, "transaction routed to gateway", "transaction_id", id, "device_id", tx.DeviceID)
	}
	return &RegisterResult{TransactionID: id, Created: true}, nil
}

func (r *Registrar) build(req RegisterRequest) (*models.Transaction, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	invoiceRef := strings.TrimSpace(req.InvoiceReference)

	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, ErrInvalidAmount
	}
	if invoiceRef == "" {
		return nil, ErrMissingInvoiceReference
	}
	command, ok := models.ParseCommand(req.Command)
	if !ok {
		return nil, ErrUnsupportedCommand
	}
	if strings.Contains(deviceID, "|") || strings.Contains(invoiceRef, "|") {
		return nil, ErrInvalidField
	}

	return &models.Transaction{
		ID:               r.newID(),
		DeviceID:         deviceID,
		Amount:           req.Amount,
		InvoiceReference: invoiceRef,
		Command:          command,
		IdempotencyKey:   strings.TrimSpace(req.IdempotencyKey),
		State:            models.StateCreated,
		CreatedAt:        r.now(),
	}, nil
}
