package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

type recordingDispatcher struct {
	device string
	got    []string
}

func (d *recordingDispatcher) Dispatch(tx *models.Transaction) bool {
	if tx.DeviceID != d.device {
		return false
	}
	d.got = append(d.got, tx.ID)
	return true
}

func TestRegistrar_RegistersCreatedTransaction(t *testing.T) {
	e := newEngine(t)

	id := e.register(t, saleRequest())
	require.NotEmpty(t, id)

	tx, err := e.status.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, tx.State)
	assert.Equal(t, t0, tx.CreatedAt)
	assert.Equal(t, models.CommandSale, tx.Command)
	assert.Nil(t, tx.Result)
	assert.Equal(t, "2084|12.50|INV-1|SALE", tx.Tuple())
}

func TestRegistrar_IDsAreUnique(t *testing.T) {
	e := newEngine(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := e.register(t, saleRequest())
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 200, e.store.Len())
}

func TestRegistrar_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RegisterRequest)
		want   error
	}{
		{"zero amount", func(r *RegisterRequest) { r.Amount = decimal.Zero }, ErrInvalidAmount},
		{"negative amount", func(r *RegisterRequest) { r.Amount = decimal.RequireFromString("-1") }, ErrInvalidAmount},
		{"sub-cent amount", func(r *RegisterRequest) { r.Amount = decimal.RequireFromString("12.505") }, ErrInvalidAmount},
		{"missing invoice", func(r *RegisterRequest) { r.InvoiceReference = "" }, ErrMissingInvoiceReference},
		{"blank invoice", func(r *RegisterRequest) { r.InvoiceReference = "   " }, ErrMissingInvoiceReference},
		{"missing device", func(r *RegisterRequest) { r.DeviceID = "" }, ErrMissingDeviceID},
		{"unknown command", func(r *RegisterRequest) { r.Command = "SETTLE" }, ErrUnsupportedCommand},
		{"separator in invoice", func(r *RegisterRequest) { r.InvoiceReference = "INV|1" }, ErrInvalidField},
		{"separator in device", func(r *RegisterRequest) { r.DeviceID = "20|84" }, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			req := saleRequest()
			tt.modify(&req)

			_, err := e.registrar.Register(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, e.store.Len(), "invalid requests never reach the store")
		})
	}
}

func TestRegistrar_IdempotencyKey(t *testing.T) {
	e := newEngine(t)
	req := saleRequest()
	req.IdempotencyKey = "pos-7:INV-1"

	first, err := e.registrar.Register(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := e.registrar.Register(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, e.store.Len())
}

func TestRegistrar_Dispatcher(t *testing.T) {
	e := newEngine(t)
	d := &recordingDispatcher{device: "GW1"}
	e.registrar.SetDispatcher(d)

	e.register(t, saleRequest())
	req := saleRequest()
	req.DeviceID = "GW1"
	id := e.register(t, req)

	assert.Equal(t, []string{id}, d.got)
}
