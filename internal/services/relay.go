package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// Gateway is the remote gateway contract used by the relay.
type Gateway interface {
	Submit(ctx context.Context, tx *models.Transaction) (string, error)
	Poll(ctx context.Context, chargeID string) (*GatewayCharge, error)
}

// GatewayRelay plays the terminal for devices served by the remote gateway. It
// picks commands up through the CommandPoller and reports results through the
// ResultIngestor, so gateway traffic goes through the same state machine as a
// local terminal.
type GatewayRelay struct {
	gateway  Gateway
	poller   *CommandPoller
	ingestor *ResultIngestor
	status   *StatusReporter
	devices  map[string]bool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[string]string // transaction id -> gateway charge id, "" until submitted
	running atomic.Bool
}

func NewGatewayRelay(gateway Gateway, poller *CommandPoller, ingestor *ResultIngestor, status *StatusReporter, devices []string, interval time.Duration, logger *slog.Logger) *GatewayRelay {
	set := make(map[string]bool, len(devices))
	for _, d := range devices {
		set[d] = true
	}
	return &GatewayRelay{
		gateway:  gateway,
		poller:   poller,
		ingestor: ingestor,
		status:   status,
		devices:  set,
		interval: interval,
		logger:   logger,
		tracked:  make(map[string]string),
	}
}

// Dispatch starts tracking tx when its device is gateway-routed.
func (r *GatewayRelay) Dispatch(tx *models.Transaction) bool {
	if !r.devices[tx.DeviceID] {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracked[tx.ID]; !ok {
		r.tracked[tx.ID] = ""
	}
	return true
}

// Tracked reports how many transactions the relay is still driving.
func (r *GatewayRelay) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

func (r *GatewayRelay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("gateway relay started", "interval", r.interval, "devices", len(r.devices))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("gateway relay stopped")
			return nil
		case <-ticker.C:
			r.Step(ctx)
		}
	}
}

// Step advances every tracked transaction by one submit or poll.
func (r *GatewayRelay) Step(ctx context.Context) {
	r.mu.Lock()
	snapshot := make(map[string]string, len(r.tracked))
	for id, ref := range r.tracked {
		snapshot[id] = ref
	}
	r.mu.Unlock()

	for id, ref := range snapshot {
		if ref == "" {
			r.submit(ctx, id)
		} else {
			r.check(ctx, id, ref)
		}
	}
}

func (r *GatewayRelay) submit(ctx context.Context, id string) {
	resp, err := r.poller.Poll(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		r.untrack(id)
		return
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "gateway relay pickup failed", "transaction_id", id, "error", err)
		return
	}
	if !resp.Ready() {
		return
	}

	chargeID, err := r.gateway.Submit(ctx, resp.Transaction)
	if err != nil {
		r.logger.WarnContext(ctx, "gateway submit failed, retrying next tick", "transaction_id", id, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "command submitted to gateway", "transaction_id", id, "charge_id", chargeID)

	r.mu.Lock()
	if _, ok := r.tracked[id]; ok {
		r.tracked[id] = chargeID
	}
	r.mu.Unlock()
}

func (r *GatewayRelay) check(ctx context.Context, id, chargeID string) {
	charge, err := r.gateway.Poll(ctx, chargeID)
	if err != nil {
		r.logger.WarnContext(ctx, "gateway poll failed", "transaction_id", id, "charge_id", chargeID, "error", err)
		return
	}
	outcome, ok := models.ParseOutcome(charge.Status)
	if !ok {
		if charge.Status != GatewayPending {
			r.logger.WarnContext(ctx, "unknown gateway status", "transaction_id", id, "status", charge.Status)
		}
		r.releaseIfFinished(ctx, id, chargeID, charge.Status)
		return
	}

	disposition, err := r.ingestor.Ingest(ctx, ResultSubmission{
		TransactionID: id,
		Outcome:       outcome,
		Result:        charge.Result(),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "gateway result rejected", "transaction_id", id, "error", err)
		return
	}
	r.logger.InfoContext(ctx, "gateway result ingested", "transaction_id", id, "disposition", disposition)
	r.untrack(id)
}

// releaseIfFinished stops tracking a charge whose transaction was expired or
// reaped while the gateway still reports it open.
func (r *GatewayRelay) releaseIfFinished(ctx context.Context, id, chargeID, gatewayStatus string) {
	tx, err := r.status.Status(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		r.logger.ErrorContext(ctx, "gateway relay status check failed", "transaction_id", id, "error", err)
		return
	case !tx.State.IsTerminal():
		return
	}

	state := "evicted"
	if tx != nil {
		state = string(tx.State)
	}
	r.logger.WarnContext(ctx, "reconciliation: gateway charge still open for finished transaction",
		"transaction_id", id,
		"charge_id", chargeID,
		"gateway_status", gatewayStatus,
		"state", state,
	)
	r.untrack(id)
}

func (r *GatewayRelay) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}
