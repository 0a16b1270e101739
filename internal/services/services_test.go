package services

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/markjakearzadon/notipay-terminal.git/internal/db"
	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const (
	testDeadline  = 2 * time.Minute
	testRetention = 10 * time.Minute
)

// engine wires every component against one memory store and a fake clock.
type engine struct {
	store     *db.MemoryStore
	clock     *fakeClock
	events    *recordingPublisher
	logs      *syncBuffer
	registrar *Registrar
	poller    *CommandPoller
	ingestor  *ResultIngestor
	status    *StatusReporter
	sweeper   *ExpirySweeper
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{
		store:  db.NewMemoryStore(),
		clock:  &fakeClock{now: t0},
		events: &recordingPublisher{},
		logs:   &syncBuffer{},
	}
	logger := slog.New(slog.NewJSONHandler(e.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e.registrar = NewRegistrar(e.store, logger)
	e.registrar.now = e.clock.Now
	e.poller = NewCommandPoller(e.store, 0, logger)
	e.poller.now = e.clock.Now
	e.ingestor = NewResultIngestor(e.store, e.events, logger)
	e.ingestor.now = e.clock.Now
	e.status = NewStatusReporter(e.store)
	e.sweeper = NewExpirySweeper(e.store, e.events, SweeperConfig{
		Deadline:  testDeadline,
		Retention: testRetention,
		Interval:  5 * time.Millisecond,
	}, logger)
	e.sweeper.now = e.clock.Now
	return e
}

func saleRequest() RegisterRequest {
	return RegisterRequest{
		DeviceID:         "2084",
		Amount:           decimal.RequireFromString("12.50"),
		InvoiceReference: "INV-1",
		Command:          "SALE",
	}
}

func (e *engine) register(t *testing.T, req RegisterRequest) string {
	t.Helper()
	res, err := e.registrar.Register(context.Background(), req)
	require.NoError(t, err)
	return res.TransactionID
}

// published registers a sale and lets the terminal pick it up.
func (e *engine) published(t *testing.T) string {
	t.Helper()
	id := e.register(t, saleRequest())
	resp, err := e.poller.Poll(context.Background(), id)
	require.NoError(t, err)
	require.True(t, resp.Ready())
	return id
}

func (e *engine) state(t *testing.T, id string) models.State {
	t.Helper()
	tx, err := e.status.Status(context.Background(), id)
	require.NoError(t, err)
	return tx.State
}
