package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTx(id, key string, createdAt time.Time) *models.Transaction {
	return &models.Transaction{
		ID:               id,
		DeviceID:         "2084",
		Amount:           decimal.RequireFromString("12.50"),
		InvoiceReference: "INV-" + id,
		Command:          models.CommandSale,
		IdempotencyKey:   key,
		State:            models.StateCreated,
		CreatedAt:        createdAt,
	}
}

func publish(t *testing.T, s Store, id string) {
	t.Helper()
	ok, err := s.TryTransition(context.Background(), id, models.Transition{
		From: models.StateCreated, To: models.StateCommandPublished, At: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func ids(txs []models.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.ID)
	}
	return out
}

// runStoreTests exercises the Store contract against a fresh store per case.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"IdempotencyKey", testIdempotencyKey},
		{"IdempotencyKeyReleasedByExpiryAndEviction", testKeyReleased},
		{"ConcurrentCreateSameKey", testConcurrentCreateSameKey},
		{"TryTransition", testTryTransition},
		{"ConcurrentResultsFirstWins", testConcurrentResultsFirstWins},
		{"ExpiryRaceHasSingleOutcome", testExpiryRace},
		{"Listing", testListing},
		{"Evict", testEvict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()

	id, created, err := s.Create(ctx, newTx("a", "", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a", id)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, got.State)
	assert.Equal(t, "2084|12.50|INV-a|SALE", got.Tuple())

	got.State = models.StateApproved
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, again.State, "Get must return a copy")

	_, _, err = s.Create(ctx, newTx("a", "", t0))
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testIdempotencyKey(t *testing.T, s Store) {
	ctx := context.Background()

	_, _, err := s.Create(ctx, newTx("a", "key-1", t0))
	require.NoError(t, err)

	id, created, err := s.Create(ctx, newTx("b", "key-1", t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a", id)
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound, "a matched key stores nothing new")

	// Completed transactions still hold the key.
	publish(t, s, "a")
	ok, err := s.TryTransition(ctx, "a", models.Transition{From: models.StateCommandPublished, To: models.StateApproved, At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	id, created, err = s.Create(ctx, newTx("c", "key-1", t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a", id)
}

func testKeyReleased(t *testing.T, s Store) {
	ctx := context.Background()

	_, _, err := s.Create(ctx, newTx("a", "key-1", t0))
	require.NoError(t, err)
	ok, err := s.TryTransition(ctx, "a", models.Transition{From: models.StateCreated, To: models.StateExpired, At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	id, created, err := s.Create(ctx, newTx("b", "key-1", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "b", id)

	// Evicting the expired holder must not drop the key now owned by b.
	require.NoError(t, s.Evict(ctx, "a"))
	id, created, err = s.Create(ctx, newTx("x", "key-1", t0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b", id)

	require.NoError(t, s.Evict(ctx, "b"))
	require.NoError(t, s.Evict(ctx, "b"), "evicting twice is not an error")

	id, created, err = s.Create(ctx, newTx("c", "key-1", t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c", id)
}

func testConcurrentCreateSameKey(t *testing.T, s Store) {
	ctx := context.Background()

	const n = 16
	returned := make([]string, n)
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, ok, err := s.Create(ctx, newTx(fmt.Sprintf("tx-%d", i), "double-submit", t0))
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
			returned[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load(), "exactly one create wins the key")
	for _, id := range returned {
		assert.Equal(t, returned[0], id)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tx-%d", i)
		_, err := s.Get(ctx, id)
		if id == returned[0] {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrNotFound, "losing creates leave nothing behind")
		}
	}
}

func testTryTransition(t *testing.T, s Store) {
	ctx := context.Background()
	_, _, err := s.Create(ctx, newTx("a", "", t0))
	require.NoError(t, err)

	ok, err := s.TryTransition(ctx, "a", models.Transition{From: models.StateCreated, To: models.StateApproved, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "CREATED cannot jump to APPROVED")

	ok, err = s.TryTransition(ctx, "a", models.Transition{From: models.StateCommandPublished, To: models.StateApproved, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "stale from state")

	publish(t, s, "a")

	result := &models.Result{AuthCode: "AUTH1"}
	ok, err = s.TryTransition(ctx, "a", models.Transition{From: models.StateCommandPublished, To: models.StateApproved, At: t0, Result: result})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryTransition(ctx, "a", models.Transition{From: models.StateApproved, To: models.StateExpired, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "terminal states are final")

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, "AUTH1", got.Result.AuthCode)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.TryTransition(ctx, "missing", models.Transition{From: models.StateCreated, To: models.StateExpired})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentResultsFirstWins(t *testing.T, s Store) {
	ctx := context.Background()
	_, _, err := s.Create(ctx, newTx("a", "", t0))
	require.NoError(t, err)
	publish(t, s, "a")

	var wins atomic.Int32
	var winner atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := models.StateApproved
			if i%2 == 1 {
				to = models.StateDeclined
			}
			code := fmt.Sprintf("AUTH%d", i)
			ok, err := s.TryTransition(ctx, "a", models.Transition{
				From:   models.StateCommandPublished,
				To:     to,
				At:     t0,
				Result: &models.Result{AuthCode: code},
			})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				winner.Store(code)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, winner.Load(), got.Result.AuthCode)
}

func testExpiryRace(t *testing.T, s Store) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("race-%d", round)
		_, _, err := s.Create(ctx, newTx(id, "", t0))
		require.NoError(t, err)
		publish(t, s, id)

		var wg sync.WaitGroup
		results := make([]bool, 2)
		for i, to := range []models.State{models.StateExpired, models.StateApproved} {
			wg.Add(1)
			go func(i int, to models.State) {
				defer wg.Done()
				ok, err := s.TryTransition(ctx, id, models.Transition{From: models.StateCommandPublished, To: to, At: t0})
				assert.NoError(t, err)
				results[i] = ok
			}(i, to)
		}
		wg.Wait()

		assert.NotEqual(t, results[0], results[1], "exactly one of expiry and result must win")
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		if results[0] {
			assert.Equal(t, models.StateExpired, got.State)
		} else {
			assert.Equal(t, models.StateApproved, got.State)
		}
	}
}

func testListing(t *testing.T, s Store) {
	ctx := context.Background()

	for _, tx := range []*models.Transaction{
		newTx("old-created", "", t0),
		newTx("old-published", "", t0.Add(time.Second)),
		newTx("old-done", "", t0),
		newTx("fresh", "", t0.Add(time.Hour)),
	} {
		_, _, err := s.Create(ctx, tx)
		require.NoError(t, err)
	}
	publish(t, s, "old-published")
	publish(t, s, "old-done")
	ok, err := s.TryTransition(ctx, "old-done", models.Transition{
		From: models.StateCommandPublished, To: models.StateDeclined, At: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, ok)

	expirable, err := s.ListExpirable(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-created", "old-published"}, ids(expirable))

	completed, err := s.ListCompleted(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, completed, "cutoff is exclusive")

	completed, err = s.ListCompleted(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"old-done"}, ids(completed))
}

func testEvict(t *testing.T, s Store) {
	ctx := context.Background()
	_, _, err := s.Create(ctx, newTx("a", "key-a", t0))
	require.NoError(t, err)
	ok, err := s.TryTransition(ctx, "a", models.Transition{From: models.StateCreated, To: models.StateExpired, At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Evict(ctx, "a"))

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	completed, err := s.ListCompleted(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, completed, "evicted transactions leave the sweep indexes")
	_, err = s.TryTransition(ctx, "a", models.Transition{From: models.StateExpired, To: models.StateExpired, At: t0})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Evict(ctx, "never-stored"))
}
