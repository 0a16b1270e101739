package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

const (
	transactionsCollection    = "terminal_transactions"
	idempotencyKeysCollection = "terminal_idempotency_keys"

	// claimAttempts bounds the insert/lookup loop on an idempotency key that is
	// being evicted or taken over concurrently.
	claimAttempts = 3
)

type transactionDocument struct {
	ID               string         `bson:"_id"`
	DeviceID         string         `bson:"device_id"`
	Amount           string         `bson:"amount"`
	InvoiceReference string         `bson:"invoice_reference"`
	Command          string         `bson:"command"`
	IdempotencyKey   string         `bson:"idempotency_key,omitempty"`
	State            string         `bson:"state"`
	CreatedAt        time.Time      `bson:"created_at"`
	LastPolledAt     *time.Time     `bson:"last_polled_at,omitempty"`
	CompletedAt      *time.Time     `bson:"completed_at,omitempty"`
	Result           *models.Result `bson:"result,omitempty"`
}

type idempotencyDocument struct {
	Key           string `bson:"_id"`
	TransactionID string `bson:"transaction_id"`
}

func toDocument(tx *models.Transaction) transactionDocument {
	return transactionDocument{
		ID:               tx.ID,
		DeviceID:         tx.DeviceID,
		Amount:           tx.Amount.String(),
		InvoiceReference: tx.InvoiceReference,
		Command:          string(tx.Command),
		IdempotencyKey:   tx.IdempotencyKey,
		State:            string(tx.State),
		CreatedAt:        tx.CreatedAt,
		LastPolledAt:     tx.LastPolledAt,
		CompletedAt:      tx.CompletedAt,
		Result:           tx.Result,
	}
}

func (d transactionDocument) transaction() (*models.Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q for %s: %w", d.Amount, d.ID, err)
	}
	return &models.Transaction{
		ID:               d.ID,
		DeviceID:         d.DeviceID,
		Amount:           amount,
		InvoiceReference: d.InvoiceReference,
		Command:          models.Command(d.Command),
		IdempotencyKey:   d.IdempotencyKey,
		State:            models.State(d.State),
		CreatedAt:        d.CreatedAt,
		LastPolledAt:     d.LastPolledAt,
		CompletedAt:      d.CompletedAt,
		Result:           d.Result,
	}, nil
}

// transitionUpdate mirrors models.Transition.Apply as a $set document.
func transitionUpdate(tr models.Transition) bson.M {
	set := bson.M{"state": string(tr.To)}
	switch {
	case tr.To == models.StateCommandPublished:
		set["last_polled_at"] = tr.At
	case tr.To.IsTerminal():
		set["completed_at"] = tr.At
		if tr.Result != nil {
			set["result"] = tr.Result
		}
	}
	return bson.M{"$set": set}
}

// MongoStore persists transactions in MongoDB. The conditional UpdateOne on
// {_id, state} is the compare-and-set behind TryTransition.
type MongoStore struct {
	client       *mongo.Client
	transactions *mongo.Collection
	keys         *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:       client,
		transactions: db.Collection(transactionsCollection),
		keys:         db.Collection(idempotencyKeysCollection),
	}
}

// EnsureIndexes creates the indexes used by the sweeper queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "completed_at", Value: 1}}},
	}
	if _, err := s.transactions.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, tx *models.Transaction) (string, bool, error) {
	// The document goes in before the key is claimed, so a mapping always
	// points at a transaction that exists or was evicted.
	if _, err := s.transactions.InsertOne(ctx, toDocument(tx)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", false, ErrDuplicateID
		}
		return "", false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tx.IdempotencyKey == "" {
		return tx.ID, true, nil
	}

	existingID, err := s.claimKey(ctx, tx.IdempotencyKey, tx.ID)
	if err != nil || existingID != "" {
		if _, delErr := s.transactions.DeleteOne(ctx, bson.M{"_id": tx.ID}); delErr != nil {
			slog.Error("failed to remove unclaimed transaction", "transaction_id", tx.ID, "error", delErr)
		}
	}
	if err != nil {
		return "", false, err
	}
	if existingID != "" {
		return existingID, false, nil
	}
	return tx.ID, true, nil
}

// claimKey maps key to id. It returns the id of a live transaction already
// holding the key, or "" once the key belongs to id. A mapping whose
// transaction is gone was left by an eviction and can be taken over.
func (s *MongoStore) claimKey(ctx context.Context, key, id string) (string, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		_, err := s.keys.InsertOne(ctx, idempotencyDocument{Key: key, TransactionID: id})
		if err == nil {
			return "", nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("failed to insert idempotency key: %w", err)
		}

		var mapping idempotencyDocument
		if err := s.keys.FindOne(ctx, bson.M{"_id": key}).Decode(&mapping); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return "", fmt.Errorf("failed to fetch idempotency key: %w", err)
		}
		if mapping.TransactionID == id {
			return "", nil
		}

		existing, err := s.Get(ctx, mapping.TransactionID)
		switch {
		case err == nil && existing.State != models.StateExpired:
			return existing.ID, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return "", err
		}

		// The mapped transaction expired or was evicted: take the key over.
		res, err := s.keys.UpdateOne(ctx,
			bson.M{"_id": key, "transaction_id": mapping.TransactionID},
			bson.M{"$set": bson.M{"transaction_id": id}})
		if err != nil {
			return "", fmt.Errorf("failed to take over idempotency key: %w", err)
		}
		if res.MatchedCount == 1 {
			return "", nil
		}
	}
	return "", fmt.Errorf("idempotency key %q is contended", key)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	var doc transactionDocument
	if err := s.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return doc.transaction()
}

func (s *MongoStore) TryTransition(ctx context.Context, id string, tr models.Transition) (bool, error) {
	if models.CanTransition(tr.From, tr.To) {
		res, err := s.transactions.UpdateOne(ctx,
			bson.M{"_id": id, "state": string(tr.From)},
			transitionUpdate(tr))
		if err != nil {
			return false, fmt.Errorf("failed to update transaction: %w", err)
		}
		if res.MatchedCount == 1 {
			return true, nil
		}
	}

	n, err := s.transactions.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to count transaction: %w", err)
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *MongoStore) ListExpirable(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"state":      bson.M{"$in": []string{string(models.StateCreated), string(models.StateCommandPublished)}},
		"created_at": bson.M{"$lt": cutoff},
	})
}

func (s *MongoStore) ListCompleted(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return s.find(ctx, bson.M{
		"state": bson.M{"$in": []string{
			string(models.StateApproved),
			string(models.StateDeclined),
			string(models.StateError),
			string(models.StateExpired),
		}},
		"completed_at": bson.M{"$lt": cutoff},
	})
}

func (s *MongoStore) find(ctx context.Context, query bson.M) ([]models.Transaction, error) {
	cur, err := s.transactions.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var docs []transactionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}

	out := make([]models.Transaction, 0, len(docs))
	for _, d := range docs {
		tx, err := d.transaction()
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, nil
}

func (s *MongoStore) Evict(ctx context.Context, id string) error {
	var doc transactionDocument
	err := s.transactions.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if doc.IdempotencyKey != "" {
		if _, err := s.keys.DeleteOne(ctx, bson.M{"_id": doc.IdempotencyKey, "transaction_id": id}); err != nil {
			return fmt.Errorf("failed to delete idempotency key: %w", err)
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
