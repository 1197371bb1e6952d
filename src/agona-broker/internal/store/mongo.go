package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

type MongoQueryLogStore struct {
	coll *mongo.Collection
}

func NewMongoQueryLogStore(client *mongo.Client, dbName, collName string) *MongoQueryLogStore {
	if collName == "" {
		collName = DefaultCollection
	}
	return &MongoQueryLogStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

func (s *MongoQueryLogStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	}
	_, err := s.coll.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoQueryLogStore) Insert(ctx context.Context, entry model.QueryLog) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := s.coll.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

func (s *MongoQueryLogStore) Recent(ctx context.Context, n int) ([]model.QueryLog, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if n > 0 {
		opts.SetLimit(int64(n))
	}

	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find query logs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.QueryLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode query logs: %w", err)
	}
	return out, nil
}

// Close is a no-op, the client is owned by main.
func (s *MongoQueryLogStore) Close() error { return nil }
