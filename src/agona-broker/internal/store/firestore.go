package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

// FirestoreQueryLogStore keys each document by QueryLog.DocID, so a retried
// write overwrites instead of duplicating.
type FirestoreQueryLogStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreQueryLogStore(ctx context.Context, projectID, collection string) (*FirestoreQueryLogStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreQueryLogStore{client: client, collection: collection}, nil
}

func (s *FirestoreQueryLogStore) Insert(ctx context.Context, entry model.QueryLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(s.collection).Doc(entry.DocID()).Set(ctx, entry)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

func (s *FirestoreQueryLogStore) Recent(ctx context.Context, n int) ([]model.QueryLog, error) {
	q := s.client.Collection(s.collection).OrderBy("created_at", firestore.Desc)
	if n > 0 {
		q = q.Limit(n)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []model.QueryLog
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate query logs: %w", err)
		}
		var entry model.QueryLog
		if err := doc.DataTo(&entry); err != nil {
			return nil, fmt.Errorf("decode query log: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *FirestoreQueryLogStore) Close() error {
	return s.client.Close()
}
