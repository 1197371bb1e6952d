package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Settings selects and locates a query log backend.
type Settings struct {
	Backend            Backend
	MongoURI           string
	MongoDB            string
	FirestoreProjectID string
	DatabaseURL        string
}

// Open builds the configured sink and the func that releases it.
func Open(ctx context.Context, s Settings, logger *slog.Logger) (QueryLogStore, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch s.Backend {
	case BackendNone:
		return Discard{}, func() {}, nil

	case BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		st := NewMongoQueryLogStore(client, s.MongoDB, DefaultCollection)
		if err := st.EnsureIndexes(connectCtx); err != nil {
			logger.Warn("failed to create indexes", "error", err)
		}
		logger.Info("using mongodb query log", "db", s.MongoDB)
		return st, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				logger.Error("failed to disconnect mongodb", "error", err)
			}
		}, nil

	case BackendFirestore:
		st, err := NewFirestoreQueryLogStore(ctx, s.FirestoreProjectID, DefaultCollection)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using firestore query log", "project_id", s.FirestoreProjectID)
		return st, func() { _ = st.Close() }, nil

	case BackendPostgres:
		st, err := NewPostgresQueryLogStore(ctx, s.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres query log")
		return st, func() { _ = st.Close() }, nil

	default:
		logger.Info("using in-memory query log", "capacity", DefaultMemoryCapacity)
		return NewMemoryStore(DefaultMemoryCapacity), func() {}, nil
	}
}
