// Package store persists query telemetry. Writes are best effort: callers
// log failures and carry on.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

const DefaultCollection = "query_log"

// QueryLogStore is the telemetry sink.
type QueryLogStore interface {
	Insert(ctx context.Context, entry model.QueryLog) error
	Close() error
}

// Reader is implemented by sinks that can replay recent entries, newest first.
type Reader interface {
	Recent(ctx context.Context, n int) ([]model.QueryLog, error)
}

type Backend string

const (
	BackendMemory    Backend = "memory"
	BackendMongo     Backend = "mongo"
	BackendFirestore Backend = "firestore"
	BackendPostgres  Backend = "postgres"
	BackendNone      Backend = "none"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendMemory, nil
	case BackendMemory, BackendMongo, BackendFirestore, BackendPostgres, BackendNone:
		return b, nil
	default:
		return "", fmt.Errorf("unknown query log backend %q", s)
	}
}

// Discard drops every entry. Used when telemetry is switched off.
type Discard struct{}

func (Discard) Insert(context.Context, model.QueryLog) error { return nil }
func (Discard) Close() error                                 { return nil }
