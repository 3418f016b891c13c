package rest

import (
	"context"
	"time"

	"github.com/tripwire/honeypot/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QuerySessions returns session summaries matching the given filter and
	// pagination params.
	QuerySessions(ctx context.Context, q storage.SessionQuery) ([]storage.SessionSummary, error)

	// QueryAuditEntries returns audit entries for sessionID within [from, to).
	QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]storage.AuditEntry, error)
}
