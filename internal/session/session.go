// Package session implements the session manager: it allocates unique
// session identifiers, owns each session's directory under the sessions
// root, and is the only component permitted to decide a session's ID.
//
// Uniqueness under concurrent accepts is enforced by a WAL-mode SQLite
// database with a UNIQUE constraint on the id column, adapted from the
// pattern used for at-least-once alert delivery elsewhere in this
// repository: a single-connection pool serializes writers, and the
// UNIQUE constraint turns a would-be race into an ordinary constraint
// violation the caller retries past with a disambiguating suffix.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql

	"github.com/tripwire/honeypot/internal/store"
)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    src_ip     TEXT NOT NULL,
    src_port   INTEGER NOT NULL,
    start_ts   INTEGER NOT NULL
);
`

// Manager allocates session IDs and owns the session-directory layout
// under root. It is safe for concurrent use.
type Manager struct {
	db       *sql.DB
	root     string
	instance string
	store    *store.Store
}

// Session is a handle to one live session: its identifier, its directory,
// and the originating address, returned by Manager.New.
type Session struct {
	ID      string
	Dir     string
	SrcIP   string
	SrcPort int
	Start   time.Time
}

// New opens (or creates) the session-ID registry at indexPath and returns a
// Manager rooted at sessionsRoot. evidence is the shared evidence store
// used to initialize each new session's meta.json.
func New(indexPath, sessionsRoot, instance string, evidence *store.Store) (*Manager, error) {
	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("session: open index %q: %w", indexPath, err)
	}

	// Only one writer at a time; every New() call serializes through this
	// single connection, which is exactly what a uniqueness check needs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: apply schema: %w", err)
	}

	return &Manager{db: db, root: sessionsRoot, instance: instance, store: evidence}, nil
}

// New allocates a fresh session identifier for a connection from
// (srcIP, srcPort), creates its directory, and initializes meta.json via
// the evidence store.
//
// The identifier is epoch-seconds-based ("S-<unix-seconds>"); when two
// accepts land within the same second, the INSERT's UNIQUE constraint
// fails, and a disambiguating "-2", "-3", ... suffix is tried until one
// is accepted. This resolves spec's session-ID collision question with an
// atomic check rather than a filesystem time-of-check/time-of-use race.
func (m *Manager) New(ctx context.Context, srcIP string, srcPort int) (*Session, error) {
	start := time.Now()
	base := fmt.Sprintf("S-%d", start.Unix())

	id, err := m.reserve(ctx, base, srcIP, srcPort, start)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, id)
	if err := m.store.NewSession(dir, id, srcIP, srcPort, m.instance, start); err != nil {
		return nil, fmt.Errorf("session: initialize %q: %w", id, err)
	}

	return &Session{ID: id, Dir: dir, SrcIP: srcIP, SrcPort: srcPort, Start: start}, nil
}

// reserve atomically claims an identifier starting from base, appending
// "-2", "-3", ... on collision until the INSERT succeeds.
func (m *Manager) reserve(ctx context.Context, base, srcIP string, srcPort int, start time.Time) (string, error) {
	const maxAttempts = 1000

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		id := base
		if attempt > 1 {
			id = fmt.Sprintf("%s-%d", base, attempt)
		}

		_, err := m.db.ExecContext(ctx,
			`INSERT INTO sessions (id, src_ip, src_port, start_ts) VALUES (?, ?, ?, ?)`,
			id, srcIP, srcPort, start.Unix(),
		)
		if err == nil {
			return id, nil
		}
		if !isUniqueViolation(err) {
			return "", fmt.Errorf("session: reserve id %q: %w", id, err)
		}
		// Collision: another accept claimed this id within the same
		// second. Try the next suffix.
	}

	return "", errors.New("session: exhausted disambiguating suffixes")
}

// Close marks the session closed in the evidence store. The SQLite
// registry row is left in place; it exists only to arbitrate ID
// uniqueness, not to track session lifecycle state.
func (m *Manager) Close(sess *Session) error {
	return m.store.CloseSession(sess.Dir)
}

// ShutdownIndex closes the underlying SQLite connection.
func (m *Manager) ShutdownIndex() error {
	return m.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite reports this via an error whose message
// contains "UNIQUE constraint failed"; there is no portable sentinel
// error across database/sql drivers, so a substring check is used, same
// as a plain retry loop would need regardless of driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsUniqueConstraint(msg)
}

func containsUniqueConstraint(msg string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
