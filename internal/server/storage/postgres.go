package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of session rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending sessions even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the optional PostgreSQL mirror of session summaries and the
// audit trail.
//
// Session-summary ingestion is batched: callers enqueue individual
// SessionSummary values via BatchInsertSessions, which accumulates them in
// memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first.
// Audit entries are written immediately, since they must be durable before
// the caller's session handler returns.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []SessionSummary
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]SessionSummary, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered sessions, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertSessions enqueues summary for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is
// called synchronously before returning so that the caller observes
// back-pressure rather than unbounded memory growth.
func (s *Store) BatchInsertSessions(ctx context.Context, summary SessionSummary) error {
	s.mu.Lock()
	s.batch = append(s.batch, summary)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current session buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support, e.g. after
// a crash-restart re-mirrors a session already written).
//
// Flush is safe to call concurrently: a mutex swap ensures each call
// drains a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]SessionSummary, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO sessions
			(session_id, instance, src_ip, src_port, start_ts, end_ts, label, confidence, engagement, event_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		s := &toInsert[i]
		b.Queue(query,
			s.SessionID, s.Instance, s.SrcIP, s.SrcPort,
			s.StartTS, s.EndTS, s.Label, s.Confidence, s.Engagement, s.EventCount,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec session: %w", err)
		}
	}
	return nil
}

// QuerySessions returns paginated session summaries that fall within
// [q.From, q.To) on start_ts.
//
// Optional filters: q.Instance (exact match), q.Engagement (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by start_ts DESC, session_id ASC.
func (s *Store) QuerySessions(ctx context.Context, q SessionQuery) ([]SessionSummary, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE start_ts >= $1 AND start_ts < $2"
	argIdx := 5

	if q.SessionID != "" {
		where += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, q.SessionID)
		argIdx++
	}
	if q.Instance != "" {
		where += fmt.Sprintf(" AND instance = $%d", argIdx)
		args = append(args, q.Instance)
		argIdx++
	}
	if q.Engagement != nil {
		where += fmt.Sprintf(" AND engagement = $%d", argIdx)
		args = append(args, *q.Engagement)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT session_id, instance, src_ip, src_port, start_ts, end_ts,
		       label, confidence, engagement, event_count
		FROM   sessions
		%s
		ORDER  BY start_ts DESC, session_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		err := rows.Scan(
			&sum.SessionID, &sum.Instance, &sum.SrcIP, &sum.SrcPort,
			&sum.StartTS, &sum.EndTS,
			&sum.Label, &sum.Confidence, &sum.Engagement, &sum.EventCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry. The
// caller must populate EntryID, EventHash, PrevHash, and SequenceNum (the
// same chain fields internal/audit.Logger.Append already computed; this is
// a durable mirror of that log, not an independent source of truth).
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.SessionID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for sessionID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  session_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		sessionID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.SessionID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
