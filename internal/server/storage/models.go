// Package storage provides the PostgreSQL-backed mirror of session
// summaries and the tamper-evident audit trail. It exposes typed model
// structs for the two tables this deployment cares about (sessions,
// audit_entries) and a Store that wraps a pgxpool connection pool with a
// batched session-insert path, mirroring the batched-write pattern used
// for alert ingestion in the system this was adapted from.
package storage

import (
	"encoding/json"
	"time"
)

// SessionSummary maps to the `sessions` table: one row per honeypot
// session, inserted once a session closes. It is a durable, queryable
// mirror of the per-session meta.json the evidence store keeps on disk;
// the filesystem remains authoritative, this table exists only so
// operators can query across sessions without scanning the filesystem.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Instance   string    `json:"instance"`
	SrcIP      string    `json:"src_ip"`
	SrcPort    int       `json:"src_port"`
	StartTS    time.Time `json:"start_ts"`
	EndTS      time.Time `json:"end_ts"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Engagement string    `json:"engagement"`
	EventCount int       `json:"event_count"`
}

// AuditEntry maps to the `audit_entries` table: a mirrored copy of one
// entry from the tamper-evident hash-chained audit log, keyed by session.
//
// EventHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the
// genesis entry this is audit.GenesisHash.
// Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	SessionID   string          `json:"session_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SessionQuery carries the filter and pagination parameters for
// QuerySessions.
//
// From and To bracket start_ts, enabling range-scan pruning. Limit
// defaults to 100 when <= 0. A nil Engagement means no engagement-level
// filter is applied. An empty Instance matches every instance. An empty
// SessionID matches every session; set it to look up a single session by
// its exact ID.
type SessionQuery struct {
	SessionID  string
	Instance   string
	Engagement *string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
