// Package store implements the evidence store: atomic metadata writes,
// content-hashed and size-capped payload blobs, and the append-only event
// log every other component writes into.
//
// All writes to meta.json go through writeMeta, which stages the new
// content in a sibling temp file and renames it over the target — the
// rename is atomic on any POSIX filesystem, so a concurrent reader always
// observes either the pre- or post-write document, never a torn one.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/honeypot/internal/events"
)

// MaxPayloadBytes is the hard cap on a single payload blob's stored size.
// Content beyond this length is silently truncated — the cap is a policy,
// not an error condition.
const MaxPayloadBytes = 5 * 1024 * 1024 // 5 MiB

// Meta is the on-disk shape of a session's meta.json.
type Meta struct {
	SessionID string          `json:"session_id"`
	SrcIP     string          `json:"src_ip"`
	SrcPort   int             `json:"src_port"`
	StartTS   float64         `json:"start_ts"`
	Instance  string          `json:"instance"`
	Events    []events.Record `json:"events"`
	EndTime   string          `json:"end_time,omitempty"`
}

// PayloadMeta describes a payload blob saved alongside meta.json.
type PayloadMeta struct {
	File    string  `json:"file"`
	Path    string  `json:"path"`
	SHA256  string  `json:"sha256"`
	Size    int64   `json:"size"`
	SavedTS float64 `json:"saved_ts"`
}

// Store is the evidence store. One Store instance is shared by every
// session handler; all of its methods take a session directory explicitly
// so no per-session state is held here beyond the mutex needed to
// serialize concurrent writers of the same file.
type Store struct {
	// mu serializes writeMeta calls. A session directory is only ever
	// touched by its owning handler, so contention is effectively
	// per-session, but a single mutex keeps the type trivially safe to
	// share and the write path is cheap enough that this never becomes a
	// bottleneck.
	mu sync.Mutex
}

// New creates an evidence store.
func New() *Store {
	return &Store{}
}

// NewSession creates dir (if absent) and writes an initial meta.json with
// the mandatory keys populated and an empty events list.
func (s *Store) NewSession(dir string, sessionID, srcIP string, srcPort int, instance string, start time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create session dir %q: %w", dir, err)
	}

	meta := Meta{
		SessionID: sessionID,
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		StartTS:   float64(start.Unix()),
		Instance:  instance,
		Events:    []events.Record{},
	}

	return s.writeMeta(dir, &meta)
}

// AppendEvent reads meta.json, appends rec to the events list, and writes
// the file back atomically.
func (s *Store) AppendEvent(dir string, rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(dir)
	if err != nil {
		return err
	}
	meta.Events = append(meta.Events, rec)
	return s.writeMeta(dir, meta)
}

// CloseSession sets end_time to the current local time, formatted
// human-readably, and performs the same atomic write used by AppendEvent.
// Per the data model, end_time is set exactly once, at close.
func (s *Store) CloseSession(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(dir)
	if err != nil {
		return err
	}
	meta.EndTime = time.Now().Local().Format("2006-01-02 15:04:05")
	return s.writeMeta(dir, meta)
}

// SavePayload truncates data to MaxPayloadBytes, writes it to
// dir/name (auto-generated from the current time if name is empty),
// computes the SHA-256 of the bytes actually written, and returns the
// resulting metadata. Re-running with the same name overwrites
// deterministically.
func (s *Store) SavePayload(dir string, data []byte, name string) (PayloadMeta, error) {
	if len(data) > MaxPayloadBytes {
		data = data[:MaxPayloadBytes]
	}

	now := time.Now()
	if name == "" {
		name = fmt.Sprintf("payload_%d.bin", now.UnixNano())
	}
	path := filepath.Join(dir, name)

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return PayloadMeta{}, fmt.Errorf("store: save payload %q: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return PayloadMeta{
		File:    name,
		Path:    path,
		SHA256:  hex.EncodeToString(sum[:]),
		Size:    int64(len(data)),
		SavedTS: float64(now.Unix()),
	}, nil
}

// readMeta loads and unmarshals dir/meta.json. It does not lock; callers
// that mutate the result must hold s.mu for the duration.
func (s *Store) readMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("store: read meta.json in %q: %w", dir, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("store: unmarshal meta.json in %q: %w", dir, err)
	}
	return &meta, nil
}

// writeMeta marshals meta and writes it to dir/meta.json atomically.
func (s *Store) writeMeta(dir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal meta.json: %w", err)
	}
	path := filepath.Join(dir, "meta.json")
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write meta.json in %q: %w", dir, err)
	}
	return nil
}

// ReadMeta loads a session's meta.json for read-only inspection (used by
// the REST API and tests). It takes no lock: the evidence store's
// invariant is that any successfully-opened file is well-formed, so a
// concurrent read during a write never observes a torn document.
func (s *Store) ReadMeta(dir string) (*Meta, error) {
	return s.readMeta(dir)
}

// writeFileAtomic writes data to a temp file beside path, fsyncs it, and
// renames it over path. The rename is atomic within path's filesystem.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}

	// Best-effort fsync: some filesystems/platforms don't support it on
	// every file type, but when it succeeds it guarantees the temp file's
	// content survives a crash before the rename lands.
	_ = f.Sync()

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
