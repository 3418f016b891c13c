// Package acceptor implements the orchestrator: it owns the listening
// socket, accepts connections concurrently, and runs the per-session
// read/classify/engage loop. A panic or error inside one session's
// handler never stops the acceptor; other connections keep being served.
package acceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/honeypot/internal/audit"
	"github.com/tripwire/honeypot/internal/classify"
	"github.com/tripwire/honeypot/internal/engage"
	"github.com/tripwire/honeypot/internal/events"
	"github.com/tripwire/honeypot/internal/session"
	"github.com/tripwire/honeypot/internal/store"
)

// Banner is the SSH-style line sent to every accepted connection before
// the session loop begins reading. No real SSH handshake is performed.
const Banner = "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.10\n"

// Config bounds the acceptor's read heartbeat and per-session timeouts.
// ReadHeartbeat also governs the fake shell once a session hands off, so
// deadlines are checked on the same cadence throughout a connection's
// lifetime.
type Config struct {
	Addr              string
	ReadHeartbeat     time.Duration
	HardTimeout       time.Duration
	InactivityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadHeartbeat == 0 {
		c.ReadHeartbeat = 1 * time.Second
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 20 * time.Minute
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 3 * time.Minute
	}
	return c
}

// EventPublisher receives a fan-out copy of every classification a session
// emits, keyed by session ID. Implementations must not block; the acceptor
// calls PublishSessionEvent inline on the session's own goroutine. Wired to
// the dashboard's WebSocket broadcaster in cmd/honeypotd; a nil publisher
// disables fan-out entirely (the acceptor still runs standalone).
type EventPublisher interface {
	PublishSessionEvent(sessionID, tag string, data any, ts float64)
}

// Acceptor is the orchestrator. One Acceptor owns one listening socket.
type Acceptor struct {
	cfg        Config
	sessions   *session.Manager
	evidence   *store.Store
	classifier *classify.Classifier
	engine     *engage.Engine
	logger     *slog.Logger
	publisher  EventPublisher
	auditor    *audit.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	liveMu sync.Mutex
	live   map[string]net.Conn
}

// New builds an Acceptor. It does not start listening until Run is called.
func New(cfg Config, sessions *session.Manager, evidence *store.Store, classifier *classify.Classifier, logger *slog.Logger) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	engine := engage.NewEngine(evidence, engage.Config{
		HardTimeout:       cfg.HardTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
		ReadHeartbeat:     cfg.ReadHeartbeat,
	}, logger)

	return &Acceptor{
		cfg:        cfg,
		sessions:   sessions,
		evidence:   evidence,
		classifier: classifier,
		engine:     engine,
		logger:     logger,
		live:       make(map[string]net.Conn),
	}
}

// SetPublisher wires p as the destination for live classification fan-out.
// It must be called before Run to avoid a race with the first accepted
// connection.
func (a *Acceptor) SetPublisher(p EventPublisher) {
	a.publisher = p
}

// SetAuditor wires l as the destination for hash-chained milestone records.
// It must be called before Run to avoid a race with the first accepted
// connection. A nil auditor (the default) disables milestone recording.
func (a *Acceptor) SetAuditor(l *audit.Logger) {
	a.auditor = l
}

func (a *Acceptor) auditAppend(payload json.RawMessage) {
	if a.auditor == nil {
		return
	}
	if _, err := a.auditor.Append(payload); err != nil {
		a.logger.Error("acceptor: audit append failed", slog.Any("error", err))
	}
}

// LiveCount returns the number of sessions currently being handled.
func (a *Acceptor) LiveCount() int {
	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	return len(a.live)
}

// ForceClose closes the underlying connection of the session identified by
// id, if it is still live. The session's own handler goroutine observes the
// resulting read error and unwinds normally, recording its own closure.
// Reports whether a live session with that id was found.
func (a *Acceptor) ForceClose(id string) bool {
	a.liveMu.Lock()
	conn, ok := a.live[id]
	a.liveMu.Unlock()
	if !ok {
		return false
	}
	conn.Close()
	return true
}

func (a *Acceptor) registerLive(id string, conn net.Conn) {
	a.liveMu.Lock()
	a.live[id] = conn
	a.liveMu.Unlock()
}

func (a *Acceptor) unregisterLive(id string) {
	a.liveMu.Lock()
	delete(a.live, id)
	a.liveMu.Unlock()
}

// Run opens the listener and accepts connections until ctx is canceled.
// It blocks until every in-flight session handler has returned, so callers
// can rely on Run's return to mean "fully drained."
func (a *Acceptor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("acceptor: listen on %s: %w", a.cfg.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.Info("acceptor: listening", slog.String("addr", a.cfg.Addr))

	// Closing the listener is what unblocks Accept when ctx is canceled.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				a.wg.Wait()
				return nil
			default:
			}
			a.logger.Warn("acceptor: accept error", slog.Any("error", err))
			return fmt.Errorf("acceptor: accept: %w", err)
		}

		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn runs one session end to end. It recovers from any panic in
// the handler so that a single misbehaving connection can never take down
// the acceptor — per spec, the accept loop must remain available
// regardless of what happens inside a session.
func (a *Acceptor) handleConn(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("acceptor: session handler panic recovered", slog.Any("recover", r))
		}
	}()

	a.runSession(conn)
}

func (a *Acceptor) runSession(conn net.Conn) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	port, _ := strconv.Atoi(portStr)

	sess, err := a.sessions.New(context.Background(), host, port)
	if err != nil {
		a.logger.Error("acceptor: session allocation failed", slog.Any("error", err))
		return
	}
	defer a.sessions.Close(sess)

	a.registerLive(sess.ID, conn)
	defer a.unregisterLive(sess.ID)

	a.auditAppend(audit.SessionOpened(sess.ID, host, port))

	var lastLabel string
	var lineCount int
	defer func() {
		a.auditAppend(audit.SessionClosed(sess.ID, lastLabel, lineCount))
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err == nil {
		if _, err := conn.Write([]byte(Banner)); err != nil {
			// A failed banner write is logged but not fatal; the loop
			// proceeds and will simply fail on its own reads/writes.
			a.logger.Warn("acceptor: banner write failed", slog.String("session", sess.ID), slog.Any("error", err))
		}
	}
	conn.SetWriteDeadline(time.Time{})

	var usedFallback bool
	var pending []byte

	for {
		if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadHeartbeat)); err != nil {
			a.appendError(sess.Dir, "META_WRITE_FAILED|"+err.Error())
			return
		}

		chunk := make([]byte, 4096)
		n, err := conn.Read(chunk)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isExpectedTransportError(err) {
				return
			}
			a.appendError(sess.Dir, "ACCEPT_LOOP_FAILED|"+err.Error())
			return
		}
		pending = append(pending, chunk[:n]...)

		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(pending[:idx]), "\r")
			pending = pending[idx+1:]

			handedOff, fallback, label := a.processLine(conn, sess, line, usedFallback)
			usedFallback = usedFallback || fallback
			lastLabel = label
			lineCount++
			if handedOff {
				a.engine.Run(conn, sess.Dir)
				return
			}
		}
	}
}

// processLine appends the raw event, reclassifies the session, consults
// policy, and either hands off to the engagement engine or sends a canned
// reply. It returns handedOff=true when the caller must transfer the
// connection to the engine and stop reading itself.
func (a *Acceptor) processLine(conn net.Conn, sess *session.Session, line string, alreadyFellBack bool) (handedOff, usedFallback bool, label string) {
	if err := a.evidence.AppendEvent(sess.Dir, events.NewRecord(time.Now(), events.Raw{Line: line})); err != nil {
		a.appendError(sess.Dir, "META_WRITE_FAILED|"+err.Error())
	}

	meta, err := a.evidence.ReadMeta(sess.Dir)
	if err != nil {
		a.appendError(sess.Dir, "META_WRITE_FAILED|"+err.Error())
		return false, false, ""
	}

	features := classify.Extract(meta.Events)
	result := a.classifier.Classify(features)
	if result.UsedFallback && !alreadyFellBack {
		a.appendError(sess.Dir, "CLASSIFIER_FALLBACK")
		usedFallback = true
	}

	vector := classify.VectorFor(line)
	level := engage.DecideEngagement(result.Label, result.Confidence)
	forced := engage.ForcedHandoff(line)
	if forced {
		level = engage.LevelHigh
	}

	a.emitClassification(sess.ID, sess.Dir, result.Label, result.Confidence, vector, level)

	if forced {
		a.auditAppend(audit.ForcedHandoff(sess.ID, "forced handoff pattern matched in input"))
		a.saveForcedHandoffPayload(sess.ID, sess.Dir, line)
	}

	if level == engage.LevelHigh {
		a.appendRecord(sess.Dir, events.Action{Name: "HANDOFF_TO_HIGH_ENGAGEMENT"})
		return true, usedFallback, result.Label
	}

	engage.ChunkedSend(conn, []byte(fakeResponseFor(line)), engage.DefaultChunkSize, engage.DefaultMinDelay, engage.DefaultMaxDelay)
	return false, usedFallback, result.Label
}

// emitClassification writes both the structured and legacy forms of a
// classification event, per the dual-encoding requirement: human-readable
// tails for operators to skim, machine-readable JSON for consumers that
// parse without regex.
func (a *Acceptor) emitClassification(sessionID, dir, label string, confidence float64, vector, engagement string) {
	data := map[string]any{
		"label":      label,
		"confidence": confidence,
		"vector":     vector,
		"engagement": engagement,
	}
	a.appendRecord(dir, events.StructEvent{Type: "classification", Data: data})
	a.appendRecord(dir, events.Classification{
		Label:      label,
		Confidence: confidence,
		Vector:     vector,
		Engagement: engagement,
	})

	if a.publisher != nil {
		a.publisher.PublishSessionEvent(sessionID, string(events.TagClass), data, float64(time.Now().UnixNano())/1e9)
	}
}

// saveForcedHandoffPayload extracts a URL from line (or falls back to the
// full line) and persists it as a payload placeholder, emitting both
// PAYLOAD_DETECTED and PAYLOAD_SAVED events.
func (a *Acceptor) saveForcedHandoffPayload(sessionID, dir, line string) {
	url := extractURL(line)
	hint := url
	if hint == "" {
		hint = line
	}

	a.appendRecord(dir, events.PayloadDetected{URL: hint})

	meta, err := a.evidence.SavePayload(dir, []byte(hint), "")
	if err != nil {
		a.appendError(dir, "PAYLOAD_SAVE_FAILED|"+err.Error())
		return
	}
	a.appendRecord(dir, events.PayloadSaved{
		File:    meta.File,
		Path:    meta.Path,
		SHA256:  meta.SHA256,
		Size:    meta.Size,
		SavedTS: meta.SavedTS,
	})
	a.auditAppend(audit.PayloadSaved(sessionID, meta.SHA256, meta.Size))
}

func (a *Acceptor) appendRecord(dir string, v events.Variant) {
	if err := a.evidence.AppendEvent(dir, events.NewRecord(time.Now(), v)); err != nil {
		a.logger.Error("acceptor: append event failed", slog.String("dir", dir), slog.Any("error", err))
	}
}

func (a *Acceptor) appendError(dir, detail string) {
	a.appendRecord(dir, events.Error{Detail: detail})
}

// Shutdown closes the listening socket if it is open, causing Run's
// Accept loop to return. Existing sessions are left to finish naturally.
func (a *Acceptor) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		a.listener.Close()
	}
}
