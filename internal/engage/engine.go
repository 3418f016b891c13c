package engage

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/tripwire/honeypot/internal/events"
	"github.com/tripwire/honeypot/internal/store"
)

// Config bounds the fake shell's lifetime. Defaults match spec: a 20
// minute hard cap from handoff and a 3 minute inactivity cap, checked at
// least once per ReadHeartbeat.
type Config struct {
	HardTimeout       time.Duration
	InactivityTimeout time.Duration
	ReadHeartbeat     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HardTimeout == 0 {
		c.HardTimeout = 20 * time.Minute
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 3 * time.Minute
	}
	if c.ReadHeartbeat == 0 {
		c.ReadHeartbeat = 1 * time.Second
	}
	return c
}

const (
	welcomeBanner = "Welcome to Ubuntu 16.04.7 LTS (GNU/Linux 4.15.0-99)\n"
	prompt        = "root@fakehost:~# "
	unameString   = "Linux fakehost 4.15.0-99-generic #100~16.04.1 SMP Tue Nov 2 12:34:56 UTC 2021 x86_64 GNU/Linux\n"
	psListing     = "USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND\n" +
		"root         1  0.0  0.1  22568  4100 ?        Ss   Nov01   0:01 /sbin/init\n" +
		"root      2345  0.1  0.3 123456 10344 ?        Ssl  Nov01   0:12 /usr/bin/fake-service\n"
	initialCwd = "/root"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Engine runs the fake interactive shell once the connection is handed
// off from the acceptor. It takes sole ownership of the socket until the
// session ends.
type Engine struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// NewEngine builds an Engine backed by evidence for appending events.
func NewEngine(evidence *store.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: evidence, cfg: cfg.withDefaults(), logger: logger}
}

// Run drives the WELCOME -> READ -> DISPATCH state machine against conn,
// recording every transition to dir's event log. It returns once the
// session has ended for any reason; the caller must close conn afterward.
func (e *Engine) Run(conn net.Conn, dir string) {
	start := time.Now()
	e.appendHigh(dir, "START")

	if !send(conn, welcomeBanner) {
		e.appendHigh(dir, "CLIENT_CLOSED_BEFORE_START")
		e.appendHigh(dir, "END")
		return
	}
	if !send(conn, prompt) {
		e.appendHigh(dir, "CLIENT_CLOSED_BEFORE_PROMPT")
		e.appendHigh(dir, "END")
		return
	}

	cwd := initialCwd
	lastActivity := start
	var buf []byte
	readBuf := make([]byte, 4096)

	for {
		if time.Since(start) > e.cfg.HardTimeout {
			e.appendHigh(dir, "TIMEOUT_CLOSING")
			break
		}
		if time.Since(lastActivity) > e.cfg.InactivityTimeout {
			e.appendHigh(dir, "INACTIVITY_CLOSING")
			break
		}

		if err := conn.SetReadDeadline(time.Now().Add(e.cfg.ReadHeartbeat)); err != nil {
			e.appendError(dir, "HIGH_ENGAGEMENT_FAILED|"+err.Error())
			break
		}

		n, err := conn.Read(readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF || isTransportError(err) {
				break // expected: peer closed or reset, no event needed
			}
			e.appendError(dir, "HIGH_ENGAGEMENT_FAILED|"+err.Error())
			break
		}
		if n == 0 {
			continue
		}
		buf = append(buf, readBuf[:n]...)

		done, exited := e.dispatchLines(conn, dir, &buf, &cwd, &lastActivity)
		if exited {
			return
		}
		if !done {
			break
		}
	}

	e.appendHigh(dir, "END")
	send(conn, "\nConnection closed by remote host.\n")
}

// dispatchLines processes every complete newline-terminated command
// currently in buf. It returns exited=true when the session has already
// concluded (and the caller must not append another END marker caused by
// the read loop), and done=false when a write failure means the caller
// should stop the outer loop (an END marker is still pending).
func (e *Engine) dispatchLines(conn net.Conn, dir string, buf *[]byte, cwd *string, lastActivity *time.Time) (done, exited bool) {
	for {
		idx := bytes.IndexByte(*buf, '\n')
		if idx < 0 {
			return true, false
		}
		line := strings.TrimSpace(string((*buf)[:idx]))
		*buf = (*buf)[idx+1:]
		*lastActivity = time.Now()

		e.appendRecord(dir, events.AttackerCmd{Line: line})

		lower := strings.ToLower(line)
		var ok bool

		switch {
		case strings.HasPrefix(lower, "exit"), strings.HasPrefix(lower, "logout"):
			send(conn, "logout\n")
			e.appendHigh(dir, "ATTACKER_EXIT")
			e.appendHigh(dir, "END")
			return true, true

		case strings.HasPrefix(lower, "ls"):
			ok = send(conn, listDir(*cwd))

		case strings.HasPrefix(lower, "cat "):
			target := strings.TrimSpace(line[4:])
			if !strings.HasPrefix(target, "/") {
				target = strings.TrimRight(*cwd, "/") + "/" + target
			}
			content, found := catFile(target)
			if !found {
				ok = send(conn, fmt.Sprintf("cat: %s: No such file or directory\n", target))
			} else {
				ok = send(conn, content)
			}

		case strings.HasPrefix(lower, "uname"):
			ok = send(conn, unameString)

		case strings.HasPrefix(lower, "whoami"), strings.HasPrefix(lower, "id"):
			ok = send(conn, "root\n")

		case strings.Contains(lower, "ps aux"), strings.HasPrefix(lower, "ps"):
			ok = send(conn, psListing)

		case strings.Contains(lower, "wget"), strings.Contains(lower, "curl"):
			ok = e.handleDownload(conn, dir, line)

		default:
			ok = send(conn, fmt.Sprintf("-bash: %s: command not found\n", line))
		}

		if !ok {
			e.appendHigh(dir, "CLIENT_DISCONNECTED")
			e.appendHigh(dir, "END")
			return true, true
		}

		time.Sleep(randomDuration(200*time.Millisecond, 700*time.Millisecond))
		if !send(conn, prompt) {
			e.appendHigh(dir, "CLIENT_DISCONNECTED_AFTER_PROMPT")
			e.appendHigh(dir, "END")
			return true, true
		}
	}
}

// handleDownload extracts the first http(s):// URL in line (falling back
// to the full line when none is found), saves a payload placeholder whose
// bytes are that URL or line, and emits the PAYLOAD_DETECTED /
// PAYLOAD_SAVED events.
func (e *Engine) handleDownload(conn net.Conn, dir, line string) bool {
	url := urlPattern.FindString(line)
	hint := url
	if hint == "" {
		hint = line
	}

	e.appendRecord(dir, events.PayloadDetected{URL: hint})

	meta, err := e.store.SavePayload(dir, []byte(hint), "")
	if err != nil {
		e.appendError(dir, "PAYLOAD_SAVE_FAILED|"+err.Error())
	} else {
		e.appendRecord(dir, events.PayloadSaved{
			File:    meta.File,
			Path:    meta.Path,
			SHA256:  meta.SHA256,
			Size:    meta.Size,
			SavedTS: meta.SavedTS,
		})
	}

	return send(conn, fmt.Sprintf("Attempted download from %s (placeholder saved)\n", hint))
}

func (e *Engine) appendRecord(dir string, v events.Variant) {
	if err := e.store.AppendEvent(dir, events.NewRecord(time.Now(), v)); err != nil {
		e.logger.Error("engage: append event failed", slog.String("dir", dir), slog.Any("error", err))
	}
}

func (e *Engine) appendHigh(dir, reason string) {
	e.appendRecord(dir, events.HighEngagement{Reason: reason})
}

func (e *Engine) appendError(dir, detail string) {
	e.appendRecord(dir, events.Error{Detail: detail})
}

// isTransportError reports whether err represents an expected peer-side
// disconnect (reset, broken pipe, connection aborted) that should close
// the session quietly without an [ERROR] event.
func isTransportError(err error) bool {
	msg := err.Error()
	for _, needle := range []string{
		"connection reset",
		"broken pipe",
		"connection aborted",
		"use of closed network connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
