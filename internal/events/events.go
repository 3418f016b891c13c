// Package events defines the honeypot's event model: the typed sum type
// that every component appends to a session's event log, and its dual
// serialization to the legacy `[TAG]=<payload>` string form consumers
// already parse.
//
// A dynamic, dict-valued event in the original implementation becomes a
// typed Variant here — one of Raw, AttackerCmd, Classification, Action,
// PayloadDetected, PayloadSaved, HighEngagement, or Error — each rendering
// itself to the on-disk text form stored in meta.json's events array.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tag identifies the bracketed prefix of a structured event's text.
type Tag string

const (
	TagClass           Tag = "CLASS"
	TagAction          Tag = "ACTION"
	TagStructEvent     Tag = "STRUCT_EVENT"
	TagHighEngagement  Tag = "HIGH_ENGAGEMENT"
	TagPayloadDetected Tag = "PAYLOAD_DETECTED"
	TagPayloadSaved    Tag = "PAYLOAD_SAVED"
	TagError           Tag = "ERROR"
)

// Record is the on-disk shape of one entry in meta.json's events array:
// a monotonic timestamp and the rendered text of a Variant.
type Record struct {
	Ts   float64 `json:"ts"`
	Text string  `json:"text"`
}

// Variant is a typed event payload that knows how to render itself to the
// legacy `[TAG]=<payload>` (or plain-line) text form.
type Variant interface {
	Render() string
}

// NewRecord stamps v with ts (seconds since the Unix epoch, fractional) and
// renders it to a Record ready for appending to a session's event log.
func NewRecord(ts time.Time, v Variant) Record {
	return Record{
		Ts:   float64(ts.UnixNano()) / 1e9,
		Text: v.Render(),
	}
}

// Raw is a verbatim attacker input line or an internal note, stored with no
// tag prefix.
type Raw struct {
	Line string
}

func (r Raw) Render() string { return r.Line }

// AttackerCmd records one complete line dispatched to the fake shell.
type AttackerCmd struct {
	Line string
}

func (a AttackerCmd) Render() string { return "ATTACKER_CMD: " + a.Line }

// Classification is the legacy `[CLASS]=label|confidence|ENG=level` form
// emitted alongside a StructEvent carrying the same data as JSON.
type Classification struct {
	Label      string
	Confidence float64
	Vector     string
	Engagement string
}

func (c Classification) Render() string {
	return fmt.Sprintf("[CLASS]=%s|%.2f|ENG=%s", c.Label, c.Confidence, c.Engagement)
}

// StructEventBody is the decoded JSON payload of a STRUCT_EVENT record.
type StructEventBody struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StructEvent is the machine-readable counterpart to Classification (or any
// other tagged event): the same fields, serialized as JSON inside a
// `[STRUCT_EVENT]=` envelope so consumers never need to regex the legacy
// forms.
type StructEvent struct {
	Type string
	Data any
}

func (s StructEvent) Render() string {
	b, err := json.Marshal(StructEventBody{Type: s.Type, Data: s.Data})
	if err != nil {
		// Data is always a plain struct/map built by this package; a
		// marshal failure here means a programming error upstream.
		return fmt.Sprintf("[STRUCT_EVENT]={\"type\":%q,\"data\":null}", s.Type)
	}
	return "[STRUCT_EVENT]=" + string(b)
}

// Action marks a control-flow transition, e.g. handoff to the engagement
// engine.
type Action struct {
	Name string
}

func (a Action) Render() string { return "[ACTION]=" + a.Name }

// PayloadDetected records the URL (or raw line, if no URL was found) that
// triggered a forced handoff.
type PayloadDetected struct {
	URL string
}

func (p PayloadDetected) Render() string { return "[PAYLOAD_DETECTED]=" + p.URL }

// PayloadSaved carries the metadata returned by the evidence store after a
// payload blob was written to disk.
type PayloadSaved struct {
	File     string  `json:"file"`
	Path     string  `json:"path"`
	SHA256   string  `json:"sha256"`
	Size     int64   `json:"size"`
	SavedTS  float64 `json:"saved_ts"`
}

func (p PayloadSaved) Render() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "[PAYLOAD_SAVED]={}"
	}
	return "[PAYLOAD_SAVED]=" + string(b)
}

// HighEngagement marks a state transition inside the fake shell (START,
// ATTACKER_EXIT, TIMEOUT_CLOSING, INACTIVITY_CLOSING, END, ...).
type HighEngagement struct {
	Reason string
}

func (h HighEngagement) Render() string { return "[HIGH_ENGAGEMENT]=" + h.Reason }

// Error records a recovered failure. Detail is free-form, conventionally
// "<KIND>|<message>" (e.g. "PAYLOAD_SAVE_FAILED|permission denied").
type Error struct {
	Detail string
}

func (e Error) Render() string { return "[ERROR]=" + e.Detail }

// Parse splits a record's text back into a tag and payload when it carries
// a `[TAG]=<payload>` prefix. It returns ok=false for plain lines and
// ATTACKER_CMD entries, which carry no tag.
//
// Parse exists for readers (the REST API, tests) that need to interpret
// events already on disk; writers should always prefer constructing a
// Variant and calling Render, never building the string by hand.
func Parse(text string) (tag Tag, payload string, ok bool) {
	if !strings.HasPrefix(text, "[") {
		return "", "", false
	}
	end := strings.Index(text, "]=")
	if end < 0 {
		return "", "", false
	}
	return Tag(text[1:end]), text[end+2:], true
}

// ParseClassification extracts the fields of a legacy `[CLASS]=` payload.
// It is the inverse of Classification.Render, used by readers that only
// have the legacy text form available (older dashboards, tests asserting
// against the S1 end-to-end scenario).
func ParseClassification(payload string) (label string, confidence float64, engagement string, err error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("events: malformed CLASS payload %q", payload)
	}
	confidence, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("events: malformed CLASS confidence in %q: %w", payload, err)
	}
	engagement = strings.TrimPrefix(parts[2], "ENG=")
	return parts[0], confidence, engagement, nil
}
