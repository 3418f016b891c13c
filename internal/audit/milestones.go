package audit

import "encoding/json"

// Milestone event kinds recorded to the hash-chained ledger at the handful
// of points in a session's life an operator audit cares about: not every
// line of traffic, just the moments that change a session's disposition.
const (
	KindSessionOpened = "SESSION_OPENED"
	KindForcedHandoff = "FORCED_HANDOFF"
	KindPayloadSaved  = "PAYLOAD_SAVED"
	KindSessionClosed = "SESSION_CLOSED"
)

// milestone is the common envelope every milestone payload shares, so that
// a reader scanning the ledger can dispatch on Kind without first parsing
// the kind-specific fields.
type milestone struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
}

// SessionOpened returns a ledger payload recording that sessionID began
// accepting a connection from the given source address.
func SessionOpened(sessionID, srcIP string, srcPort int) json.RawMessage {
	return mustMarshal(struct {
		milestone
		SrcIP   string `json:"src_ip"`
		SrcPort int    `json:"src_port"`
	}{
		milestone: milestone{Kind: KindSessionOpened, SessionID: sessionID},
		SrcIP:     srcIP,
		SrcPort:   srcPort,
	})
}

// ForcedHandoff returns a ledger payload recording that sessionID was
// forced into high engagement, either by a forced-handoff pattern match or
// by an operator's ForceCloseSession-adjacent decision.
func ForcedHandoff(sessionID, reason string) json.RawMessage {
	return mustMarshal(struct {
		milestone
		Reason string `json:"reason"`
	}{
		milestone: milestone{Kind: KindForcedHandoff, SessionID: sessionID},
		Reason:    reason,
	})
}

// PayloadSaved returns a ledger payload recording that a payload artifact
// was written to the evidence store for sessionID.
func PayloadSaved(sessionID, sha256Hex string, size int64) json.RawMessage {
	return mustMarshal(struct {
		milestone
		SHA256 string `json:"sha256"`
		Size   int64  `json:"size"`
	}{
		milestone: milestone{Kind: KindPayloadSaved, SessionID: sessionID},
		SHA256:    sha256Hex,
		Size:      size,
	})
}

// SessionClosed returns a ledger payload recording that sessionID ended,
// with the final classification label that was in effect at close.
func SessionClosed(sessionID, label string, eventCount int) json.RawMessage {
	return mustMarshal(struct {
		milestone
		Label      string `json:"label"`
		EventCount int    `json:"event_count"`
	}{
		milestone: milestone{Kind: KindSessionClosed, SessionID: sessionID},
		Label:      label,
		EventCount: eventCount,
	})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every milestone payload above is built from static string/int/
		// float fields; marshaling cannot fail.
		panic("audit: marshal milestone: " + err.Error())
	}
	return b
}
