package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trapline-labs/trapline/internal/store"
)

// Honeypot event identifiers (Cowrie vocabulary).
const (
	EventConnect     = "cowrie.session.connect"
	EventLoginOK     = "cowrie.login.success"
	EventLoginFailed = "cowrie.login.failed"
	EventCommand     = "cowrie.command.input"
	EventDownload    = "cowrie.session.file_download"
	EventFingerprint = "cowrie.client.fingerprint"
	EventClosed      = "cowrie.session.closed"
)

// ErrMalformedEvent marks payloads that cannot be coalesced and were routed
// to the dead-letter sink.
var ErrMalformedEvent = errors.New("session: malformed event payload")

// Event is one decoded honeypot log line. Only the fields the summarizer
// consumes are mapped; the full payload stays in raw_events.
type Event struct {
	Session   string    `json:"session"`
	EventID   string    `json:"eventid"`
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`

	Username    string `json:"username"`
	Password    string `json:"password"`
	Input       string `json:"input"`
	SHASum      string `json:"shasum"`
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

// ParsePayload decodes and validates one event payload.
func ParsePayload(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Session == "" || ev.EventID == "" || ev.SrcIP == "" {
		return nil, fmt.Errorf("%w: missing session, eventid or src_ip", ErrMalformedEvent)
	}
	if ev.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return &ev, nil
}

// FilePosition identifies where in a log file a line came from. Together with
// the payload it forms the raw-event identity.
type FilePosition struct {
	Path       string
	Inode      int64
	Generation int64
	Offset     int64
}

// NewRawEvent builds the immutable raw-event row for one log line.
func NewRawEvent(payload []byte, pos FilePosition, ingestedAt time.Time) (*store.RawEvent, *Event, error) {
	ev, err := ParsePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(payload)
	return &store.RawEvent{
		SourcePath:     pos.Path,
		ByteOffset:     pos.Offset,
		Inode:          pos.Inode,
		Generation:     pos.Generation,
		Payload:        json.RawMessage(payload),
		PayloadHash:    hex.EncodeToString(sum[:]),
		SessionID:      ev.Session,
		EventType:      ev.EventID,
		EventTimestamp: ev.Timestamp.UTC(),
		IngestedAt:     ingestedAt.UTC(),
	}, ev, nil
}
