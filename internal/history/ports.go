package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	// EventTypeMessage is the plaintext message event type.
	EventTypeMessage = "m.room.message"
	// EventTypeEncrypted is the event type of end-to-end protected events.
	EventTypeEncrypted = "m.room.encrypted"
)

var (
	// ErrUndecryptable reports a revision whose payload could not be decrypted.
	ErrUndecryptable = errors.New("history: revision undecryptable")
	// ErrUnparsable reports a revision whose payload is not a readable event.
	ErrUnparsable = errors.New("history: revision unparsable")
)

// RawRevision is an undecoded event as returned by the fetch port.
type RawRevision struct {
	EventID        string
	RoomID         string
	SenderID       string
	Type           string
	Content        json.RawMessage
	OriginServerTS time.Time
}

// Encrypted reports whether the content must be decrypted before it can be read.
func (r RawRevision) Encrypted() bool {
	return r.Type == EventTypeEncrypted
}

// FetchRequest describes one page request against the fetch port.
type FetchRequest struct {
	MessageID string
	RoomID    string
	Encrypted bool
	From      Cursor
	Limit     int
}

// Page is one page of edits. Revisions are ordered oldest first within the page.
// Original is the unedited message; it is only consulted once NextCursor is absent.
type Page struct {
	Revisions  []RawRevision
	NextCursor Cursor
	Original   *RawRevision
}

// Fetcher retrieves pages of edits for a message.
type Fetcher interface {
	FetchEdits(ctx context.Context, request FetchRequest) (Page, error)
}

// Formatter turns a raw revision into a displayable unit. The anchor is the original
// message when known and may be nil.
type Formatter interface {
	FormatRevision(ctx context.Context, revision RawRevision, anchor *RawRevision) (RevisionUnit, error)
}

// SessionKey identifies a history session.
type SessionKey struct {
	RoomID    string
	MessageID string
}

// Coordinator is told when a session's view may be dismissed.
type Coordinator interface {
	SessionEnded(key SessionKey)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(key SessionKey)

// SessionEnded calls f(key).
func (f CoordinatorFunc) SessionEnded(key SessionKey) {
	f(key)
}
