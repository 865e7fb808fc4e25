package revisions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("revisions: invalid room id")
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("revisions: invalid event id")
	// ErrInvalidSenderID indicates that a sender identifier is empty or exceeds storage bounds.
	ErrInvalidSenderID = errors.New("revisions: invalid sender id")
	// ErrInvalidEventType indicates an event type other than a message or encrypted message.
	ErrInvalidEventType = errors.New("revisions: invalid event type")
	// ErrInvalidContent indicates that event content is not a JSON object.
	ErrInvalidContent = errors.New("revisions: invalid content")
	// ErrInvalidCursor indicates a pagination token that was not issued by this store.
	ErrInvalidCursor = errors.New("revisions: invalid cursor")
	// ErrMessageNotFound indicates that the target message does not exist in the room.
	ErrMessageNotFound = errors.New("revisions: message not found")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRoomID)
	return RoomID(value), err
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidEventID)
	return EventID(value), err
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// SenderID represents a validated sender identifier.
type SenderID string

// NewSenderID validates raw input and returns a SenderID.
func NewSenderID(rawInput string) (SenderID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidSenderID)
	return SenderID(value), err
}

// String returns the underlying string identifier.
func (id SenderID) String() string {
	return string(id)
}

// NewEventType accepts plaintext and encrypted message event types; empty means plaintext.
func NewEventType(rawInput string) (string, error) {
	switch strings.TrimSpace(rawInput) {
	case "", history.EventTypeMessage:
		return history.EventTypeMessage, nil
	case history.EventTypeEncrypted:
		return history.EventTypeEncrypted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, rawInput)
	}
}

// NewContentJSON validates that raw is a JSON object.
func NewContentJSON(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &object); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return trimmed, nil
}

// Message is the persisted original event that edits relate to.
type Message struct {
	EventID              string `gorm:"column:event_id;primaryKey;size:190;not null"`
	RoomID               string `gorm:"column:room_id;size:190;not null;index:idx_messages_room"`
	SenderID             string `gorm:"column:sender_id;size:190;not null"`
	EventType            string `gorm:"column:event_type;size:64;not null"`
	ContentJSON          string `gorm:"column:content_json;type:text;not null"`
	OriginServerTSMillis int64  `gorm:"column:origin_server_ts_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Edit is one persisted replacement event. Sequence orders edits by arrival.
type Edit struct {
	Sequence             int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	EventID              string `gorm:"column:event_id;size:190;not null;uniqueIndex"`
	RoomID               string `gorm:"column:room_id;size:190;not null;index:idx_edits_target,priority:1"`
	RelatesTo            string `gorm:"column:relates_to;size:190;not null;index:idx_edits_target,priority:2"`
	EventType            string `gorm:"column:event_type;size:64;not null;default:'';index:idx_edits_target,priority:3"`
	SenderID             string `gorm:"column:sender_id;size:190;not null"`
	ContentJSON          string `gorm:"column:content_json;type:text;not null"`
	OriginServerTSMillis int64  `gorm:"column:origin_server_ts_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Edit) TableName() string {
	return "message_edits"
}

// MessageRequest describes an original message to store.
type MessageRequest struct {
	RoomID         RoomID
	SenderID       SenderID
	EventType      string
	ContentJSON    string
	OriginServerTS time.Time
}

// EditRequest describes a replacement event for an existing message.
type EditRequest struct {
	RoomID         RoomID
	MessageID      EventID
	SenderID       SenderID
	EventType      string
	ContentJSON    string
	OriginServerTS time.Time
}

// EditQuery selects one page of edits, walking backward from From.
type EditQuery struct {
	RoomID    RoomID
	MessageID EventID
	Encrypted bool
	From      string
	Limit     int
}

// EditPage holds edits oldest first. NextCursor is empty once no older edits remain.
type EditPage struct {
	Edits      []Edit
	NextCursor string
	Original   Message
}

func timestampMillis(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func timeFromMillis(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
