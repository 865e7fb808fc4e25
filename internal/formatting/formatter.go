// Package formatting decodes raw message events into displayable revision units.
package formatting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	pathNewContent = `m\.new_content`
	pathRelType    = `m\.relates_to.rel_type`
	relTypeReplace = "m.replace"
	formatHTML     = "org.matrix.custom.html"
	defaultMsgType = "m.text"
	editMarker     = "* "
)

var (
	// ErrEmptyContent indicates an event without any displayable body.
	ErrEmptyContent = errors.New("formatting: empty content")
	// ErrUnsupportedEventType indicates an event that is not a room message.
	ErrUnsupportedEventType = errors.New("formatting: unsupported event type")
)

// Config describes the formatter dependencies. Keys may be nil when no room is encrypted.
type Config struct {
	Keys   *KeyRing
	Logger *zap.Logger
}

// Formatter implements history.Formatter for m.room.message events, decrypting
// m.room.encrypted envelopes first.
type Formatter struct {
	keys   *KeyRing
	logger *zap.Logger
}

// NewFormatter constructs a Formatter.
func NewFormatter(cfg Config) *Formatter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{keys: cfg.Keys, logger: logger}
}

// FormatRevision decodes revision into a unit. It never returns a partial unit.
func (f *Formatter) FormatRevision(ctx context.Context, revision history.RawRevision, anchor *history.RawRevision) (history.RevisionUnit, error) {
	if err := ctx.Err(); err != nil {
		return history.RevisionUnit{}, err
	}

	eventType, content, err := f.decode(revision)
	if err != nil {
		return history.RevisionUnit{}, err
	}
	if eventType != history.EventTypeMessage {
		return history.RevisionUnit{}, fmt.Errorf("%w: %w: %q", history.ErrUnparsable, ErrUnsupportedEventType, eventType)
	}

	rendered, err := render(content)
	if err != nil {
		return history.RevisionUnit{}, err
	}

	rendered.SenderID = strings.TrimSpace(revision.SenderID)
	if rendered.SenderID == "" && anchor != nil {
		rendered.SenderID = anchor.SenderID
	}

	return history.RevisionUnit{
		EventID:   revision.EventID,
		Timestamp: revision.OriginServerTS,
		Content:   rendered,
	}, nil
}

func (f *Formatter) decode(revision history.RawRevision) (string, []byte, error) {
	if !gjson.ValidBytes(revision.Content) {
		return "", nil, fmt.Errorf("%w: invalid json content", history.ErrUnparsable)
	}
	if !revision.Encrypted() {
		return revision.Type, revision.Content, nil
	}

	if f.keys == nil {
		return "", nil, fmt.Errorf("%w: %w", history.ErrUndecryptable, ErrMissingKey)
	}
	var envelope EncryptedContent
	if err := json.Unmarshal(revision.Content, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %v", history.ErrUndecryptable, err)
	}
	plaintext, err := f.keys.Open(revision.RoomID, envelope)
	if err != nil {
		f.logger.Debug("revision decryption failed",
			zap.String("event_id", revision.EventID),
			zap.String("room_id", revision.RoomID),
			zap.Error(err))
		return "", nil, fmt.Errorf("%w: %w", history.ErrUndecryptable, err)
	}
	if !gjson.ValidBytes(plaintext) {
		return "", nil, fmt.Errorf("%w: invalid decrypted event", history.ErrUnparsable)
	}
	inner := gjson.ParseBytes(plaintext)
	return inner.Get("type").String(), []byte(inner.Get("content").Raw), nil
}

func render(content []byte) (history.RenderedContent, error) {
	parsed := gjson.ParseBytes(content)
	if !parsed.IsObject() {
		return history.RenderedContent{}, fmt.Errorf("%w: content is not an object", history.ErrUnparsable)
	}

	source := parsed
	isEdit := parsed.Get(pathRelType).String() == relTypeReplace
	if replacement := parsed.Get(pathNewContent); isEdit && replacement.IsObject() {
		source = replacement
	}

	body := source.Get("body").String()
	if isEdit && source.Raw == parsed.Raw {
		body = strings.TrimPrefix(body, editMarker)
	}
	html := ""
	if source.Get("format").String() == formatHTML {
		html = source.Get("formatted_body").String()
	}
	if strings.TrimSpace(body) == "" && strings.TrimSpace(html) == "" {
		return history.RenderedContent{}, fmt.Errorf("%w: %w", history.ErrUnparsable, ErrEmptyContent)
	}

	msgType := source.Get("msgtype").String()
	if msgType == "" {
		msgType = parsed.Get("msgtype").String()
	}
	if msgType == "" {
		msgType = defaultMsgType
	}

	return history.RenderedContent{
		MsgType: msgType,
		Body:    body,
		HTML:    html,
	}, nil
}
