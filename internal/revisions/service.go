package revisions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxPageLimit bounds the number of edits returned by one ListEdits call.
	MaxPageLimit = 100
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "revisions.service.new"
	opCreateMessage  = "revisions.create_message"
	opAppendEdit     = "revisions.append_edit"
	opListEdits      = "revisions.list_edits"
	opGetMessage     = "revisions.get_message"
	reasonQueryFails = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service persists original messages and their replacement events.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateMessage stores an original message and returns it with its assigned event id.
func (s *Service) CreateMessage(ctx context.Context, request MessageRequest) (Message, error) {
	eventType, err := NewEventType(request.EventType)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_event_type", err)
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err, zap.String("room_id", request.RoomID.String()))
		return Message{}, newServiceError(opCreateMessage, "id_generation_failed", err)
	}

	message := Message{
		EventID:              eventID,
		RoomID:               request.RoomID.String(),
		SenderID:             request.SenderID.String(),
		EventType:            eventType,
		ContentJSON:          request.ContentJSON,
		OriginServerTSMillis: timestampMillis(s.originTimestamp(request.OriginServerTS)),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opCreateMessage, "insert_failed", err,
			zap.String("room_id", message.RoomID),
			zap.String("event_id", message.EventID))
		return Message{}, newServiceError(opCreateMessage, "insert_failed", err)
	}
	return message, nil
}

// AppendEdit stores a replacement event for an existing message in the same room.
func (s *Service) AppendEdit(ctx context.Context, request EditRequest) (Edit, error) {
	eventType, err := NewEventType(request.EventType)
	if err != nil {
		return Edit{}, newServiceError(opAppendEdit, "invalid_event_type", err)
	}

	var edit Edit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findMessage(tx, opAppendEdit, request.RoomID, request.MessageID); err != nil {
			return err
		}
		eventID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppendEdit, "id_generation_failed", err, zap.String("message_id", request.MessageID.String()))
			return newServiceError(opAppendEdit, "id_generation_failed", err)
		}
		edit = Edit{
			EventID:              eventID,
			RoomID:               request.RoomID.String(),
			RelatesTo:            request.MessageID.String(),
			EventType:            eventType,
			SenderID:             request.SenderID.String(),
			ContentJSON:          request.ContentJSON,
			OriginServerTSMillis: timestampMillis(s.originTimestamp(request.OriginServerTS)),
		}
		if err := tx.Create(&edit).Error; err != nil {
			s.logError(opAppendEdit, "insert_failed", err,
				zap.String("room_id", edit.RoomID),
				zap.String("message_id", edit.RelatesTo))
			return newServiceError(opAppendEdit, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Edit{}, txErr
	}
	return edit, nil
}

// GetMessage loads one original message.
func (s *Service) GetMessage(ctx context.Context, roomID RoomID, messageID EventID) (Message, error) {
	return s.findMessage(s.db.WithContext(ctx), opGetMessage, roomID, messageID)
}

// ListEdits returns one page of edits walking from the newest toward the oldest.
// Each page is returned oldest first with the original message attached.
func (s *Service) ListEdits(ctx context.Context, query EditQuery) (EditPage, error) {
	before, err := decodeCursor(query.From)
	if err != nil {
		return EditPage{}, newServiceError(opListEdits, "invalid_cursor", err)
	}
	limit := clampLimit(query.Limit)

	db := s.db.WithContext(ctx)
	original, err := s.findMessage(db, opListEdits, query.RoomID, query.MessageID)
	if err != nil {
		return EditPage{}, err
	}

	eventType := history.EventTypeMessage
	if query.Encrypted {
		eventType = history.EventTypeEncrypted
	}

	statement := db.Where("room_id = ? AND relates_to = ? AND event_type = ?",
		query.RoomID.String(), query.MessageID.String(), eventType)
	if before > 0 {
		statement = statement.Where("sequence < ?", before)
	}

	var edits []Edit
	if err := statement.Order("sequence DESC").Limit(limit + 1).Find(&edits).Error; err != nil {
		s.logError(opListEdits, reasonQueryFails, err,
			zap.String("room_id", query.RoomID.String()),
			zap.String("message_id", query.MessageID.String()))
		return EditPage{}, newServiceError(opListEdits, reasonQueryFails, err)
	}

	hasMore := len(edits) > limit
	if hasMore {
		edits = edits[:limit]
	}
	for left, right := 0, len(edits)-1; left < right; left, right = left+1, right-1 {
		edits[left], edits[right] = edits[right], edits[left]
	}

	page := EditPage{Edits: edits, Original: original}
	if hasMore {
		page.NextCursor = encodeCursor(edits[0].Sequence)
	}
	return page, nil
}

func (s *Service) findMessage(db *gorm.DB, operation string, roomID RoomID, messageID EventID) (Message, error) {
	var message Message
	err := db.Where("room_id = ? AND event_id = ?", roomID.String(), messageID.String()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, newServiceError(operation, "message_not_found", ErrMessageNotFound)
	}
	if err != nil {
		s.logError(operation, "message_select_failed", err,
			zap.String("room_id", roomID.String()),
			zap.String("message_id", messageID.String()))
		return Message{}, newServiceError(operation, "message_select_failed", err)
	}
	return message, nil
}

func (s *Service) originTimestamp(requested time.Time) time.Time {
	if !requested.IsZero() {
		return requested.UTC()
	}
	return s.clock().UTC()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return history.DefaultPageSize
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("revisions service error", attrs...)
}
