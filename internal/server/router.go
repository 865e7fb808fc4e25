package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errMissingRevisionsService = errors.New("revisions service dependency required")
	errMissingFormatter        = errors.New("formatter dependency required")
)

type Dependencies struct {
	Revisions      *revisions.Service
	Formatter      history.Formatter
	Sessions       *SessionCoordinator
	HistoryMetrics *history.Metrics
	Metrics        *Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	PageSize       int
	FormatWorkers  int
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Revisions == nil {
		return nil, errMissingRevisionsService
	}
	if deps.Formatter == nil {
		return nil, errMissingFormatter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessions := deps.Sessions
	if sessions == nil {
		var gauge prometheus.Gauge
		if deps.Metrics != nil {
			gauge = deps.Metrics.SessionsActive
		}
		sessions = NewSessionCoordinator(gauge)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.middleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		revisions:      deps.Revisions,
		fetcher:        revisions.NewFetcher(deps.Revisions),
		formatter:      deps.Formatter,
		sessions:       sessions,
		historyMetrics: deps.HistoryMetrics,
		allowedOrigins: deps.AllowedOrigins,
		pageSize:       deps.PageSize,
		formatWorkers:  deps.FormatWorkers,
		logger:         logger,
	}

	rooms := router.Group("/rooms/:room_id/messages")
	rooms.POST("", handler.handleCreateMessage)
	rooms.POST("/:message_id/edits", handler.handleAppendEdit)
	rooms.GET("/:message_id/edits", handler.handleListEdits)
	rooms.GET("/:message_id/history", handler.handleHistorySession)

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Sec-WebSocket-Protocol"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	revisions      *revisions.Service
	fetcher        history.Fetcher
	formatter      history.Formatter
	sessions       *SessionCoordinator
	historyMetrics *history.Metrics
	allowedOrigins []string
	pageSize       int
	formatWorkers  int
	logger         *zap.Logger
}

type eventRequestPayload struct {
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

type eventPayload struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

type editsResponsePayload struct {
	Chunk         []eventPayload `json:"chunk"`
	NextBatch     string         `json:"next_batch,omitempty"`
	OriginalEvent *eventPayload  `json:"original_event,omitempty"`
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	roomID, err := revisions.NewRoomID(c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	request, ok := bindEventRequest(c)
	if !ok {
		return
	}

	message, err := h.revisions.CreateMessage(c.Request.Context(), revisions.MessageRequest{
		RoomID:         roomID,
		SenderID:       request.sender,
		EventType:      request.eventType,
		ContentJSON:    request.content,
		OriginServerTS: request.originServerTS,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, messagePayload(message))
}

func (h *httpHandler) handleAppendEdit(c *gin.Context) {
	roomID, messageID, ok := bindTarget(c)
	if !ok {
		return
	}
	request, ok := bindEventRequest(c)
	if !ok {
		return
	}

	edit, err := h.revisions.AppendEdit(c.Request.Context(), revisions.EditRequest{
		RoomID:         roomID,
		MessageID:      messageID,
		SenderID:       request.sender,
		EventType:      request.eventType,
		ContentJSON:    request.content,
		OriginServerTS: request.originServerTS,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, editPayload(edit))
}

func (h *httpHandler) handleListEdits(c *gin.Context) {
	roomID, messageID, ok := bindTarget(c)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	encrypted, ok := parseEncrypted(c)
	if !ok {
		return
	}

	page, err := h.revisions.ListEdits(c.Request.Context(), revisions.EditQuery{
		RoomID:    roomID,
		MessageID: messageID,
		Encrypted: encrypted,
		From:      c.Query("from"),
		Limit:     limit,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	response := editsResponsePayload{
		Chunk:     make([]eventPayload, 0, len(page.Edits)),
		NextBatch: page.NextCursor,
	}
	for _, edit := range page.Edits {
		response.Chunk = append(response.Chunk, editPayload(edit))
	}
	original := messagePayload(page.Original)
	response.OriginalEvent = &original
	c.JSON(http.StatusOK, response)
}

type validatedEventRequest struct {
	sender         revisions.SenderID
	eventType      string
	content        string
	originServerTS time.Time
}

func bindEventRequest(c *gin.Context) (validatedEventRequest, bool) {
	var payload eventRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return validatedEventRequest{}, false
	}
	sender, err := revisions.NewSenderID(payload.Sender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sender"})
		return validatedEventRequest{}, false
	}
	eventType, err := revisions.NewEventType(payload.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_type"})
		return validatedEventRequest{}, false
	}
	content, err := revisions.NewContentJSON(payload.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return validatedEventRequest{}, false
	}
	request := validatedEventRequest{sender: sender, eventType: eventType, content: content}
	if payload.OriginServerTS > 0 {
		request.originServerTS = time.UnixMilli(payload.OriginServerTS).UTC()
	}
	return request, true
}

func bindTarget(c *gin.Context) (revisions.RoomID, revisions.EventID, bool) {
	roomID, err := revisions.NewRoomID(c.Param("room_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return "", "", false
	}
	messageID, err := revisions.NewEventID(c.Param("message_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return "", "", false
	}
	return roomID, messageID, true
}

func parseEncrypted(c *gin.Context) (bool, bool) {
	raw := strings.TrimSpace(c.Query("encrypted"))
	if raw == "" {
		return false, true
	}
	encrypted, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_encrypted"})
		return false, false
	}
	return encrypted, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, revisions.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
	case errors.Is(err, revisions.ErrInvalidEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_type"})
	case errors.Is(err, revisions.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
	default:
		h.logger.Error("revision request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func messagePayload(message revisions.Message) eventPayload {
	return eventPayload{
		EventID:        message.EventID,
		RoomID:         message.RoomID,
		Sender:         message.SenderID,
		Type:           message.EventType,
		Content:        json.RawMessage(message.ContentJSON),
		OriginServerTS: message.OriginServerTSMillis,
	}
}

func editPayload(edit revisions.Edit) eventPayload {
	return eventPayload{
		EventID:        edit.EventID,
		RoomID:         edit.RoomID,
		Sender:         edit.SenderID,
		Type:           edit.EventType,
		Content:        json.RawMessage(edit.ContentJSON),
		OriginServerTS: edit.OriginServerTSMillis,
	}
}
