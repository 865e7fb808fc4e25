package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HistorySubprotocol is the websocket subprotocol spoken on the history endpoint.
	HistorySubprotocol = "edithistory.v1"

	EnvelopeLoadMore = "load_more"
	EnvelopeClose    = "close"
	EnvelopeState    = "state"
	EnvelopeClosed   = "closed"
	EnvelopeError    = "error"

	maxFrameBytes      = 4096
	sessionWriteLimit  = 5 * time.Second
	sessionControlSize = 8
)

// Envelope is one websocket frame of a history session.
type Envelope struct {
	Type  string        `json:"type"`
	State *StatePayload `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}

// StatePayload is the wire form of history.LoadState.
type StatePayload struct {
	Phase         string           `json:"phase"`
	Sections      []SectionPayload `json:"sections"`
	AddedCount    int              `json:"added_count"`
	AllDataLoaded bool             `json:"all_data_loaded"`
	Error         string           `json:"error,omitempty"`
}

// SectionPayload is one day of revisions, newest first.
type SectionPayload struct {
	Day   string        `json:"day"`
	Units []UnitPayload `json:"units"`
}

// UnitPayload is one rendered revision.
type UnitPayload struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"origin_server_ts"`
	Sender    string `json:"sender"`
	MsgType   string `json:"msgtype"`
	Body      string `json:"body"`
	HTML      string `json:"formatted_body,omitempty"`
	Original  bool   `json:"original,omitempty"`
}

// NewStatePayload converts a snapshot for the wire.
func NewStatePayload(state history.LoadState) *StatePayload {
	payload := &StatePayload{
		Phase:         state.Phase.String(),
		Sections:      make([]SectionPayload, 0, len(state.Sections)),
		AddedCount:    state.AddedCount,
		AllDataLoaded: state.AllDataLoaded,
	}
	if state.Err != nil {
		payload.Error = state.Err.Error()
	}
	for _, section := range state.Sections {
		units := make([]UnitPayload, 0, len(section.Units))
		for _, unit := range section.Units {
			units = append(units, UnitPayload{
				EventID:   unit.EventID,
				Timestamp: unit.Timestamp.UnixMilli(),
				Sender:    unit.Content.SenderID,
				MsgType:   unit.Content.MsgType,
				Body:      unit.Content.Body,
				HTML:      unit.Content.HTML,
				Original:  unit.Original,
			})
		}
		payload.Sections = append(payload.Sections, SectionPayload{Day: section.Day.String(), Units: units})
	}
	return payload
}

// stateSlot holds the newest unsent snapshot; intermediate snapshots may be skipped.
type stateSlot struct {
	mu      sync.Mutex
	pending *history.LoadState
	notify  chan struct{}
}

func newStateSlot() *stateSlot {
	return &stateSlot{notify: make(chan struct{}, 1)}
}

func (s *stateSlot) put(state history.LoadState) {
	s.mu.Lock()
	s.pending = &state
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stateSlot) take() (history.LoadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return history.LoadState{}, false
	}
	state := *s.pending
	s.pending = nil
	return state, true
}

func (h *httpHandler) handleHistorySession(c *gin.Context) {
	roomID, messageID, ok := bindTarget(c)
	if !ok {
		return
	}
	encrypted, ok := parseEncrypted(c)
	if !ok {
		return
	}
	if _, err := h.revisions.GetMessage(c.Request.Context(), roomID, messageID); err != nil {
		h.writeServiceError(c, err)
		return
	}

	conn, err := websocket.Accept(hijackableWriter(c.Writer), c.Request, h.acceptOptions())
	if err != nil {
		h.logger.Warn("history session accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if conn.Subprotocol() != HistorySubprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	key := history.SessionKey{RoomID: roomID.String(), MessageID: messageID.String()}
	handle := h.sessions.Open(key)
	defer handle.Release()

	logger := h.logger.With(zap.String("room_id", key.RoomID), zap.String("message_id", key.MessageID))
	engine, err := history.NewEngine(history.EngineConfig{
		MessageID:     key.MessageID,
		RoomID:        key.RoomID,
		Encrypted:     encrypted,
		PageSize:      h.pageSize,
		FormatWorkers: h.formatWorkers,
		Fetcher:       h.fetcher,
		Formatter:     h.formatter,
		Coordinator:   handle,
		Metrics:       h.historyMetrics,
		Logger:        logger,
		Location:      time.UTC,
	})
	if err != nil {
		logger.Error("history engine construction failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	states := newStateSlot()
	control := make(chan Envelope, sessionControlSize)
	unsubscribe := engine.Subscribe(states.put)
	defer unsubscribe()
	states.put(engine.Latest())

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = engine.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeSession(ctx, conn, states, control, handle.Dismissed(), logger)
	}()

	h.readSession(ctx, conn, engine, control, logger)

	engine.RequestClose()
	cancel()
	<-engineDone
	<-writerDone
}

func (h *httpHandler) writeSession(ctx context.Context, conn *websocket.Conn, states *stateSlot, control <-chan Envelope, dismissed <-chan struct{}, logger *zap.Logger) {
	flushState := func() bool {
		state, ok := states.take()
		if !ok {
			return true
		}
		if err := writeEnvelope(ctx, conn, Envelope{Type: EnvelopeState, State: NewStatePayload(state)}); err != nil {
			logger.Debug("history session write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-states.notify:
			if !flushState() {
				return
			}
		case envelope := <-control:
			if err := writeEnvelope(ctx, conn, envelope); err != nil {
				logger.Debug("history session write failed", zap.Error(err))
				return
			}
		case <-dismissed:
			if !flushState() {
				return
			}
			if err := writeEnvelope(ctx, conn, Envelope{Type: EnvelopeClosed}); err != nil {
				logger.Debug("history session write failed", zap.Error(err))
			}
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}
	}
}

func (h *httpHandler) readSession(ctx context.Context, conn *websocket.Conn, engine *history.Engine, control chan<- Envelope, logger *zap.Logger) {
	sendError := func(code string) {
		select {
		case control <- Envelope{Type: EnvelopeError, Error: code}:
		default:
		}
	}

	for {
		envelope, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				sendError("bad_json")
				continue
			case readErrUnsupported:
				sendError("unsupported")
				continue
			case readErrUnknown:
				logger.Info("history session read failed", zap.Error(err))
			}
			return
		}

		switch envelope.Type {
		case EnvelopeLoadMore:
			engine.RequestLoadMore()
		case EnvelopeClose:
			engine.RequestClose()
		default:
			sendError("unsupported")
		}
	}
}

// hijackableWriter returns the writer gin wraps. Accept flushes headers before
// hijacking, and gin refuses to hijack a wrapper that has written.
func hijackableWriter(w http.ResponseWriter) http.ResponseWriter {
	if wrapped, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		return wrapped.Unwrap()
	}
	return w
}

func (h *httpHandler) acceptOptions() *websocket.AcceptOptions {
	options := &websocket.AcceptOptions{Subprotocols: []string{HistorySubprotocol}}
	if len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		options.InsecureSkipVerify = true
		return options
	}
	for _, origin := range h.allowedOrigins {
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			options.OriginPatterns = append(options.OriginPatterns, parsed.Host)
		}
	}
	return options
}

var errUnsupportedFrame = errors.New("unsupported frame type")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	messageType, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if messageType != websocket.MessageText {
		return Envelope{}, fmt.Errorf("%w: %v", errUnsupportedFrame, messageType)
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, &badJSONError{err: err}
	}
	return envelope, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, envelope Envelope) error {
	ctx, cancel := context.WithTimeout(parent, sessionWriteLimit)
	defer cancel()

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, encoded)
}

type badJSONError struct {
	err error
}

func (e *badJSONError) Error() string {
	return "bad json: " + e.err.Error()
}

func (e *badJSONError) Unwrap() error {
	return e.err
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
	readErrUnsupported
)

func classifyReadErr(err error) readErrKind {
	var badJSON *badJSONError
	switch {
	case errors.As(err, &badJSON):
		return readErrBadJSON
	case errors.Is(err, errUnsupportedFrame):
		return readErrUnsupported
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
