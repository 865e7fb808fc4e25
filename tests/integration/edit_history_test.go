package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/client"
	"github.com/MarcoPoloResearchLab/edithistory/internal/database"
	"github.com/MarcoPoloResearchLab/edithistory/internal/formatting"
	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	"github.com/MarcoPoloResearchLab/edithistory/internal/server"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	roomID          = "!integration:example.org"
	senderID        = "@alice:example.org"
	sessionPageSize = 4
)

type stack struct {
	api      *client.Client
	keys     *formatting.KeyRing
	metrics  *history.Metrics
	registry *prometheus.Registry
	baseURL  string
}

func newStack(testContext *testing.T) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	revisionsService, err := revisions.NewService(revisions.ServiceConfig{
		Database:   db,
		IDProvider: revisions.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build revisions service: %v", err)
	}

	keys, err := formatting.NewKeyRing(bytes.Repeat([]byte{42}, 32))
	if err != nil {
		testContext.Fatalf("failed to build key ring: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Revisions: revisionsService,
		Formatter: formatting.NewFormatter(formatting.Config{Keys: keys}),
		PageSize:  sessionPageSize,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	api, err := client.New(client.Config{BaseURL: testServer.URL, Timeout: 5 * time.Second})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := history.NewMetrics(registry)
	if err != nil {
		testContext.Fatalf("failed to build metrics: %v", err)
	}

	return &stack{api: api, keys: keys, metrics: metrics, registry: registry, baseURL: testServer.URL}
}

func (s *stack) newEngine(testContext *testing.T, messageID string, encrypted bool, ended chan<- history.SessionKey) *history.Engine {
	testContext.Helper()
	engine, err := history.NewEngine(history.EngineConfig{
		MessageID:     messageID,
		RoomID:        roomID,
		Encrypted:     encrypted,
		PageSize:      30,
		FormatWorkers: 4,
		Fetcher:       s.api,
		Formatter:     formatting.NewFormatter(formatting.Config{Keys: s.keys}),
		Coordinator: history.CoordinatorFunc(func(key history.SessionKey) {
			ended <- key
		}),
		Metrics:  s.metrics,
		Location: time.UTC,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

func (s *stack) requireFormatFailures(testContext *testing.T, kind string, count int) {
	testContext.Helper()
	expected := fmt.Sprintf(`# HELP edithistory_format_failures_total Revisions dropped because they could not be formatted.
# TYPE edithistory_format_failures_total counter
edithistory_format_failures_total{kind=%q} %d
`, kind, count)
	require.NoError(testContext, testutil.GatherAndCompare(s.registry, strings.NewReader(expected), "edithistory_format_failures_total"))
}

func allUnits(state history.LoadState) []history.RevisionUnit {
	units := make([]history.RevisionUnit, 0, state.UnitCount())
	for _, section := range state.Sections {
		units = append(units, section.Units...)
	}
	return units
}

func editContent(messageID, body string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"msgtype":"m.text","body":"* %s","m.new_content":{"msgtype":"m.text","body":%q},"m.relates_to":{"rel_type":"m.replace","event_id":%q}}`,
		body, body, messageID))
}

type stateLog struct {
	states chan history.LoadState
}

func newStateLog() *stateLog {
	return &stateLog{states: make(chan history.LoadState, 16)}
}

func (l *stateLog) observe(state history.LoadState) {
	l.states <- state
}

func (l *stateLog) settled(testContext *testing.T) history.LoadState {
	testContext.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-l.states:
			if state.Phase != history.PhaseLoading {
				return state
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for a settled snapshot")
			return history.LoadState{}
		}
	}
}

func TestEditHistoryFlowAcrossPages(testContext *testing.T) {
	s := newStack(testContext)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	original, err := s.api.CreateMessage(ctx, roomID, senderID, "", json.RawMessage(`{"msgtype":"m.text","body":"draft 0"}`))
	require.NoError(testContext, err)

	for index := 1; index <= 35; index++ {
		content := editContent(original.EventID, fmt.Sprintf("draft %d", index))
		if index%7 == 0 {
			content = json.RawMessage(`{"msgtype":"m.text","body":"   "}`)
		}
		_, err := s.api.AppendEdit(ctx, roomID, original.EventID, senderID, "", content)
		require.NoError(testContext, err)
	}

	ended := make(chan history.SessionKey, 2)
	engine := s.newEngine(testContext, original.EventID, false, ended)
	log := newStateLog()
	engine.Subscribe(log.observe)

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	require.True(testContext, engine.RequestLoadMore())
	first := log.settled(testContext)
	require.Equal(testContext, history.PhaseLoaded, first.Phase)
	require.False(testContext, first.AllDataLoaded)
	require.Equal(testContext, 25, first.AddedCount, "30 edits minus 5 empty bodies")

	require.True(testContext, engine.RequestLoadMore())
	second := log.settled(testContext)
	require.True(testContext, second.AllDataLoaded)
	require.Equal(testContext, 6, second.AddedCount, "5 edits plus the original")
	require.Equal(testContext, 31, second.UnitCount())

	units := allUnits(second)
	newest, last := units[0], units[len(units)-1]
	require.Equal(testContext, "draft 34", newest.Content.Body)
	require.True(testContext, last.Original)
	require.Equal(testContext, "draft 0", last.Content.Body)

	seen := make(map[string]struct{})
	for _, unit := range units {
		_, duplicate := seen[unit.EventID]
		require.False(testContext, duplicate, "duplicate unit %s", unit.EventID)
		seen[unit.EventID] = struct{}{}
	}

	require.False(testContext, engine.RequestLoadMore(), "complete history ignores further loads")
	s.requireFormatFailures(testContext, "unparsable", 5)

	require.True(testContext, engine.RequestClose())
	select {
	case key := <-ended:
		require.Equal(testContext, history.SessionKey{RoomID: roomID, MessageID: original.EventID}, key)
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected session end")
	}

	cancel()
	require.NoError(testContext, <-runDone)
}

func TestEncryptedEditHistoryFlow(testContext *testing.T) {
	s := newStack(testContext)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sealedOriginal, err := s.keys.EncryptEvent(roomID, history.EventTypeMessage, json.RawMessage(`{"msgtype":"m.text","body":"secret 0"}`))
	require.NoError(testContext, err)
	original, err := s.api.CreateMessage(ctx, roomID, senderID, history.EventTypeEncrypted, sealedOriginal)
	require.NoError(testContext, err)

	sealedEdit, err := s.keys.EncryptEvent(roomID, history.EventTypeMessage, editContent(original.EventID, "secret 1"))
	require.NoError(testContext, err)
	_, err = s.api.AppendEdit(ctx, roomID, original.EventID, senderID, history.EventTypeEncrypted, sealedEdit)
	require.NoError(testContext, err)

	foreign, err := formatting.NewKeyRing(bytes.Repeat([]byte{7}, 32))
	require.NoError(testContext, err)
	undecryptable, err := foreign.EncryptEvent(roomID, history.EventTypeMessage, editContent(original.EventID, "lost"))
	require.NoError(testContext, err)
	_, err = s.api.AppendEdit(ctx, roomID, original.EventID, senderID, history.EventTypeEncrypted, undecryptable)
	require.NoError(testContext, err)

	_, err = s.api.AppendEdit(ctx, roomID, original.EventID, senderID, "", editContent(original.EventID, "plaintext"))
	require.NoError(testContext, err)

	ended := make(chan history.SessionKey, 1)
	engine := s.newEngine(testContext, original.EventID, true, ended)
	log := newStateLog()
	engine.Subscribe(log.observe)

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	require.True(testContext, engine.RequestLoadMore())
	state := log.settled(testContext)
	require.True(testContext, state.AllDataLoaded)
	require.Equal(testContext, 2, state.UnitCount(), "plaintext edit filtered, foreign ciphertext dropped")

	bodies := []string{}
	for _, unit := range allUnits(state) {
		bodies = append(bodies, unit.Content.Body)
	}
	require.ElementsMatch(testContext, []string{"secret 1", "secret 0"}, bodies)
	s.requireFormatFailures(testContext, "undecryptable", 1)

	cancel()
	require.NoError(testContext, <-runDone)
}

func (s *stack) dialHistory(testContext *testing.T, ctx context.Context, messageID string) *websocket.Conn {
	testContext.Helper()
	endpoint := "ws" + strings.TrimPrefix(s.baseURL, "http") +
		"/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID) + "/history"
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		Subprotocols: []string{server.HistorySubprotocol},
	})
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeEnvelope(testContext *testing.T, ctx context.Context, conn *websocket.Conn, envelopeType string) {
	testContext.Helper()
	encoded, err := json.Marshal(server.Envelope{Type: envelopeType})
	require.NoError(testContext, err)
	require.NoError(testContext, conn.Write(ctx, websocket.MessageText, encoded))
}

func readEnvelopeUntil(testContext *testing.T, ctx context.Context, conn *websocket.Conn, match func(server.Envelope) bool) server.Envelope {
	testContext.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(testContext, err)
		var envelope server.Envelope
		require.NoError(testContext, json.Unmarshal(data, &envelope))
		if match(envelope) {
			return envelope
		}
	}
}

func settledState(envelope server.Envelope) bool {
	if envelope.Type != server.EnvelopeState || envelope.State == nil {
		return false
	}
	return envelope.State.Phase == history.PhaseLoaded.String() || envelope.State.Phase == history.PhaseFailed.String()
}

func TestHistorySessionOverWebsocket(testContext *testing.T) {
	s := newStack(testContext)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	original, err := s.api.CreateMessage(ctx, roomID, senderID, "", json.RawMessage(`{"msgtype":"m.text","body":"draft 0"}`))
	require.NoError(testContext, err)
	for index := 1; index <= 9; index++ {
		content := editContent(original.EventID, fmt.Sprintf("draft %d", index))
		if index == 5 {
			content = json.RawMessage(`{"msgtype":"m.text","body":""}`)
		}
		_, err := s.api.AppendEdit(ctx, roomID, original.EventID, senderID, "", content)
		require.NoError(testContext, err)
	}

	conn := s.dialHistory(testContext, ctx, original.EventID)

	addedCounts := []int{}
	var final *server.StatePayload
	for attempt := 0; attempt < 5 && final == nil; attempt++ {
		writeEnvelope(testContext, ctx, conn, server.EnvelopeLoadMore)
		envelope := readEnvelopeUntil(testContext, ctx, conn, settledState)
		require.Equal(testContext, history.PhaseLoaded.String(), envelope.State.Phase, envelope.State.Error)
		addedCounts = append(addedCounts, envelope.State.AddedCount)
		if envelope.State.AllDataLoaded {
			final = envelope.State
		}
	}
	require.NotNil(testContext, final, "history never reported all data loaded")
	require.Equal(testContext, []int{4, 3, 2}, addedCounts, "pages of 4 with one empty body, then the original")

	units := []server.UnitPayload{}
	for index, section := range final.Sections {
		if index > 0 {
			require.Greater(testContext, final.Sections[index-1].Day, section.Day, "sections newest day first")
		}
		units = append(units, section.Units...)
	}
	require.Len(testContext, units, 9)
	for index := 1; index < len(units); index++ {
		require.GreaterOrEqual(testContext, units[index-1].Timestamp, units[index].Timestamp, "units newest first")
	}
	require.Equal(testContext, "draft 9", units[0].Body)
	require.True(testContext, units[len(units)-1].Original)
	require.Equal(testContext, "draft 0", units[len(units)-1].Body)

	writeEnvelope(testContext, ctx, conn, server.EnvelopeClose)
	readEnvelopeUntil(testContext, ctx, conn, func(envelope server.Envelope) bool {
		return envelope.Type == server.EnvelopeClosed
	})
	_, _, err = conn.Read(ctx)
	require.Equal(testContext, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
