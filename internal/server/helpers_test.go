package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/edithistory/internal/formatting"
	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testRoomID = "!room:example.org"
	testSender = "@alice:example.org"
)

type testServer struct {
	handler  *gin.Engine
	service  *revisions.Service
	sessions *SessionCoordinator
	registry *prometheus.Registry
}

func newTestServer(testContext *testing.T) *testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&revisions.Message{}, &revisions.Edit{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	service, err := revisions.NewService(revisions.ServiceConfig{
		Database:   db,
		IDProvider: revisions.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build revisions service: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		testContext.Fatalf("failed to register metrics: %v", err)
	}
	sessions := NewSessionCoordinator(metrics.SessionsActive)

	handler, err := NewHTTPHandler(Dependencies{
		Revisions:     service,
		Formatter:     formatting.NewFormatter(formatting.Config{}),
		Sessions:      sessions,
		Metrics:       metrics,
		Gatherer:      registry,
		PageSize:      2,
		FormatWorkers: 2,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	return &testServer{
		handler:  handler.(*gin.Engine),
		service:  service,
		sessions: sessions,
		registry: registry,
	}
}

func (s *testServer) seedMessage(testContext *testing.T, edits int) revisions.Message {
	testContext.Helper()
	ctx := context.Background()
	message, err := s.service.CreateMessage(ctx, revisions.MessageRequest{
		RoomID:      revisions.RoomID(testRoomID),
		SenderID:    revisions.SenderID(testSender),
		ContentJSON: `{"msgtype":"m.text","body":"first draft"}`,
	})
	if err != nil {
		testContext.Fatalf("unexpected create error: %v", err)
	}
	for index := 0; index < edits; index++ {
		if _, err := s.service.AppendEdit(ctx, revisions.EditRequest{
			RoomID:      revisions.RoomID(testRoomID),
			MessageID:   revisions.EventID(message.EventID),
			SenderID:    revisions.SenderID(testSender),
			ContentJSON: `{"body":"* revised","m.new_content":{"body":"revised"},"m.relates_to":{"rel_type":"m.replace","event_id":"` + message.EventID + `"}}`,
		}); err != nil {
			testContext.Fatalf("unexpected append error: %v", err)
		}
	}
	return message
}
