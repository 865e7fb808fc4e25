package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/database"
	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/MarcoPoloResearchLab/edithistory/internal/revisions"
	"github.com/MarcoPoloResearchLab/edithistory/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errMasterKeyRequired = errors.New("crypto.master_key is required")

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the edit history API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	logger := rt.logger
	defer logger.Sync() //nolint:errcheck

	if rt.config.MasterKey == "" {
		return errMasterKeyRequired
	}
	formatter, err := rt.formatter()
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(rt.config.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	revisionsService, err := revisions.NewService(revisions.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: revisions.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	historyMetrics, err := history.NewMetrics(registry)
	if err != nil {
		return err
	}
	httpMetrics, err := server.NewMetrics(registry)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Revisions:      revisionsService,
		Formatter:      formatter,
		Sessions:       server.NewSessionCoordinator(httpMetrics.SessionsActive),
		HistoryMetrics: historyMetrics,
		Metrics:        httpMetrics,
		Gatherer:       registry,
		AllowedOrigins: rt.config.AllowedOrigins,
		PageSize:       rt.config.PageSize,
		FormatWorkers:  rt.config.FormatWorkers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
