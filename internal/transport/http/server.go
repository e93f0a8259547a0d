package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"skyledger/internal/service"
)

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, svc service.LedgerService, scale int32, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	h := NewHandler(svc, scale, logger)
	h.Register(mux)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 2 * time.Second,
			ReadTimeout:       5 * time.Second,
			// Longer than the transfer timeout so an indeterminate outcome still reaches the client.
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		logger: logger.With("component", "http"),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP API is running", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP API shutting down")
	return s.srv.Shutdown(ctx)
}
