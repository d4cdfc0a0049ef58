package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/wppbak/internal/api"
	"go.uber.org/zap"
)

// Server manages the HTTP API lifecycle for a session daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger

	// cancelled on Stop so long-lived event streams end
	base   context.Context
	cancel context.CancelFunc
}

// NewServer creates an HTTP server for handler on an already bound listener.
func NewServer(listener net.Listener, handler *api.Handler, logger *zap.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Handler:           api.NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		listener: listener,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
		_ = s.httpServer.Close()
	}
	_ = s.listener.Close()
}
