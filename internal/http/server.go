package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Server wraps net/http with graceful shutdown so in-flight requests and
// open SSE streams get a bounded drain window.
type Server struct {
	log *logger.Logger
	srv *nethttp.Server
}

func NewServer(log *logger.Logger, engine *gin.Engine, addr string) *Server {
	return &Server{
		log: log.With("service", "HTTPServer"),
		srv: &nethttp.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
