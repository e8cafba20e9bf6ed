package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
)

const _shutdownGrace = 5 * time.Second

// Server is the read-only consumer API served next to the refresh
// daemon. It owns only candle reads; all writes go through the
// pipeline.
type Server struct {
	s      *http.Server
	logger logger.Logger
}

func New(ctx context.Context, cfg config.ServerConfig, bars BarSource, logger logger.Logger) *Server {
	return &Server{
		s: &http.Server{
			Handler:           NewHandler(bars, logger),
			Addr:              ":" + cfg.Port,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(listener net.Listener) context.Context {
				return ctx
			},
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then drains in-flight requests for up
// to the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Infof("shutting down candle api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownGrace)
		defer cancel()
		return s.s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
