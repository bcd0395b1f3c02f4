package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// NewRouter wires middleware, the session endpoints and the websocket route.
// The websocket route skips request logging and rate limiting; it is one
// long-lived request per client.
func NewRouter(cfg config.ServerConfig, handlers *Handlers, ws http.HandlerFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(logger.Named("http")))
		if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
			r.Use(newIPRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow).middleware)
		}
		handlers.RegisterRoutes(r, cfg.APIPrefix)
	})

	return r
}

const defaultShutdownTimeout = 15 * time.Second

// Server is the HTTP listener.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds a server for handler on cfg.Port.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		cfg:    cfg,
		logger: logger.Named("http_server"),
		http: &http.Server{
			Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Run serves until ctx is done, then shuts down gracefully within
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting.", zap.String("address", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped.")
	return nil
}
