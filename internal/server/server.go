package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allyourbase/smsbatch/internal/campaign"
	"github.com/allyourbase/smsbatch/internal/config"
	"github.com/allyourbase/smsbatch/internal/httputil"
)

// Server is the HTTP front end for one campaign session.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	sess      *campaign.Session
	startTime time.Time

	// Batches outlive the request that started them; they stop on Shutdown.
	batchCtx    context.Context
	cancelBatch context.CancelFunc
}

// New creates a new Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, sess *campaign.Session) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	batchCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		router:      r,
		logger:      logger,
		sess:        sess,
		startTime:   time.Now(),
		batchCtx:    batchCtx,
		cancelBatch: cancel,
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", s.handleListRecipients)
			r.Post("/", s.handleParseRecipients)
			r.Delete("/", s.handleResetRecipients)
		})
		r.With(middleware.AllowContentType("application/json")).Post("/send", s.handleSend)
		r.Get("/settings", s.handleGetSettings)
		r.With(middleware.AllowContentType("application/json")).Put("/settings", s.handlePutSettings)
		r.Get("/events", s.handleEvents)
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", ln.Addr().String())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown cancels running batches, which also ends open event streams, then
// stops accepting requests and waits for the batch machines to return.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)

	// Event streams only return on client disconnect or batchCtx, and
	// http.Server.Shutdown waits for them.
	s.cancelBatch()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("batches still running at shutdown deadline")
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"recipients": s.sess.Registry().Len(),
		"uptime_s":   int(time.Since(s.startTime).Seconds()),
	})
}
