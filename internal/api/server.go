package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fileq/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Server struct {
	router  *chi.Mux
	rt      *worker.Runtime
	limiter *rate.Limiter
	logger  zerolog.Logger

	// detached worker runs live on this context, not on the request's
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// NewServer builds the HTTP surface of the queue on top of a worker runtime.
func NewServer(rt *worker.Runtime) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    chi.NewRouter(),
		rt:        rt,
		limiter:   rate.NewLimiter(rate.Limit(rt.Cfg.API.WorkerSpawnRate), rt.Cfg.API.WorkerSpawnBurst),
		logger:    rt.Logger.With().Str("component", "api").Logger(),
		runCtx:    ctx,
		cancelRun: cancel,
	}

	s.router.Get("/healthz", s.healthz)
	s.router.Route("/queue", func(r chi.Router) {
		r.Use(s.tokenAuth)
		r.Post("/add/{type}/{id}", s.addTask)
		r.Post("/worker", s.startWorker)
		r.Get("/status", s.status)
		r.Get("/tasks", s.tasks)
		r.With(adminOnly).Post("/restart", s.restart)
	})
	return s
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		realIPHandler,
		requestIDHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/healthz" }),
		corsHandler,
	)
}

// Close stops detached worker runs and waits for them to release their slots.
func (s *Server) Close() {
	s.cancelRun()
	s.runs.Wait()
}

// Run serves the API on port until SIGINT or SIGTERM, then drains requests and detached
// worker runs.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 60 * time.Second,
		// debug worker runs stream their log for as long as the worker lives
		WriteTimeout: s.rt.Cfg.Queue.WorkerLifetime + time.Minute,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.cancelRun()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}
		s.runs.Wait()

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
