package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type Server struct {
	cfg     Config
	log     *slog.Logger
	store   Store
	metrics *Metrics
	loop    *Loop

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewServer wires the store, the loop and the HTTP server and starts the
// loop goroutine. Postgres is used when DatabaseURL is set; otherwise state
// lives in memory and is lost on restart.
func NewServer(ctx context.Context, cfg Config, log *slog.Logger) (*Server, *http.Server, error) {
	var store Store
	if cfg.DatabaseURL != "" {
		pg, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		log.Info("using postgres store")
		store = pg
	} else {
		log.Warn("DATABASE_URL not set, accounts and matches are kept in memory")
		store = NewMemoryStore()
	}

	s := newServer(cfg, log, store)
	s.start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, httpServer, nil
}

func newServer(cfg Config, log *slog.Logger, store Store, opts ...LoopOption) *Server {
	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		metrics:  metrics,
		loop:     NewLoop(cfg, store, metrics, log, opts...),
		loopDone: make(chan struct{}),
	}
}

func (s *Server) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.loopDone)
		if err := s.loop.Run(ctx); err != nil && err != context.Canceled {
			s.log.Error("loop exited", "error", err)
		}
	}()
}

// Shutdown stops the loop, which tells every client the server is going
// away, then releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.store.Close()
	s.log.Info("server stopped")
	return nil
}
