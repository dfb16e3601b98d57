package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
)

const healthTimeout = 2 * time.Second

// pinger is implemented by stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) RegisterRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/", s.HelloWorldHandler)
	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.websocketHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/lobbies", s.lobbiesHandler)
		r.Get("/leaderboard", s.leaderboardHandler)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

func (s *Server) HelloWorldHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World"})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Stats    *Stats `json:"stats,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "memory"}
	status := http.StatusOK

	var stats Stats
	if err := s.loop.Do(ctx, func() { stats = s.loop.stats() }); err != nil {
		resp.Status = "loop unavailable"
		status = http.StatusServiceUnavailable
	} else {
		resp.Stats = &stats
	}

	if p, ok := s.store.(pinger); ok {
		resp.Database = "up"
		if err := p.Ping(ctx); err != nil {
			s.log.Warn("database ping failed", "error", err)
			resp.Database = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) lobbiesHandler(w http.ResponseWriter, r *http.Request) {
	var lobbies []LobbySummary
	if err := s.loop.Do(r.Context(), func() { lobbies = s.loop.lobbies.List() }); err != nil {
		http.Error(w, "Server unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, lobbies)
}

func (s *Server) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PersistTimeout)
	defer cancel()
	entries, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		s.metrics.RecordPersistError("leaderboard")
		s.log.Error("failed to load leaderboard", "error", err)
		http.Error(w, "Leaderboard unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, LeaderboardMessage{Entries: entries})
}

// websocketHandler upgrades the request and pumps frames between the socket
// and the loop. Writes go through the transport's own goroutine; this one
// only reads.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{SubprotocolMsgpack, SubprotocolJSON},
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	socket.SetReadLimit(s.cfg.MaxMessage)

	ctx := r.Context()
	transport := newWSTransport(socket, s.cfg.OutboundQueue)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		transport.writeLoop(ctx)
	}()

	connID, ok := s.loop.Attach(transport, codecFor(socket.Subprotocol()))
	if !ok {
		transport.Close("server shutting down")
		<-writerDone
		return
	}

	reason := "client closed"
	for {
		_, data, err := socket.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				reason = "read error"
				s.log.Debug("websocket read failed", "conn", connID, "error", err)
			}
			break
		}
		if !s.loop.Deliver(connID, data) {
			reason = "server shutting down"
			break
		}
	}

	s.loop.Detach(connID, reason)
	transport.Close(reason)
	<-writerDone
}
