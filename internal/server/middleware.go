package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

// knownMessageTypes is the closed set of client message types.
var knownMessageTypes = map[string]bool{
	MsgPing:        true,
	MsgRegister:    true,
	MsgLogin:       true,
	MsgResume:      true,
	MsgListLobbies: true,
	MsgCreateLobby: true,
	MsgJoinLobby:   true,
	MsgLeaveLobby:  true,
	MsgToggleReady: true,
	MsgStartGame:   true,
	MsgSpectate:    true,
	MsgToggleLock:  true,
	MsgKick:        true,
	MsgSetMode:     true,
	MsgAction:      true,
	MsgChat:        true,
	MsgGetFriends:  true,
	MsgAddFriend:   true,
	MsgInvite:      true,
	MsgLeaderboard: true,
	MsgProfile:     true,
}

func isKnownMessageType(msgType string) bool {
	return knownMessageTypes[msgType]
}

// newPacketLimiter is the per-connection token bucket for inbound packets.
func newPacketLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.PacketRate), cfg.PacketBurst)
}

// idleConnections returns connections silent for longer than timeout,
// skipping those exempt reports true for.
func idleConnections(cm *ConnectionManager, now time.Time, timeout time.Duration, exempt func(*Connection) bool) []*Connection {
	var idle []*Connection
	for _, c := range cm.All() {
		if now.Sub(c.lastActivity) > timeout && !exempt(c) {
			idle = append(idle, c)
		}
	}
	return idle
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// describeValidation flattens validator errors into one client-facing line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid payload"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// requestLogger logs each HTTP request through slog.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
