package server

import (
	"time"

	"arena-server/internal/arena"
)

// ============================================================================
// ERROR RESPONSES
// ============================================================================
// tygo:generate
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ============================================================================
// ACCOUNTS (register, login, resume)
// ============================================================================
// tygo:generate
type CredentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=20,alphanum"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// tygo:generate
type ResumeRequest struct {
	Token string `json:"token" validate:"required,uuid"`
}

// tygo:generate
type AuthResult struct {
	Identity    string `json:"identity"`
	Token       string `json:"token"`
	Rating      int    `json:"rating"`
	Reconnected bool   `json:"reconnected"`
	LobbyID     int    `json:"lobbyId,omitempty"`
}

// ============================================================================
// LOBBIES
// ============================================================================
// tygo:generate
type CreateLobbyRequest struct {
	Name    string `json:"name" validate:"required,max=32"`
	Private bool   `json:"private"`
	Code    string `json:"code" validate:"omitempty,len=4,alpha"`
	Mode    string `json:"mode" validate:"omitempty,oneof=classic fog sudden_death"`
}

// tygo:generate
type JoinLobbyRequest struct {
	LobbyID int    `json:"lobbyId" validate:"required_without=Code,gte=0"`
	Code    string `json:"code"`
}

// tygo:generate
type SpectateRequest struct {
	LobbyID int `json:"lobbyId" validate:"required,min=1"`
}

// tygo:generate
type KickRequest struct {
	Identity string `json:"identity" validate:"required,max=20"`
}

// tygo:generate
type SetModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=classic fog sudden_death"`
}

// tygo:generate
type LobbyPlayer struct {
	Identity  string `json:"identity"`
	Ready     bool   `json:"ready"`
	Host      bool   `json:"host"`
	Connected bool   `json:"connected"`
	Rating    int    `json:"rating"`
}

// LobbySnapshot is personalised per recipient: You and Code depend on who
// is looking.
// tygo:generate
type LobbySnapshot struct {
	ID         int           `json:"id"`
	Name       string        `json:"name"`
	Players    []LobbyPlayer `json:"players"`
	NumPlayers int           `json:"numPlayers"`
	Spectators []string      `json:"spectators"`
	Host       int           `json:"host"`
	Status     string        `json:"status"`
	Private    bool          `json:"private"`
	Code       string        `json:"code,omitempty"`
	Locked     bool          `json:"locked"`
	Mode       arena.Mode    `json:"mode"`
	You        int           `json:"you"` // slot index, -1 when spectating
	Chat       []ChatLine    `json:"chat"`
}

// tygo:generate
type LobbySummary struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	NumPlayers int        `json:"numPlayers"`
	MaxPlayers int        `json:"maxPlayers"`
	Spectators int        `json:"spectators"`
	Status     string     `json:"status"`
	Locked     bool       `json:"locked"`
	Private    bool       `json:"private"`
	Mode       arena.Mode `json:"mode"`
}

// tygo:generate
type LeftLobbyMessage struct {
	LobbyID int    `json:"lobbyId"`
	Reason  string `json:"reason"`
}

// ============================================================================
// GAMEPLAY
// ============================================================================
// tygo:generate
type ActionRequest struct {
	Action string `json:"action" validate:"required,oneof=up down left right bomb"`
}

// GameStateMessage carries one viewer's snapshot. Tiles are a JSON number
// array under the json subprotocol and a bin blob under msgpack.
// tygo:generate
type GameStateMessage struct {
	LobbyID int             `json:"lobbyId"`
	State   *arena.Snapshot `json:"state"`
}

// tygo:generate
type StandingView struct {
	Identity    string `json:"identity"`
	Place       int    `json:"place"`
	Kills       int    `json:"kills"`
	Rating      int    `json:"rating"`
	RatingDelta int    `json:"ratingDelta"`
}

// tygo:generate
type MatchResultMessage struct {
	LobbyID    int             `json:"lobbyId"`
	Winner     string          `json:"winner,omitempty"`
	DurationMs int64           `json:"durationMs"`
	Standings  []StandingView  `json:"standings"`
	Final      *arena.Snapshot `json:"final"`
}

// ============================================================================
// SOCIAL
// ============================================================================
// tygo:generate
type ChatRequest struct {
	Text string `json:"text" validate:"required,max=200"`
}

// tygo:generate
type ChatLineMessage struct {
	LobbyID int       `json:"lobbyId"`
	From    string    `json:"from"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// tygo:generate
type FriendRequest struct {
	Identity string `json:"identity" validate:"required,min=3,max=20,alphanum"`
}

// tygo:generate
type FriendView struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// tygo:generate
type FriendListMessage struct {
	Friends []FriendView `json:"friends"`
}

// tygo:generate
type InviteMessage struct {
	From      string `json:"from"`
	LobbyID   int    `json:"lobbyId"`
	LobbyName string `json:"lobbyName"`
	Code      string `json:"code,omitempty"`
}

// tygo:generate
type LeaderboardRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=100"`
}

// tygo:generate
type LeaderboardMessage struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// tygo:generate
type ProfileRequest struct {
	Identity string `json:"identity" validate:"omitempty,max=20"`
}
