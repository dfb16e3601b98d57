package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"arena-server/internal/arena"
)

const defaultLeaderboardLimit = 10

func (l *Loop) dispatch(c *Connection, msgType string, payload []byte, now time.Time) {
	switch msgType {
	case MsgPing:
		l.send(c, MsgPong, nil)
		return
	case MsgRegister:
		l.handleRegister(c, payload)
		return
	case MsgLogin:
		l.handleLogin(c, payload)
		return
	case MsgResume:
		l.handleResume(c, payload, now)
		return
	}

	if !c.Authenticated() {
		l.sendError(c, newError(CodeNotAuthenticated, "log in first"))
		return
	}

	switch msgType {
	case MsgListLobbies:
		l.send(c, MsgLobbyList, l.lobbies.List())
	case MsgCreateLobby:
		l.handleCreateLobby(c, payload, now)
	case MsgJoinLobby:
		l.handleJoinLobby(c, payload, now)
	case MsgLeaveLobby:
		l.handleLeaveLobby(c)
	case MsgToggleReady:
		l.handleToggleReady(c)
	case MsgStartGame:
		l.handleStartGame(c, now)
	case MsgSpectate:
		l.handleSpectate(c, payload)
	case MsgToggleLock:
		l.handleToggleLock(c)
	case MsgKick:
		l.handleKick(c, payload)
	case MsgSetMode:
		l.handleSetMode(c, payload)
	case MsgAction:
		l.handleAction(c, payload, now)
	case MsgChat:
		l.handleChat(c, payload, now)
	case MsgGetFriends:
		l.handleGetFriends(c)
	case MsgAddFriend:
		l.handleAddFriend(c, payload)
	case MsgInvite:
		l.handleInvite(c, payload)
	case MsgLeaderboard:
		l.handleLeaderboard(c, payload)
	case MsgProfile:
		l.handleProfile(c, payload)
	}
}

// decode unmarshals and validates a payload, answering the client itself
// when either step fails.
func (l *Loop) decode(c *Connection, payload []byte, v any) bool {
	if err := c.codec.DecodePayload(payload, v); err != nil {
		l.sendError(c, newError(CodeInvalidPayload, "malformed payload"))
		return false
	}
	if err := l.validate.Struct(v); err != nil {
		l.sendError(c, newError(CodeInvalidPayload, "%s", describeValidation(err)))
		return false
	}
	return true
}

// currentLobby resolves the lobby c is attached to.
func (l *Loop) currentLobby(c *Connection) (*Lobby, error) {
	if c.LobbyID == 0 {
		return nil, newError(CodeNotInLobby, "not in a lobby")
	}
	lobby, ok := l.lobbies.Get(c.LobbyID)
	if !ok {
		c.LobbyID = 0
		return nil, newError(CodeNotInLobby, "lobby no longer exists")
	}
	return lobby, nil
}

// ============================================================================
// ACCOUNTS
// ============================================================================

func (l *Loop) handleRegister(c *Connection, payload []byte) {
	if c.Authenticated() {
		l.sendError(c, newError(CodeNotAllowed, "already logged in"))
		return
	}
	var req CredentialsRequest
	if !l.decode(c, payload, &req) {
		return
	}
	connID := c.ID
	l.spawn(func(ctx context.Context) func() {
		acct, err := l.store.Register(ctx, req.Username, req.Password)
		return func() { l.completeAuth(connID, acct, err) }
	})
}

func (l *Loop) handleLogin(c *Connection, payload []byte) {
	if c.Authenticated() {
		l.sendError(c, newError(CodeNotAllowed, "already logged in"))
		return
	}
	var req CredentialsRequest
	if !l.decode(c, payload, &req) {
		return
	}
	connID := c.ID
	l.spawn(func(ctx context.Context) func() {
		acct, err := l.store.Authenticate(ctx, req.Username, req.Password)
		return func() { l.completeAuth(connID, acct, err) }
	})
}

// completeAuth runs back on the loop once the store has answered. The
// connection may have gone away in the meantime.
func (l *Loop) completeAuth(connID string, acct Account, err error) {
	c, ok := l.conns.Get(connID)
	if !ok {
		return
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		l.sendError(c, newError(CodeAuthFailed, "invalid username or password"))
		return
	case errors.Is(err, ErrAccountExists):
		l.sendError(c, newError(CodeAccountExists, "username is taken"))
		return
	case err != nil:
		l.metrics.RecordPersistError("auth")
		l.log.Error("account store failed", "conn", connID, "error", err)
		l.sendError(c, newError(CodeUnavailable, "account service unavailable"))
		return
	}
	if c.Authenticated() {
		return
	}
	session := l.sessions.Issue(acct.Identity, acct.Rating, l.now())
	l.bind(c, session)
}

func (l *Loop) handleResume(c *Connection, payload []byte, now time.Time) {
	if c.Authenticated() {
		l.sendError(c, newError(CodeNotAllowed, "already logged in"))
		return
	}
	var req ResumeRequest
	if !l.decode(c, payload, &req) {
		return
	}
	session, err := l.sessions.Resume(req.Token, now)
	if err != nil {
		l.sendError(c, err)
		return
	}
	l.bind(c, session)
}

// bind attaches an authenticated identity to c. An older connection for
// the same identity is closed and its lobby membership carried over. If
// the identity still holds a slot in a running match, c takes it back.
func (l *Loop) bind(c *Connection, session SessionInfo) {
	if old, ok := l.conns.Bind(c, session.Identity); ok {
		c.LobbyID, c.Spectating = old.LobbyID, old.Spectating
		old.LobbyID = 0
		l.conns.Remove(old.ID)
		l.sendError(old, newError(CodeNotAllowed, "logged in elsewhere"))
		old.transport.Close("logged in elsewhere")
		l.metrics.SetConnections(l.conns.Count())
		l.log.Info("session taken over", "identity", session.Identity, "old", old.ID, "new", c.ID)
	}
	c.Rating = session.Rating
	c.Token = session.Token

	result := AuthResult{
		Identity: session.Identity,
		Token:    session.Token,
		Rating:   session.Rating,
	}
	if lobby, ok := l.lobbies.FindPlaying(session.Identity); ok {
		c.LobbyID = lobby.ID
		c.Spectating = false
		lobby.abandonedSince = time.Time{}
		result.Reconnected = true
		l.log.Info("player reconnected to match", "lobby", lobby.ID, "identity", session.Identity)
	}
	result.LobbyID = c.LobbyID
	l.log.Info("authenticated", "conn", c.ID, "identity", session.Identity)
	l.send(c, MsgAuthResult, result)

	if c.LobbyID == 0 {
		return
	}
	lobby, ok := l.lobbies.Get(c.LobbyID)
	if !ok {
		c.LobbyID = 0
		return
	}
	l.broadcastLobby(lobby)
	l.sendGameState(c, lobby)
}

// ============================================================================
// LOBBIES
// ============================================================================

func (l *Loop) handleCreateLobby(c *Connection, payload []byte, now time.Time) {
	if c.LobbyID != 0 {
		l.sendError(c, newError(CodeNotAllowed, "leave your current lobby first"))
		return
	}
	var req CreateLobbyRequest
	if !l.decode(c, payload, &req) {
		return
	}
	mode, err := arena.ParseMode(req.Mode)
	if err != nil {
		l.sendError(c, newError(CodeInvalidPayload, "%s", err.Error()))
		return
	}
	lobby, err := l.lobbies.Create(req.Name, req.Private, req.Code, mode, c.Identity, c.Rating, now)
	if err != nil {
		l.sendError(c, err)
		return
	}
	c.LobbyID = lobby.ID
	c.Spectating = false

	l.log.Info("lobby created",
		"lobby", lobby.ID,
		"host", c.Identity,
		"mode", mode,
		"private", lobby.Private,
	)
	l.broadcastLobby(lobby)
}

func (l *Loop) handleJoinLobby(c *Connection, payload []byte, now time.Time) {
	if c.LobbyID != 0 {
		l.sendError(c, newError(CodeNotAllowed, "leave your current lobby first"))
		return
	}
	var req JoinLobbyRequest
	if !l.decode(c, payload, &req) {
		return
	}

	var (
		lobby *Lobby
		slot  int
		err   error
	)
	if req.LobbyID == 0 {
		lobby, slot, err = l.lobbies.JoinByCode(req.Code, c.Identity, c.Rating, now)
	} else {
		lobby, slot, err = l.lobbies.Join(req.LobbyID, c.Identity, req.Code, c.Rating, now)
	}
	if err != nil {
		l.sendError(c, err)
		return
	}
	c.LobbyID = lobby.ID
	c.Spectating = false

	l.log.Info("player joined lobby", "lobby", lobby.ID, "identity", c.Identity, "slot", slot)
	l.broadcastLobby(lobby)
}

func (l *Loop) handleLeaveLobby(c *Connection) {
	if c.LobbyID == 0 {
		l.sendError(c, newError(CodeNotInLobby, "not in a lobby"))
		return
	}
	l.leaveLobby(c, "left", true)
}

func (l *Loop) handleToggleReady(c *Connection) {
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	if _, err := l.lobbies.ToggleReady(lobby.ID, c.Identity); err != nil {
		l.sendError(c, err)
		return
	}
	l.broadcastLobby(lobby)
}

func (l *Loop) handleStartGame(c *Connection, now time.Time) {
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	if _, err := l.lobbies.Start(lobby.ID, c.Identity, now); err != nil {
		l.sendError(c, err)
		return
	}

	l.log.Info("match started",
		"lobby", lobby.ID,
		"players", lobby.NumPlayers(),
		"mode", lobby.Mode,
	)
	l.metrics.RecordMatch("started")
	l.broadcastLobby(lobby)
	l.broadcastGameState(lobby)
}

func (l *Loop) handleSpectate(c *Connection, payload []byte) {
	if c.LobbyID != 0 {
		l.sendError(c, newError(CodeNotAllowed, "leave your current lobby first"))
		return
	}
	var req SpectateRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.lobbies.Spectate(req.LobbyID, c.Identity)
	if err != nil {
		l.sendError(c, err)
		return
	}
	c.LobbyID = lobby.ID
	c.Spectating = true

	l.broadcastLobby(lobby)
	l.sendGameState(c, lobby)
}

func (l *Loop) handleToggleLock(c *Connection) {
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	if _, err := l.lobbies.ToggleLock(lobby.ID, c.Identity); err != nil {
		l.sendError(c, err)
		return
	}
	l.broadcastLobby(lobby)
}

func (l *Loop) handleKick(c *Connection, payload []byte) {
	var req KickRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	if _, err := l.lobbies.Kick(lobby.ID, c.Identity, req.Identity); err != nil {
		l.sendError(c, err)
		return
	}
	if target, ok := l.conns.ByIdentity(req.Identity); ok && target.LobbyID == lobby.ID {
		target.LobbyID = 0
		target.Spectating = false
		l.send(target, MsgLeftLobby, LeftLobbyMessage{LobbyID: lobby.ID, Reason: "kicked"})
	}
	l.log.Info("player kicked", "lobby", lobby.ID, "host", c.Identity, "target", req.Identity)
	l.broadcastLobby(lobby)
}

func (l *Loop) handleSetMode(c *Connection, payload []byte) {
	var req SetModeRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	mode, err := arena.ParseMode(req.Mode)
	if err != nil {
		l.sendError(c, newError(CodeInvalidPayload, "%s", err.Error()))
		return
	}
	if _, err := l.lobbies.SetMode(lobby.ID, c.Identity, mode); err != nil {
		l.sendError(c, err)
		return
	}
	l.broadcastLobby(lobby)
}

// ============================================================================
// GAMEPLAY
// ============================================================================

// handleAction applies one input. Moves and plants the simulation refuses
// are not errors; the next snapshot simply shows nothing changed.
func (l *Loop) handleAction(c *Connection, payload []byte, now time.Time) {
	var req ActionRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	if lobby.Status != LobbyPlaying || lobby.Sim == nil {
		l.sendError(c, newError(CodeNotPlaying, "no match running"))
		return
	}
	slot := viewerSlot(lobby, c)
	if slot < 0 {
		l.sendError(c, newError(CodeNotAllowed, "spectators cannot act"))
		return
	}
	action, err := arena.ParseAction(req.Action)
	if err != nil {
		l.sendError(c, newError(CodeInvalidPayload, "%s", err.Error()))
		return
	}
	if !lobby.Sim.Apply(slot, action, now) {
		l.log.Debug("action rejected", "lobby", lobby.ID, "identity", c.Identity, "action", action)
	}
}

// ============================================================================
// SOCIAL
// ============================================================================

func (l *Loop) handleChat(c *Connection, payload []byte, now time.Time) {
	var req ChatRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return
	}
	line := ChatLine{From: c.Identity, Text: text, At: now}
	lobby.Chat.Append(line)
	l.broadcast(lobby, MsgChatLine, ChatLineMessage{
		LobbyID: lobby.ID,
		From:    line.From,
		Text:    line.Text,
		At:      line.At,
	})
}

// handleGetFriends falls back to an empty list when the store fails.
func (l *Loop) handleGetFriends(c *Connection) {
	connID, identity := c.ID, c.Identity
	l.spawn(func(ctx context.Context) func() {
		friends, err := l.store.GetFriends(ctx, identity)
		if err != nil {
			l.metrics.RecordPersistError("get_friends")
			l.log.Error("failed to load friends", "identity", identity, "error", err)
			friends = nil
		}
		return func() {
			c, ok := l.conns.Get(connID)
			if !ok {
				return
			}
			views := make([]FriendView, len(friends))
			for i, f := range friends {
				views[i] = FriendView{Identity: f, Online: l.conns.Online(f)}
			}
			l.send(c, MsgFriendList, FriendListMessage{Friends: views})
		}
	})
}

func (l *Loop) handleAddFriend(c *Connection, payload []byte) {
	var req FriendRequest
	if !l.decode(c, payload, &req) {
		return
	}
	if req.Identity == c.Identity {
		l.sendError(c, newError(CodeNotAllowed, "cannot befriend yourself"))
		return
	}
	connID, identity := c.ID, c.Identity
	l.spawn(func(ctx context.Context) func() {
		err := l.store.AddFriend(ctx, identity, req.Identity)
		return func() {
			c, ok := l.conns.Get(connID)
			if !ok {
				return
			}
			switch {
			case errors.Is(err, ErrAccountNotFound):
				l.sendError(c, newError(CodeNotFound, "no player named %s", req.Identity))
			case err != nil:
				l.metrics.RecordPersistError("add_friend")
				l.log.Error("failed to add friend", "identity", identity, "friend", req.Identity, "error", err)
				l.sendError(c, newError(CodeUnavailable, "friends service unavailable"))
			default:
				l.handleGetFriends(c)
			}
		}
	})
}

func (l *Loop) handleInvite(c *Connection, payload []byte) {
	var req FriendRequest
	if !l.decode(c, payload, &req) {
		return
	}
	lobby, err := l.currentLobby(c)
	if err != nil {
		l.sendError(c, err)
		return
	}
	target, ok := l.conns.ByIdentity(req.Identity)
	if !ok {
		l.sendError(c, newError(CodeNotFound, "%s is not online", req.Identity))
		return
	}
	l.send(target, MsgInvited, InviteMessage{
		From:      c.Identity,
		LobbyID:   lobby.ID,
		LobbyName: lobby.Name,
		Code:      lobby.Code,
	})
}

// handleLeaderboard answers with an empty board when the store fails.
func (l *Loop) handleLeaderboard(c *Connection, payload []byte) {
	var req LeaderboardRequest
	if !l.decode(c, payload, &req) {
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultLeaderboardLimit
	}
	connID := c.ID
	l.spawn(func(ctx context.Context) func() {
		entries, err := l.store.Leaderboard(ctx, limit)
		if err != nil {
			l.metrics.RecordPersistError("leaderboard")
			l.log.Error("failed to load leaderboard", "error", err)
			entries = []LeaderboardEntry{}
		}
		return func() {
			if c, ok := l.conns.Get(connID); ok {
				l.send(c, MsgLeaderboard, LeaderboardMessage{Entries: entries})
			}
		}
	})
}

func (l *Loop) handleProfile(c *Connection, payload []byte) {
	var req ProfileRequest
	if !l.decode(c, payload, &req) {
		return
	}
	identity := req.Identity
	if identity == "" {
		identity = c.Identity
	}
	connID := c.ID
	l.spawn(func(ctx context.Context) func() {
		prof, err := l.store.Profile(ctx, identity)
		return func() {
			c, ok := l.conns.Get(connID)
			if !ok {
				return
			}
			switch {
			case errors.Is(err, ErrAccountNotFound):
				l.sendError(c, newError(CodeNotFound, "no player named %s", identity))
			case err != nil:
				l.metrics.RecordPersistError("profile")
				l.log.Error("failed to load profile", "identity", identity, "error", err)
				l.sendError(c, newError(CodeUnavailable, "profile service unavailable"))
			default:
				l.send(c, MsgProfile, prof)
			}
		}
	})
}
