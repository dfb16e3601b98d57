package server

import (
	"errors"
	"fmt"

	"arena-server/internal/arena"
)

func (l *Loop) send(c *Connection, msgType string, payload any) {
	l.sendMessage(c, ServerMessage{Type: msgType, Payload: payload})
}

func (l *Loop) sendMessage(c *Connection, msg ServerMessage) {
	data, err := c.codec.Encode(msg)
	if err != nil {
		l.log.Error("failed to encode message", "type", msg.Type, "codec", c.codec.Name(), "error", err)
		return
	}
	l.sendFrame(c, data)
}

// sendFrame queues an encoded frame. A full queue is treated as a dead
// peer: the transport is closed and the reader reports the disconnect.
func (l *Loop) sendFrame(c *Connection, data []byte) {
	if !c.transport.Send(c.codec.FrameType(), data) {
		l.metrics.RecordDropped("slow_consumer")
		c.transport.Close("outbound queue full")
	}
}

func (l *Loop) sendError(c *Connection, err error) {
	var e *Error
	if !errors.As(err, &e) {
		l.log.Error("unexpected handler error", "conn", c.ID, "error", err)
		e = &Error{Code: CodeInternal, Message: "internal error"}
	}
	l.sendMessage(c, ServerMessage{
		Type:    MsgError,
		Code:    e.Code,
		Message: e.Message,
		Payload: ErrorMessage{Message: e.Error(), Code: string(e.Code)},
	})
}

// memberConns returns the live connections currently attached to lobby,
// players first.
func (l *Loop) memberConns(lobby *Lobby) []*Connection {
	var out []*Connection
	for _, identity := range lobby.Members() {
		if c, ok := l.conns.ByIdentity(identity); ok && c.LobbyID == lobby.ID {
			out = append(out, c)
		}
	}
	return out
}

func (l *Loop) broadcast(lobby *Lobby, msgType string, payload any) {
	for _, c := range l.memberConns(lobby) {
		l.send(c, msgType, payload)
	}
}

func (l *Loop) broadcastLobby(lobby *Lobby) {
	for _, c := range l.memberConns(lobby) {
		l.send(c, MsgLobbyState, l.buildLobbyState(lobby, c))
	}
}

func (l *Loop) buildLobbyState(lobby *Lobby, forConn *Connection) LobbySnapshot {
	players := make([]LobbyPlayer, len(lobby.Slots))
	for i, s := range lobby.Slots {
		c, online := l.conns.ByIdentity(s.Identity)
		players[i] = LobbyPlayer{
			Identity:  s.Identity,
			Ready:     s.Ready || i == lobby.Host,
			Host:      i == lobby.Host,
			Connected: online && c.LobbyID == lobby.ID,
			Rating:    s.Rating,
		}
	}
	spectators := make([]string, len(lobby.Spectators))
	copy(spectators, lobby.Spectators)

	you := -1
	if !forConn.Spectating {
		you = lobby.SlotOf(forConn.Identity)
	}
	return LobbySnapshot{
		ID:         lobby.ID,
		Name:       lobby.Name,
		Players:    players,
		NumPlayers: lobby.NumPlayers(),
		Spectators: spectators,
		Host:       lobby.Host,
		Status:     string(lobby.Status),
		Private:    lobby.Private,
		Code:       lobby.Code,
		Locked:     lobby.Locked,
		Mode:       lobby.Mode,
		You:        you,
		Chat:       lobby.Chat.Lines(),
	}
}

// viewerSlot maps a connection to the simulation slot it sees through, or
// -1 for spectators.
func viewerSlot(lobby *Lobby, c *Connection) int {
	if c.Spectating || lobby.Sim == nil {
		return -1
	}
	if slot, ok := lobby.Sim.SlotOf(c.Identity); ok {
		return slot
	}
	return -1
}

// broadcastGameState sends every member its filtered snapshot. Frames are
// shared between members with the same codec and viewpoint.
func (l *Loop) broadcastGameState(lobby *Lobby) {
	frames := make(map[string][]byte)
	for _, c := range l.memberConns(lobby) {
		viewer := viewerSlot(lobby, c)
		key := fmt.Sprintf("%s/%d", c.codec.Name(), viewer)
		data, ok := frames[key]
		if !ok {
			var err error
			data, err = c.codec.Encode(l.gameStateMessage(lobby, viewer))
			if err != nil {
				l.log.Error("failed to encode game state", "lobby", lobby.ID, "error", err)
				continue
			}
			frames[key] = data
		}
		l.sendFrame(c, data)
	}
}

func (l *Loop) sendGameState(c *Connection, lobby *Lobby) {
	if lobby.Sim == nil {
		return
	}
	l.sendMessage(c, l.gameStateMessage(lobby, viewerSlot(lobby, c)))
}

func (l *Loop) gameStateMessage(lobby *Lobby, viewer int) ServerMessage {
	return ServerMessage{
		Type: MsgGameState,
		Payload: GameStateMessage{
			LobbyID: lobby.ID,
			State:   arena.Filter(lobby.Sim, viewer),
		},
	}
}
