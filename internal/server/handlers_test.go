package server

import (
	"context"
	"testing"
	"time"

	"arena-server/internal/arena"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ACCOUNT TESTS
// ============================================================================

func TestPing(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.send(MsgPing, nil)

	c.expect(MsgPong)
}

func TestRegisterAndLogin(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	c := h.connect()
	c.send(MsgRegister, CredentialsRequest{Username: "alice", Password: testPassword})
	res := decodePayload[AuthResult](t, c.expect(MsgAuthResult))
	assert.Equal("alice", res.Identity)
	assert.Equal(arena.DefaultRating, res.Rating)
	assert.NotEmpty(res.Token)
	assert.False(res.Reconnected)

	other := h.connect()
	other.send(MsgLogin, CredentialsRequest{Username: "alice", Password: "wrongpass"})
	other.expectError(CodeAuthFailed)

	other.clear()
	other.send(MsgRegister, CredentialsRequest{Username: "alice", Password: testPassword})
	other.expectError(CodeAccountExists)
}

func TestRegister_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.send(MsgRegister, CredentialsRequest{Username: "a!", Password: "x"})

	c.expectError(CodeInvalidPayload)
	assert.False(t, c.conn().Authenticated())
}

func TestRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})

	c.expectError(CodeNotAuthenticated)
	assert.Equal(t, 0, h.loop.lobbies.Count())
}

func TestResume(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	first := h.connect()
	first.send(MsgRegister, CredentialsRequest{Username: "alice", Password: testPassword})
	token := decodePayload[AuthResult](t, first.expect(MsgAuthResult)).Token
	first.disconnect()

	second := h.connect()
	second.send(MsgResume, ResumeRequest{Token: token})
	res := decodePayload[AuthResult](t, second.expect(MsgAuthResult))
	assert.Equal("alice", res.Identity)
	assert.Equal(token, res.Token)

	third := h.connect()
	third.send(MsgResume, ResumeRequest{Token: "7b0f3c55-0000-4000-8000-000000000000"})
	third.expectError(CodeTokenNotFound)
}

// A second login for the same identity takes over and closes the first socket.
func TestLogin_TakesOverExistingConnection(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)

	first := h.login("alice")
	second := h.connect()
	second.send(MsgLogin, CredentialsRequest{Username: "alice", Password: testPassword})

	second.expect(MsgAuthResult)
	assert.True(first.transport.closed)
	assert.Equal("logged in elsewhere", first.transport.reason)
	_, stillThere := h.loop.conns.Get(first.id)
	assert.False(stillThere)

	byIdentity, ok := h.loop.conns.ByIdentity("alice")
	require.True(t, ok)
	assert.Equal(second.id, byIdentity.ID)
}

// ============================================================================
// LOBBY TESTS
// ============================================================================

func TestScenario_CreateJoinReadyStart(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena", Mode: "classic"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Equal("Arena", snap.Name)
	assert.Equal(0, snap.You)
	assert.True(snap.Players[0].Host)

	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})
	snap = decodePayload[LobbySnapshot](t, bob.expect(MsgLobbyState))
	assert.Equal(2, snap.NumPlayers)
	assert.Equal(1, snap.You)

	alice.send(MsgStartGame, nil)
	alice.expectError(CodeNotAllReady)

	bob.send(MsgToggleReady, nil)
	bob.send(MsgStartGame, nil)
	bob.expectError(CodeNotHost)

	alice.send(MsgStartGame, nil)
	lobby, ok := h.loop.lobbies.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(LobbyPlaying, lobby.Status)
	assert.Equal(arena.StatusRunning, lobby.Sim.Status)
	require.Len(t, lobby.Sim.Players, 2)
	assert.Equal(arena.Position{X: 1, Y: 1}, lobby.Sim.Players[0].Pos)
	assert.Equal(arena.Position{X: arena.GridWidth - 2, Y: arena.GridHeight - 2}, lobby.Sim.Players[1].Pos)

	state := decodePayload[GameStateMessage](t, bob.expect(MsgGameState))
	assert.Equal(1, state.State.Viewer)
	assert.Equal("running", state.State.Status)
}

func TestJoinLobby_PrivateByCode(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Secret", Private: true, Code: "wxyz"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Equal("WXYZ", snap.Code)

	carol.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID, Code: "ZZZZ"})
	carol.expectError(CodeWrongCode)
	carol.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID, Code: "WX"})
	carol.expectError(CodeWrongCode)
	carol.send(MsgJoinLobby, JoinLobbyRequest{Code: "WXYZ1"})
	carol.expectError(CodeWrongCode)

	carol.send(MsgCreateLobby, CreateLobbyRequest{Name: "Copy", Private: true, Code: "WXYZ"})
	carol.expectError(CodeCodeTaken)

	bob.send(MsgJoinLobby, JoinLobbyRequest{Code: "wxyz"})
	joined := decodePayload[LobbySnapshot](t, bob.expect(MsgLobbyState))
	assert.Equal(snap.ID, joined.ID)

	bob.send(MsgListLobbies, nil)
	list := decodePayload[[]LobbySummary](t, bob.expect(MsgLobbyList))
	assert.Empty(list)
}

func TestJoinLobby_AlreadyInLobby(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "One"})
	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Two"})

	alice.expectError(CodeNotAllowed)
	assert.Equal(t, 1, h.loop.lobbies.Count())
}

func TestKick(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})

	bob.send(MsgKick, KickRequest{Identity: "alice"})
	bob.expectError(CodeNotHost)

	alice.send(MsgKick, KickRequest{Identity: "bob"})
	left := decodePayload[LeftLobbyMessage](t, bob.expect(MsgLeftLobby))
	assert.Equal("kicked", left.Reason)
	assert.Equal(0, bob.conn().LobbyID)

	snap = decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Equal(1, snap.NumPlayers)
}

func TestLeaveLobby_HostMigrates(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})
	bob.clear()

	alice.send(MsgLeaveLobby, nil)

	alice.expect(MsgLeftLobby)
	snap = decodePayload[LobbySnapshot](t, bob.expect(MsgLobbyState))
	assert.Equal(1, snap.NumPlayers)
	assert.Equal(0, snap.Host)
	assert.Equal("bob", snap.Players[0].Identity)
	assert.True(snap.Players[0].Host)
}

func TestDisconnect_WaitingLobbyReleasesSlot(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})
	alice.clear()

	bob.disconnect()

	snap = decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Equal(1, snap.NumPlayers)

	alice.disconnect()
	assert.Equal(0, h.loop.lobbies.Count())
}

func TestSetModeAndLock(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))

	alice.send(MsgSetMode, SetModeRequest{Mode: "fog"})
	alice.send(MsgToggleLock, nil)
	snap = decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Equal(arena.ModeFog, snap.Mode)
	assert.True(snap.Locked)

	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})
	bob.expectError(CodeLocked)
}

// ============================================================================
// GAMEPLAY TESTS
// ============================================================================

func TestAction_MovesPlayer(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)

	// The tile right of a spawn is always inside its safe zone.
	alice.send(MsgAction, ActionRequest{Action: "right"})
	h.tick()

	assert.Equal(t, arena.Position{X: 2, Y: 1}, lobby.Sim.Players[0].Pos)
	state := decodePayload[GameStateMessage](t, alice.expect(MsgGameState))
	assert.Equal(t, 2, state.State.Players[0].X)
}

func TestAction_Rejections(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")

	alice.send(MsgAction, ActionRequest{Action: "up"})
	alice.expectError(CodeNotInLobby)

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	alice.send(MsgAction, ActionRequest{Action: "up"})
	alice.expectError(CodeNotPlaying)

	alice.send(MsgAction, ActionRequest{Action: "jump"})
	alice.expectError(CodeInvalidPayload)

	alice.send(MsgLeaveLobby, nil)
	lobby := h.startMatch(alice, bob)
	carol.send(MsgSpectate, SpectateRequest{LobbyID: lobby.ID})
	state := decodePayload[GameStateMessage](t, carol.expect(MsgGameState))
	assert.Equal(t, -1, state.State.Viewer)

	carol.send(MsgAction, ActionRequest{Action: "bomb"})
	carol.expectError(CodeNotAllowed)
}

// Reconnecting mid-match rebinds the same slot with its state untouched.
func TestReconnect_RebindsSameSlot(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)

	alice.send(MsgAction, ActionRequest{Action: "right"})
	alice.send(MsgAction, ActionRequest{Action: "bomb"})
	before := *lobby.Sim.Players[0]
	require.Equal(t, 1, before.ActiveBombs)

	alice.disconnect()
	assert.Equal(LobbyPlaying, lobby.Status)
	assert.Equal(0, lobby.SlotOf("alice"))
	players := decodePayload[LobbySnapshot](t, bob.expect(MsgLobbyState)).Players
	assert.False(players[0].Connected)

	back := h.connect()
	back.send(MsgLogin, CredentialsRequest{Username: "alice", Password: testPassword})

	res := decodePayload[AuthResult](t, back.expect(MsgAuthResult))
	assert.True(res.Reconnected)
	assert.Equal(lobby.ID, res.LobbyID)
	slot, ok := lobby.Sim.SlotOf("alice")
	require.True(t, ok)
	assert.Equal(0, slot)
	assert.Equal(before, *lobby.Sim.Players[0])

	state := decodePayload[GameStateMessage](t, back.expect(MsgGameState))
	assert.Equal(0, state.State.Viewer)
	back.expect(MsgLobbyState)
}

func TestMatchFinish_ForfeitAppliesRatings(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)

	bob.send(MsgLeaveLobby, nil)
	h.tick()

	result := decodePayload[MatchResultMessage](t, alice.expect(MsgMatchResult))
	assert.Equal("alice", result.Winner)
	require.Len(t, result.Standings, 2)
	assert.Equal("alice", result.Standings[0].Identity)
	assert.Equal(1216, result.Standings[0].Rating)
	assert.Equal(16, result.Standings[0].RatingDelta)
	assert.Equal(1184, result.Standings[1].Rating)
	assert.NotNil(result.Final)

	assert.Equal(LobbyWaiting, lobby.Status)
	assert.Nil(lobby.Sim)
	assert.Equal(1216, alice.conn().Rating)
	assert.Equal(1184, bob.conn().Rating)

	// Ending is processed once.
	h.tick()
	assert.Len(alice.all(MsgMatchResult), 1)

	board, err := h.store.Leaderboard(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(LeaderboardEntry{Identity: "alice", Rating: 1216, Wins: 1, Matches: 1}, board[0])
	assert.Equal(1.0, testutil.ToFloat64(h.metrics.matches.WithLabelValues("finished")))
}

func TestMatchFinish_DisconnectedPlayerReleased(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)

	bob.disconnect()
	lobby.Sim.Forfeit(1, h.clock.Now())
	h.tick()

	assert.Equal(t, LobbyWaiting, lobby.Status)
	assert.Equal(t, []string{"alice"}, lobby.Members())
}

func TestAbandonedMatchIsRemoved(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")
	lobby := h.startMatch(alice, bob)
	carol.send(MsgSpectate, SpectateRequest{LobbyID: lobby.ID})

	alice.disconnect()
	bob.disconnect()
	h.tick()
	_, ok := h.loop.lobbies.Get(lobby.ID)
	assert.True(ok)

	h.clock.Advance(h.loop.cfg.AbandonTimeout)
	h.tick()

	_, ok = h.loop.lobbies.Get(lobby.ID)
	assert.False(ok)
	left := decodePayload[LeftLobbyMessage](t, carol.expect(MsgLeftLobby))
	assert.Equal("match abandoned", left.Reason)
	assert.Equal(0, carol.conn().LobbyID)
}

func TestTick_CatchesUpOneIntervalPerPass(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)
	start := lobby.LastTick

	h.clock.Advance(120 * time.Millisecond)
	h.loop.tick(h.clock.Now())
	assert.Equal(t, start.Add(arena.TickInterval), lobby.LastTick)

	h.clock.Advance(2 * time.Second)
	h.loop.tick(h.clock.Now())
	assert.Equal(t, h.clock.Now(), lobby.LastTick)
}

// Packets handled in a pass are applied before that pass's tick.
func TestRun_AppliesQueuedActionBeforeTick(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	lobby := h.startMatch(alice, bob)

	data, err := json.Marshal(map[string]any{"type": MsgAction, "payload": ActionRequest{Action: "right"}})
	require.NoError(t, err)
	h.loop.events <- packetEvent{connID: alice.id, data: data}
	h.clock.Advance(arena.TickInterval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	require.NoError(t, h.loop.Do(context.Background(), func() {}))
	cancel()
	<-done

	assert.Equal(t, h.clock.Now(), lobby.LastTick)
	states := alice.all(MsgGameState)
	require.Len(t, states, 1)
	state := decodePayload[GameStateMessage](t, states[0])
	assert.Equal(t, 2, state.State.Players[0].X)
}

type panickingCodec struct{ jsonCodec }

func (panickingCodec) Encode(ServerMessage) ([]byte, error) { panic("encode failed") }

func TestTick_PanicInOneLobbyIsContained(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")
	dave := h.login("dave")
	broken := h.startMatch(alice, bob)
	healthy := h.startMatch(carol, dave)
	alice.conn().codec = panickingCodec{}

	h.tick()

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.panics))
	assert.Equal(t, h.clock.Now(), healthy.LastTick)
	carol.expect(MsgGameState)

	h.tick()
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.panics))
	assert.Equal(t, LobbyPlaying, broken.Status)
}

func TestDisconnect_SpectatorLeavesRunningMatch(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")
	lobby := h.startMatch(alice, bob)
	carol.send(MsgSpectate, SpectateRequest{LobbyID: lobby.ID})
	require.Equal(t, []string{"carol"}, lobby.Spectators)
	alice.clear()

	carol.disconnect()

	assert.Empty(lobby.Spectators)
	assert.Equal(LobbyPlaying, lobby.Status)
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	assert.Empty(snap.Spectators)
	assert.Len(snap.Players, 2)
}

// ============================================================================
// SOCIAL TESTS
// ============================================================================

func TestChat(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena"})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	bob.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})

	alice.send(MsgChat, ChatRequest{Text: "  gl hf  "})

	line := decodePayload[ChatLineMessage](t, bob.expect(MsgChatLine))
	assert.Equal(t, "alice", line.From)
	assert.Equal(t, "gl hf", line.Text)

	lobby, _ := h.loop.lobbies.Get(snap.ID)
	assert.Len(t, lobby.Chat.Lines(), 1)
}

func TestFriendsAndInvite(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(MsgAddFriend, FriendRequest{Identity: "alice"})
	alice.expectError(CodeNotAllowed)

	alice.send(MsgAddFriend, FriendRequest{Identity: "nobody"})
	alice.expectError(CodeNotFound)

	alice.send(MsgAddFriend, FriendRequest{Identity: "bob"})
	friends := decodePayload[FriendListMessage](t, alice.expect(MsgFriendList))
	assert.Equal([]FriendView{{Identity: "bob", Online: true}}, friends.Friends)

	bob.send(MsgGetFriends, nil)
	friends = decodePayload[FriendListMessage](t, bob.expect(MsgFriendList))
	assert.Equal([]FriendView{{Identity: "alice", Online: true}}, friends.Friends)

	alice.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena", Private: true})
	snap := decodePayload[LobbySnapshot](t, alice.expect(MsgLobbyState))
	alice.send(MsgInvite, FriendRequest{Identity: "bob"})

	invite := decodePayload[InviteMessage](t, bob.expect(MsgInvited))
	assert.Equal("alice", invite.From)
	assert.Equal(snap.ID, invite.LobbyID)
	assert.Equal(snap.Code, invite.Code)
}

func TestLeaderboardAndProfile(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	alice := h.login("alice")
	h.login("bob")

	alice.send(MsgLeaderboard, LeaderboardRequest{})
	board := decodePayload[LeaderboardMessage](t, alice.expect(MsgLeaderboard))
	assert.Len(board.Entries, 2)

	alice.send(MsgProfile, ProfileRequest{Identity: "bob"})
	prof := decodePayload[Profile](t, alice.expect(MsgProfile))
	assert.Equal("bob", prof.Identity)
	assert.Equal(arena.DefaultRating, prof.Rating)

	alice.send(MsgProfile, ProfileRequest{Identity: "ghost"})
	alice.expectError(CodeNotFound)
}

// ============================================================================
// PROTOCOL TESTS
// ============================================================================

func TestPacketsDroppedSilently(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t)
	c := h.connect()

	c.sendRaw([]byte("not json"))
	c.sendRaw([]byte(`{"type":"teleport","payload":{}}`))
	c.sendRaw([]byte(`{"payload":{}}`))

	assert.Empty(c.messages())
	assert.Equal(2.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("malformed")))
	assert.Equal(1.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("unknown_type")))
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	burst := h.loop.cfg.PacketBurst

	for i := 0; i < burst+10; i++ {
		c.send(MsgPing, nil)
	}

	assert.Len(t, c.all(MsgPong), burst)
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("rate_limit")))
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	c.transport.full = true

	c.send(MsgPing, nil)

	assert.True(t, c.transport.closed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.dropped.WithLabelValues("slow_consumer")))
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	h := newHarnessWithConfig(t, cfg)

	h.connect()
	second := h.connect()

	assert.True(t, second.transport.closed)
	assert.Equal(t, 1, h.loop.conns.Count())
}

func TestIdleConnectionsAreReaped(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	h.clock.Advance(h.loop.cfg.IdleTimeout + time.Second)
	h.loop.sweep(h.clock.Now())

	assert.True(t, c.transport.closed)
	assert.Equal(t, 0, h.loop.conns.Count())
}

func TestIdleReaping_SparesMatchWatchers(t *testing.T) {
	h := newHarness(t)
	alice := h.login("alice")
	bob := h.login("bob")
	carol := h.login("carol")
	lobby := h.startMatch(alice, bob)
	carol.send(MsgSpectate, SpectateRequest{LobbyID: lobby.ID})
	idler := h.login("dave")

	h.clock.Advance(h.loop.cfg.IdleTimeout + time.Second)
	h.loop.sweep(h.clock.Now())

	assert.True(t, idler.transport.closed)
	for _, c := range []*testClient{alice, bob, carol} {
		assert.False(t, c.transport.closed)
	}
	assert.Equal(t, 3, h.loop.conns.Count())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	h.loop.handle(callEvent{fn: func() { panic("boom") }})
	c.send(MsgPing, nil)

	c.expect(MsgPong)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.panics))
}

func TestErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	c := h.connect()

	c.send(MsgListLobbies, nil)

	msg := c.expect(MsgError)
	var payload ErrorMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, string(CodeNotAuthenticated), payload.Code)
	assert.Equal(t, "NOT_AUTHENTICATED: log in first", payload.Message)
}
