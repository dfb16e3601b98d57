package server

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "hunter22"

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records frames instead of writing to a socket.
type fakeTransport struct {
	frames [][]byte
	kinds  []websocket.MessageType
	full   bool
	closed bool
	reason string
}

func (f *fakeTransport) Send(kind websocket.MessageType, data []byte) bool {
	if f.closed || f.full {
		return false
	}
	f.frames = append(f.frames, data)
	f.kinds = append(f.kinds, kind)
	return true
}

func (f *fakeTransport) Close(reason string) {
	if f.closed {
		return
	}
	f.closed = true
	f.reason = reason
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// syncSpawn runs store work inline so tests see its effects immediately.
func syncSpawn(work func(ctx context.Context) func()) {
	if cont := work(context.Background()); cont != nil {
		cont()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore() *MemoryStore {
	store := NewMemoryStore()
	store.cost = bcrypt.MinCost
	return store
}

type testHarness struct {
	t       *testing.T
	loop    *Loop
	store   *MemoryStore
	metrics *Metrics
	clock   *testClock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	store := newTestStore()
	metrics := NewMetrics()
	clock := &testClock{now: epoch}
	loop := NewLoop(cfg, store, metrics, discardLogger(),
		WithClock(clock.Now),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithSpawner(syncSpawn),
	)
	return &testHarness{t: t, loop: loop, store: store, metrics: metrics, clock: clock}
}

// tick advances the clock by one tick interval and runs a loop pass.
func (h *testHarness) tick() {
	h.clock.Advance(50 * time.Millisecond)
	now := h.clock.Now()
	h.loop.tick(now)
	h.loop.sweep(now)
}

type testClient struct {
	h         *testHarness
	id        string
	transport *fakeTransport
}

func (h *testHarness) connect() *testClient {
	h.t.Helper()
	tr := &fakeTransport{}
	c := NewConnection(tr, jsonCodec{}, newPacketLimiter(h.loop.cfg), h.clock.Now())
	h.loop.handle(openEvent{conn: c})
	return &testClient{h: h, id: c.ID, transport: tr}
}

// login registers identity on a fresh connection and clears its inbox.
func (h *testHarness) login(identity string) *testClient {
	h.t.Helper()
	c := h.connect()
	c.send(MsgRegister, CredentialsRequest{Username: identity, Password: testPassword})
	c.expect(MsgAuthResult)
	c.clear()
	return c
}

func (c *testClient) conn() *Connection {
	conn, ok := c.h.loop.conns.Get(c.id)
	require.True(c.h.t, ok, "connection %s is gone", c.id)
	return conn
}

func (c *testClient) send(msgType string, payload any) {
	c.h.t.Helper()
	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	require.NoError(c.h.t, err)
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.h.loop.handle(packetEvent{connID: c.id, data: data})
}

func (c *testClient) disconnect() {
	c.h.loop.handle(closeEvent{connID: c.id, reason: "client closed"})
}

type received struct {
	Type    string          `json:"type"`
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

func (c *testClient) messages() []received {
	c.h.t.Helper()
	out := make([]received, 0, len(c.transport.frames))
	for _, f := range c.transport.frames {
		var msg received
		require.NoError(c.h.t, json.Unmarshal(f, &msg))
		out = append(out, msg)
	}
	return out
}

func (c *testClient) all(msgType string) []received {
	var out []received
	for _, m := range c.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// expect returns the most recent message of msgType, failing if none.
func (c *testClient) expect(msgType string) received {
	c.h.t.Helper()
	msgs := c.all(msgType)
	require.NotEmpty(c.h.t, msgs, "no %s message received", msgType)
	return msgs[len(msgs)-1]
}

func (c *testClient) expectError(code Code) {
	c.h.t.Helper()
	msg := c.expect(MsgError)
	require.Equal(c.h.t, code, msg.Code, msg.Message)
}

func (c *testClient) clear() {
	c.transport.frames = nil
	c.transport.kinds = nil
}

func decodePayload[T any](t *testing.T, msg received) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

// startMatch builds a public two-player lobby and starts it.
func (h *testHarness) startMatch(host, guest *testClient) *Lobby {
	h.t.Helper()
	host.send(MsgCreateLobby, CreateLobbyRequest{Name: "Arena", Mode: "classic"})
	snap := decodePayload[LobbySnapshot](h.t, host.expect(MsgLobbyState))
	guest.send(MsgJoinLobby, JoinLobbyRequest{LobbyID: snap.ID})
	guest.send(MsgToggleReady, nil)
	host.send(MsgStartGame, nil)

	lobby, ok := h.loop.lobbies.Get(snap.ID)
	require.True(h.t, ok)
	require.Equal(h.t, LobbyPlaying, lobby.Status)
	host.clear()
	guest.clear()
	return lobby
}
