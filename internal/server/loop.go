package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"arena-server/internal/arena"

	"github.com/go-playground/validator/v10"
)

var ErrLoopStopped = errors.New("loop stopped")

const sweepInterval = time.Second

// loopEvent is the closed set of things reader goroutines, HTTP handlers
// and background work can hand to the loop.
type loopEvent interface {
	loopEvent()
}

type openEvent struct{ conn *Connection }

type packetEvent struct {
	connID string
	data   []byte
}

type closeEvent struct {
	connID string
	reason string
}

type callEvent struct{ fn func() }

func (openEvent) loopEvent()   {}
func (packetEvent) loopEvent() {}
func (closeEvent) loopEvent()  {}
func (callEvent) loopEvent()   {}

// Loop is the single goroutine that owns every connection, lobby and
// simulation. Other goroutines only talk to it through events.
type Loop struct {
	cfg      Config
	log      *slog.Logger
	store    Store
	metrics  *Metrics
	validate *validator.Validate

	conns    *ConnectionManager
	lobbies  *LobbyManager
	sessions *SessionManager

	events  chan loopEvent
	stopped chan struct{}

	now   func() time.Time
	spawn func(work func(ctx context.Context) func())

	lastSweep time.Time
}

type LoopOption func(*loopOptions)

type loopOptions struct {
	now   func() time.Time
	rng   *rand.Rand
	spawn func(work func(ctx context.Context) func())
}

func WithClock(now func() time.Time) LoopOption {
	return func(o *loopOptions) { o.now = now }
}

func WithRand(rng *rand.Rand) LoopOption {
	return func(o *loopOptions) { o.rng = rng }
}

// WithSpawner replaces how store calls are run off the loop. The work
// function returns a continuation that must run on the loop.
func WithSpawner(spawn func(work func(ctx context.Context) func())) LoopOption {
	return func(o *loopOptions) { o.spawn = spawn }
}

func NewLoop(cfg Config, store Store, metrics *Metrics, log *slog.Logger, opts ...LoopOption) *Loop {
	o := loopOptions{
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Loop{
		cfg:      cfg,
		log:      log,
		store:    store,
		metrics:  metrics,
		validate: newValidator(),
		conns:    NewConnectionManager(),
		lobbies:  NewLobbyManager(o.rng),
		sessions: NewSessionManager(cfg.SessionTTL),
		events:   make(chan loopEvent, cfg.InboundQueue),
		stopped:  make(chan struct{}),
		now:      o.now,
		spawn:    o.spawn,
	}
	if l.spawn == nil {
		l.spawn = l.spawnAsync
	}
	return l
}

func (l *Loop) spawnAsync(work func(ctx context.Context) func()) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PersistTimeout)
		defer cancel()
		if cont := work(ctx); cont != nil {
			l.post(callEvent{fn: cont})
		}
	}()
}

// Run drives the loop until ctx is cancelled. Each pass waits at most
// PollInterval for input, dispatches every queued event, then ticks every
// running lobby whose interval has elapsed.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	poll := time.NewTicker(l.cfg.PollInterval)
	defer poll.Stop()

	l.log.Info("loop started", "poll", l.cfg.PollInterval, "tick", arena.TickInterval)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ev)
			l.drain()
		case <-poll.C:
		}
		now := l.now()
		l.tick(now)
		l.sweep(now)
	}
}

// drain handles what is already queued without waiting for more.
func (l *Loop) drain() {
	for n := len(l.events); n > 0; n-- {
		l.handle(<-l.events)
	}
}

func (l *Loop) post(ev loopEvent) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ev := callEvent{fn: func() {
		defer close(done)
		fn()
	}}
	select {
	case l.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Attach registers a freshly upgraded socket and returns its connection id.
func (l *Loop) Attach(t Transport, codec Codec) (string, bool) {
	c := NewConnection(t, codec, newPacketLimiter(l.cfg), l.now())
	return c.ID, l.post(openEvent{conn: c})
}

func (l *Loop) Deliver(connID string, data []byte) bool {
	return l.post(packetEvent{connID: connID, data: data})
}

func (l *Loop) Detach(connID, reason string) {
	l.post(closeEvent{connID: connID, reason: reason})
}

func (l *Loop) handle(ev loopEvent) {
	switch ev := ev.(type) {
	case openEvent:
		l.open(ev.conn)
	case packetEvent:
		l.packet(ev.connID, ev.data)
	case closeEvent:
		if c, ok := l.conns.Get(ev.connID); ok {
			l.disconnect(c, ev.reason)
		}
	case callEvent:
		l.safely("callback", ev.fn)
	}
}

// safely keeps a panicking handler from taking the loop down.
func (l *Loop) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.RecordPanic()
			l.log.Error("recovered panic in loop",
				"handler", what,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

func (l *Loop) open(c *Connection) {
	if l.conns.Count() >= l.cfg.MaxConnections {
		l.metrics.RecordDropped("server_full")
		c.transport.Close("server full")
		return
	}
	l.conns.Add(c)
	l.metrics.SetConnections(l.conns.Count())
	l.log.Debug("connection opened", "conn", c.ID, "codec", c.codec.Name())
}

func (l *Loop) packet(connID string, data []byte) {
	c, ok := l.conns.Get(connID)
	if !ok {
		return
	}
	now := l.now()
	c.lastActivity = now

	if !c.limiter.AllowN(now, 1) {
		l.metrics.RecordDropped("rate_limit")
		return
	}
	msgType, payload, err := c.codec.DecodeEnvelope(data)
	if err != nil {
		l.metrics.RecordDropped("malformed")
		l.log.Debug("dropping malformed packet", "conn", c.ID, "error", err)
		return
	}
	if !isKnownMessageType(msgType) {
		l.metrics.RecordDropped("unknown_type")
		l.log.Debug("dropping unknown message type", "conn", c.ID, "type", msgType)
		return
	}
	l.metrics.RecordPacket(msgType)
	l.safely(msgType, func() { l.dispatch(c, msgType, payload, now) })
}

// disconnect forgets a connection. A player in a running match keeps their
// slot so they can reconnect; any other lobby membership ends now.
func (l *Loop) disconnect(c *Connection, reason string) {
	if _, ok := l.conns.Remove(c.ID); !ok {
		return
	}
	c.transport.Close(reason)
	l.metrics.SetConnections(l.conns.Count())
	l.log.Info("connection closed", "conn", c.ID, "identity", c.Identity, "reason", reason)

	if c.LobbyID == 0 {
		return
	}
	lobby, ok := l.lobbies.Get(c.LobbyID)
	if !ok {
		return
	}
	if !c.Spectating && lobby.Status == LobbyPlaying && lobby.Sim != nil {
		if _, inMatch := lobby.Sim.SlotOf(c.Identity); inMatch {
			l.log.Info("player dropped mid-match, holding slot",
				"lobby", lobby.ID, "identity", c.Identity)
			l.broadcastLobby(lobby)
			return
		}
	}
	l.leaveLobby(c, "disconnected", false)
}

// leaveLobby detaches c from its lobby and tells whoever remains.
func (l *Loop) leaveLobby(c *Connection, reason string, notify bool) {
	lobbyID := c.LobbyID
	c.LobbyID = 0
	c.Spectating = false

	lobby, removed, err := l.lobbies.Leave(lobbyID, c.Identity, l.now())
	if err != nil {
		l.log.Warn("leave failed", "lobby", lobbyID, "identity", c.Identity, "error", err)
		return
	}
	if notify {
		l.send(c, MsgLeftLobby, LeftLobbyMessage{LobbyID: lobbyID, Reason: reason})
	}
	if removed {
		l.log.Info("lobby closed", "lobby", lobbyID, "reason", "empty")
		l.closeLobby(lobby, "lobby closed")
		return
	}
	l.broadcastLobby(lobby)
}

// closeLobby detaches every connection still pointing at a lobby that is
// no longer registered.
func (l *Loop) closeLobby(lobby *Lobby, reason string) {
	for _, c := range l.memberConns(lobby) {
		c.LobbyID = 0
		c.Spectating = false
		l.send(c, MsgLeftLobby, LeftLobbyMessage{LobbyID: lobby.ID, Reason: reason})
	}
}

// tick advances every running lobby at most once per pass. A lobby that
// fell behind catches up one interval per pass; beyond MaxTickLag it
// resynchronises instead.
func (l *Loop) tick(now time.Time) {
	for _, lobby := range l.lobbies.Playing() {
		l.safely("tick", func() { l.tickLobby(lobby, now) })
	}
}

func (l *Loop) tickLobby(lobby *Lobby, now time.Time) {
	if l.abandoned(lobby, now) {
		return
	}
	lag := now.Sub(lobby.LastTick)
	if lag < arena.TickInterval {
		return
	}
	if lag > l.cfg.MaxTickLag {
		l.log.Warn("lobby tick lagging, resynchronising", "lobby", lobby.ID, "lag", lag)
		lobby.LastTick = now
	} else {
		lobby.LastTick = lobby.LastTick.Add(arena.TickInterval)
	}

	start := time.Now()
	lobby.Sim.Advance(now)
	l.metrics.RecordTick(time.Since(start))

	l.logEvents(lobby)
	l.broadcastGameState(lobby)
	if lobby.Sim.Status == arena.StatusEnded {
		l.finishMatch(lobby, now)
	}
}

// abandoned ends a match nobody is connected to any more. No winner is
// declared and ratings are untouched.
func (l *Loop) abandoned(lobby *Lobby, now time.Time) bool {
	for _, s := range lobby.Slots {
		if c, ok := l.conns.ByIdentity(s.Identity); ok && c.LobbyID == lobby.ID {
			lobby.abandonedSince = time.Time{}
			return false
		}
	}
	if lobby.abandonedSince.IsZero() {
		lobby.abandonedSince = now
		return false
	}
	if now.Sub(lobby.abandonedSince) < l.cfg.AbandonTimeout {
		return false
	}

	l.log.Warn("match abandoned", "lobby", lobby.ID, "idle", now.Sub(lobby.abandonedSince))
	l.metrics.RecordMatch("abandoned")
	l.lobbies.Remove(lobby.ID)
	l.closeLobby(lobby, "match abandoned")
	return true
}

func (l *Loop) logEvents(lobby *Lobby) {
	sim := lobby.Sim
	name := func(slot int) string {
		if slot >= 0 && slot < len(sim.Players) {
			return sim.Players[slot].Identity
		}
		return ""
	}
	for _, e := range sim.DrainEvents() {
		switch e.Kind {
		case arena.EventKill:
			l.log.Info("kill", "lobby", lobby.ID, "killer", name(e.Slot), "victim", name(e.Victim), "bomb", e.BombID)
		case arena.EventSuicide:
			l.log.Info("suicide", "lobby", lobby.ID, "player", name(e.Slot), "bomb", e.BombID)
		case arena.EventDeath, arena.EventForfeit:
			l.log.Info("player out", "lobby", lobby.ID, "player", name(e.Slot), "cause", string(e.Kind))
		case arena.EventShrink:
			l.log.Debug("arena shrinking", "lobby", lobby.ID, "ring", e.Ring)
		default:
			l.log.Debug("arena event", "lobby", lobby.ID, "kind", string(e.Kind), "slot", e.Slot)
		}
	}
}

// finishMatch reports the result, applies ratings, returns the lobby to
// WAITING and hands the record to the store. Runs once per match because
// the lobby leaves PLAYING here.
func (l *Loop) finishMatch(lobby *Lobby, now time.Time) {
	sim := lobby.Sim
	standings := sim.Standings()

	ratings := make([]int, len(standings))
	places := make([]int, len(standings))
	for i, st := range standings {
		r, ok := lobby.matchRatings[st.Identity]
		if !ok {
			r = arena.DefaultRating
		}
		ratings[i] = r
		places[i] = st.Place
	}
	deltas := arena.RatingDeltas(ratings, places)

	result := &MatchResultMessage{
		LobbyID:    lobby.ID,
		DurationMs: sim.Duration.Milliseconds(),
		Final:      arena.Filter(sim, -1),
	}
	if sim.Winner >= 0 {
		result.Winner = sim.Players[sim.Winner].Identity
	}
	record := MatchRecord{
		LobbyName: lobby.Name,
		Mode:      lobby.Mode,
		Winner:    result.Winner,
		Duration:  sim.Duration,
		EndedAt:   now,
	}
	for i, st := range standings {
		after := ratings[i] + deltas[i]
		result.Standings = append(result.Standings, StandingView{
			Identity:    st.Identity,
			Place:       st.Place,
			Kills:       st.Kills,
			Rating:      after,
			RatingDelta: deltas[i],
		})
		record.Participants = append(record.Participants, MatchParticipant{
			Identity:     st.Identity,
			Place:        st.Place,
			Kills:        st.Kills,
			RatingBefore: ratings[i],
			RatingAfter:  after,
		})
		l.applyRating(lobby, st.Identity, after)
	}

	l.log.Info("match ended",
		"lobby", lobby.ID,
		"winner", result.Winner,
		"duration", sim.Duration,
		"players", len(standings),
	)
	l.metrics.RecordMatch("finished")
	lobby.LastResult = result
	l.broadcast(lobby, MsgMatchResult, result)
	l.lobbies.EndMatch(lobby)

	var gone []string
	for _, s := range lobby.Slots {
		if c, ok := l.conns.ByIdentity(s.Identity); !ok || c.LobbyID != lobby.ID {
			gone = append(gone, s.Identity)
		}
	}
	removed := false
	for _, identity := range gone {
		_, removed, _ = l.lobbies.Leave(lobby.ID, identity, now)
	}
	if removed {
		l.closeLobby(lobby, "lobby closed")
	} else {
		l.broadcastLobby(lobby)
	}

	l.persistMatch(record)
}

func (l *Loop) applyRating(lobby *Lobby, identity string, rating int) {
	if slot := lobby.SlotOf(identity); slot >= 0 {
		lobby.Slots[slot].Rating = rating
	}
	if c, ok := l.conns.ByIdentity(identity); ok {
		c.Rating = rating
	}
	l.sessions.UpdateRating(identity, rating)
}

func (l *Loop) persistMatch(record MatchRecord) {
	l.spawn(func(ctx context.Context) func() {
		if _, err := l.store.RecordMatch(ctx, record); err != nil {
			l.metrics.RecordPersistError("record_match")
			l.log.Error("failed to record match", "lobby", record.LobbyName, "error", err)
		}
		for _, p := range record.Participants {
			if err := l.store.UpdateRating(ctx, p.Identity, p.RatingAfter); err != nil {
				l.metrics.RecordPersistError("update_rating")
				l.log.Error("failed to update rating", "identity", p.Identity, "error", err)
			}
		}
		return nil
	})
}

// sweep reaps idle connections and expired sessions about once a second.
func (l *Loop) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now

	for _, c := range idleConnections(l.conns, now, l.cfg.IdleTimeout, l.inMatch) {
		l.log.Info("reaping idle connection", "conn", c.ID, "identity", c.Identity)
		l.disconnect(c, "idle timeout")
	}
	if n := l.sessions.Cleanup(now); n > 0 {
		l.log.Debug("expired sessions removed", "count", n)
	}

	playing := len(l.lobbies.Playing())
	l.metrics.SetLobbies(l.lobbies.Count()-playing, playing)
}

// inMatch reports whether c belongs to a lobby with a match running. Players
// and spectators there may stay silent while they watch.
func (l *Loop) inMatch(c *Connection) bool {
	lobby, ok := l.lobbies.Get(c.LobbyID)
	return ok && lobby.Status == LobbyPlaying
}

func (l *Loop) shutdown() {
	l.log.Info("loop stopping", "connections", l.conns.Count(), "lobbies", l.lobbies.Count())
	for _, c := range l.conns.All() {
		l.sendError(c, newError(CodeUnavailable, "server shutting down"))
		c.transport.Close("server shutting down")
	}
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Lobbies     int `json:"lobbies"`
	Playing     int `json:"playing"`
	Sessions    int `json:"sessions"`
}

func (l *Loop) stats() Stats {
	return Stats{
		Connections: l.conns.Count(),
		Lobbies:     l.lobbies.Count(),
		Playing:     len(l.lobbies.Playing()),
		Sessions:    l.sessions.Count(),
	}
}
