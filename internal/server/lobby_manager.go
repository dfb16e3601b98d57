package server

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"arena-server/internal/arena"
)

const (
	MaxLobbyPlayers = arena.MaxPlayers
	MaxSpectators   = 8
)

type LobbyStatus string

const (
	LobbyWaiting LobbyStatus = "waiting"
	LobbyPlaying LobbyStatus = "playing"
)

type LobbySlot struct {
	Identity string
	Ready    bool
	Rating   int
	JoinedAt time.Time
}

type Lobby struct {
	ID         int
	Name       string
	Slots      []LobbySlot
	Spectators []string
	Host       int
	Status     LobbyStatus
	Private    bool
	Code       string
	Locked     bool
	Mode       arena.Mode
	Chat       *ChatLog
	CreatedAt  time.Time

	Sim        *arena.State
	LastTick   time.Time
	LastResult *MatchResultMessage

	matchRatings   map[string]int // ratings captured at start
	abandonedSince time.Time
}

func (l *Lobby) NumPlayers() int {
	return len(l.Slots)
}

// SlotOf returns the slot index of identity, or -1.
func (l *Lobby) SlotOf(identity string) int {
	for i, s := range l.Slots {
		if s.Identity == identity {
			return i
		}
	}
	return -1
}

func (l *Lobby) IsHost(identity string) bool {
	return l.Host >= 0 && l.Host < len(l.Slots) && l.Slots[l.Host].Identity == identity
}

func (l *Lobby) HasSpectator(identity string) bool {
	for _, s := range l.Spectators {
		if s == identity {
			return true
		}
	}
	return false
}

// Members lists every identity attached to the lobby: players first, then
// spectators.
func (l *Lobby) Members() []string {
	out := make([]string, 0, len(l.Slots)+len(l.Spectators))
	for _, s := range l.Slots {
		out = append(out, s.Identity)
	}
	return append(out, l.Spectators...)
}

func (l *Lobby) Summary() LobbySummary {
	return LobbySummary{
		ID:         l.ID,
		Name:       l.Name,
		NumPlayers: l.NumPlayers(),
		MaxPlayers: MaxLobbyPlayers,
		Spectators: len(l.Spectators),
		Status:     string(l.Status),
		Locked:     l.Locked,
		Private:    l.Private,
		Mode:       l.Mode,
	}
}

// LobbyManager is the registry of lobbies keyed by a generated id. It is
// owned by the loop goroutine and holds no lock.
type LobbyManager struct {
	lobbies   map[int]*Lobby
	usedCodes map[string]bool
	nextID    int
	rng       *rand.Rand
}

func NewLobbyManager(rng *rand.Rand) *LobbyManager {
	return &LobbyManager{
		lobbies:   make(map[int]*Lobby),
		usedCodes: make(map[string]bool),
		rng:       rng,
	}
}

// Create opens a lobby hosted by host. A private lobby uses the supplied
// join code when one is given and generates one otherwise; code is ignored
// for public lobbies.
func (lm *LobbyManager) Create(name string, private bool, code string, mode arena.Mode, host string, rating int, now time.Time) (*Lobby, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError(CodeInvalidPayload, "lobby name cannot be empty")
	}
	code = NormalizeJoinCode(code)
	if private && code != "" {
		if err := ValidateJoinCode(code); err != nil {
			return nil, newError(CodeInvalidPayload, "%s", err.Error())
		}
		if lm.usedCodes[code] {
			return nil, newError(CodeCodeTaken, "join code %s is already in use", code)
		}
	}
	if mode == "" {
		mode = arena.ModeClassic
	}

	lm.nextID++
	lobby := &Lobby{
		ID:        lm.nextID,
		Name:      name,
		Slots:     []LobbySlot{{Identity: host, Ready: true, Rating: rating, JoinedAt: now}},
		Host:      0,
		Status:    LobbyWaiting,
		Private:   private,
		Mode:      mode,
		Chat:      NewChatLog(chatHistory),
		CreatedAt: now,
	}
	if private {
		if code == "" {
			code = GenerateJoinCode(lm.rng, lm.usedCodes)
		}
		lobby.Code = code
		lm.usedCodes[lobby.Code] = true
	}
	lm.lobbies[lobby.ID] = lobby
	return lobby, nil
}

func (lm *LobbyManager) Get(id int) (*Lobby, bool) {
	l, ok := lm.lobbies[id]
	return l, ok
}

func (lm *LobbyManager) FindByCode(code string) (*Lobby, bool) {
	code = NormalizeJoinCode(code)
	for _, l := range lm.lobbies {
		if l.Private && l.Code == code {
			return l, true
		}
	}
	return nil, false
}

// Join adds identity to a lobby's next free slot and returns the slot index.
func (lm *LobbyManager) Join(id int, identity, code string, rating int, now time.Time) (*Lobby, int, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, -1, newError(CodeNotFound, "lobby %d not found", id)
	}
	if lobby.SlotOf(identity) >= 0 || lobby.HasSpectator(identity) {
		return nil, -1, newError(CodeDuplicateIdentity, "%s is already in this lobby", identity)
	}
	if lobby.Status == LobbyPlaying {
		return nil, -1, newError(CodeInProgress, "match in progress, spectate instead")
	}
	if lobby.Locked {
		return nil, -1, newError(CodeLocked, "lobby is locked")
	}
	if lobby.Private && NormalizeJoinCode(code) != lobby.Code {
		return nil, -1, newError(CodeWrongCode, "wrong join code")
	}
	if lobby.NumPlayers() >= MaxLobbyPlayers {
		return nil, -1, newError(CodeFull, "lobby is full")
	}

	lobby.Slots = append(lobby.Slots, LobbySlot{Identity: identity, Rating: rating, JoinedAt: now})
	return lobby, len(lobby.Slots) - 1, nil
}

// JoinByCode resolves a private lobby from its join code.
func (lm *LobbyManager) JoinByCode(code, identity string, rating int, now time.Time) (*Lobby, int, error) {
	if err := ValidateJoinCode(code); err != nil {
		return nil, -1, newError(CodeWrongCode, "%s", err.Error())
	}
	lobby, ok := lm.FindByCode(code)
	if !ok {
		return nil, -1, newError(CodeNotFound, "no lobby with code %s", NormalizeJoinCode(code))
	}
	return lm.Join(lobby.ID, identity, code, rating, now)
}

// Leave removes identity from the lobby as player or spectator. Slots are
// compacted and the host moves to the lowest remaining index. A player
// leaving mid-match forfeits. The lobby is destroyed once nobody is left;
// removed reports that.
func (lm *LobbyManager) Leave(id int, identity string, now time.Time) (lobby *Lobby, removed bool, err error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, false, newError(CodeNotFound, "lobby %d not found", id)
	}

	if lm.removeSpectator(lobby, identity) {
		return lobby, lm.removeIfEmpty(lobby), nil
	}

	slot := lobby.SlotOf(identity)
	if slot < 0 {
		return nil, false, newError(CodeNotInLobby, "%s is not in lobby %d", identity, id)
	}
	if lobby.Sim != nil {
		if simSlot, ok := lobby.Sim.SlotOf(identity); ok {
			lobby.Sim.Forfeit(simSlot, now)
		}
	}
	lm.removeSlot(lobby, slot)
	return lobby, lm.removeIfEmpty(lobby), nil
}

func (lm *LobbyManager) removeSlot(lobby *Lobby, slot int) {
	wasHost := slot == lobby.Host
	lobby.Slots = append(lobby.Slots[:slot], lobby.Slots[slot+1:]...)

	switch {
	case len(lobby.Slots) == 0:
		lobby.Host = -1
	case wasHost:
		lobby.Host = 0
		lobby.Slots[0].Ready = true
	case slot < lobby.Host:
		lobby.Host--
	}
}

func (lm *LobbyManager) removeSpectator(lobby *Lobby, identity string) bool {
	for i, s := range lobby.Spectators {
		if s == identity {
			lobby.Spectators = append(lobby.Spectators[:i], lobby.Spectators[i+1:]...)
			return true
		}
	}
	return false
}

func (lm *LobbyManager) removeIfEmpty(lobby *Lobby) bool {
	if len(lobby.Slots) > 0 {
		return false
	}
	lm.Remove(lobby.ID)
	return true
}

// Remove drops a lobby outright, spectators included.
func (lm *LobbyManager) Remove(id int) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return
	}
	if lobby.Code != "" {
		delete(lm.usedCodes, lobby.Code)
	}
	delete(lm.lobbies, id)
}

// ToggleReady flips a non-host player's ready flag and returns the new value.
func (lm *LobbyManager) ToggleReady(id int, identity string) (bool, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return false, newError(CodeNotFound, "lobby %d not found", id)
	}
	slot := lobby.SlotOf(identity)
	if slot < 0 {
		return false, newError(CodeNotInLobby, "%s is not a player here", identity)
	}
	if lobby.Status == LobbyPlaying {
		return false, newError(CodeAlreadyPlaying, "match in progress")
	}
	if slot == lobby.Host {
		return false, newError(CodeNotAllowed, "the host is always ready")
	}
	lobby.Slots[slot].Ready = !lobby.Slots[slot].Ready
	return lobby.Slots[slot].Ready, nil
}

func (lm *LobbyManager) checkAllReady(lobby *Lobby) bool {
	for i, s := range lobby.Slots {
		if i != lobby.Host && !s.Ready {
			return false
		}
	}
	return true
}

// Start builds the simulation from the current slots, in slot order.
func (lm *LobbyManager) Start(id int, identity string, now time.Time) (*Lobby, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, newError(CodeNotFound, "lobby %d not found", id)
	}
	if !lobby.IsHost(identity) {
		return nil, newError(CodeNotHost, "only the host can start the match")
	}
	if lobby.Status == LobbyPlaying {
		return nil, newError(CodeAlreadyPlaying, "match already running")
	}
	if lobby.NumPlayers() < arena.MinPlayers {
		return nil, newError(CodeNotEnoughPlayers, "need at least %d players", arena.MinPlayers)
	}
	if !lm.checkAllReady(lobby) {
		return nil, newError(CodeNotAllReady, "not every player is ready")
	}

	identities := make([]string, len(lobby.Slots))
	ratings := make(map[string]int, len(lobby.Slots))
	for i, s := range lobby.Slots {
		identities[i] = s.Identity
		ratings[s.Identity] = s.Rating
	}
	sim, err := arena.NewState(identities, lobby.Mode, now, lm.rng)
	if err != nil {
		return nil, newError(CodeInternal, "cannot build arena: %v", err)
	}

	lobby.Sim = sim
	lobby.Status = LobbyPlaying
	lobby.LastTick = now
	lobby.LastResult = nil
	lobby.matchRatings = ratings
	lobby.abandonedSince = time.Time{}
	return lobby, nil
}

// EndMatch returns a lobby to WAITING and clears every ready flag but the
// host's.
func (lm *LobbyManager) EndMatch(lobby *Lobby) {
	lobby.Status = LobbyWaiting
	lobby.Sim = nil
	lobby.matchRatings = nil
	lobby.abandonedSince = time.Time{}
	for i := range lobby.Slots {
		lobby.Slots[i].Ready = i == lobby.Host
	}
}

func (lm *LobbyManager) Spectate(id int, identity string) (*Lobby, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, newError(CodeNotFound, "lobby %d not found", id)
	}
	if lobby.SlotOf(identity) >= 0 || lobby.HasSpectator(identity) {
		return nil, newError(CodeAlreadyPresent, "%s is already in this lobby", identity)
	}
	if len(lobby.Spectators) >= MaxSpectators {
		return nil, newError(CodeSpectatorsFull, "no spectator seats left")
	}
	lobby.Spectators = append(lobby.Spectators, identity)
	return lobby, nil
}

func (lm *LobbyManager) ToggleLock(id int, identity string) (bool, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return false, newError(CodeNotFound, "lobby %d not found", id)
	}
	if !lobby.IsHost(identity) {
		return false, newError(CodeNotHost, "only the host can lock the lobby")
	}
	lobby.Locked = !lobby.Locked
	return lobby.Locked, nil
}

// Kick removes target from a waiting lobby on the host's behalf.
func (lm *LobbyManager) Kick(id int, host, target string) (*Lobby, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, newError(CodeNotFound, "lobby %d not found", id)
	}
	if !lobby.IsHost(host) {
		return nil, newError(CodeNotHost, "only the host can kick")
	}
	if host == target {
		return nil, newError(CodeNotAllowed, "the host cannot kick themselves")
	}
	if lobby.Status == LobbyPlaying {
		return nil, newError(CodeAlreadyPlaying, "cannot kick during a match")
	}
	if lm.removeSpectator(lobby, target) {
		return lobby, nil
	}
	slot := lobby.SlotOf(target)
	if slot < 0 {
		return nil, newError(CodeNotInLobby, "%s is not in this lobby", target)
	}
	lm.removeSlot(lobby, slot)
	return lobby, nil
}

func (lm *LobbyManager) SetMode(id int, identity string, mode arena.Mode) (*Lobby, error) {
	lobby, ok := lm.lobbies[id]
	if !ok {
		return nil, newError(CodeNotFound, "lobby %d not found", id)
	}
	if !lobby.IsHost(identity) {
		return nil, newError(CodeNotHost, "only the host can change the mode")
	}
	if lobby.Status == LobbyPlaying {
		return nil, newError(CodeAlreadyPlaying, "cannot change mode during a match")
	}
	lobby.Mode = mode
	return lobby, nil
}

// FindPlaying returns the running lobby whose simulation has a player with
// this identity.
func (lm *LobbyManager) FindPlaying(identity string) (*Lobby, bool) {
	for _, l := range lm.Playing() {
		if _, ok := l.Sim.SlotOf(identity); ok && l.SlotOf(identity) >= 0 {
			return l, true
		}
	}
	return nil, false
}

// Playing returns running lobbies ordered by id.
func (lm *LobbyManager) Playing() []*Lobby {
	var out []*Lobby
	for _, l := range lm.lobbies {
		if l.Status == LobbyPlaying && l.Sim != nil {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List summarises public lobbies ordered by id.
func (lm *LobbyManager) List() []LobbySummary {
	out := make([]LobbySummary, 0, len(lm.lobbies))
	for _, l := range lm.lobbies {
		if !l.Private {
			out = append(out, l.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (lm *LobbyManager) Count() int {
	return len(lm.lobbies)
}
