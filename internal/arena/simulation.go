package arena

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"
)

const (
	TickInterval      = 50 * time.Millisecond
	BombFuse          = 2000 * time.Millisecond
	ExplosionDuration = 500 * time.Millisecond

	StartBombs = 1
	StartRange = 2
	MaxBombs   = 6
	MaxRange   = 8

	MinPlayers = 2
	MaxPlayers = 4

	PowerUpChance = 0.3
)

type Status int

const (
	StatusRunning Status = iota
	StatusEnded
)

func (s Status) String() string {
	if s == StatusEnded {
		return "ended"
	}
	return "running"
}

type Player struct {
	Identity    string
	Pos         Position
	Alive       bool
	MaxBombs    int
	ActiveBombs int
	Range       int
	Kills       int
	DiedAt      time.Duration // offset from match start
}

type Bomb struct {
	ID        int
	Owner     int
	Pos       Position
	PlantedAt time.Time
	Range     int
	Forced    bool // set when another blast reached it first

	detonated bool
}

// Explosion is one burning cell. It remembers the bomb that lit it last so
// a death on expiry can be credited.
type Explosion struct {
	Pos       Position
	SpawnedAt time.Time
	BombID    int
	Owner     int
	Drop      Tile // tile left behind on expiry
}

// State is a single match. It is not safe for concurrent use; the caller
// owns it for its whole lifetime.
type State struct {
	Grid       *Grid
	Players    []*Player
	Bombs      []*Bomb
	Explosions map[Position]*Explosion
	Mode       Mode
	Params     ModeParams
	Status     Status
	Winner     int
	StartedAt  time.Time
	Duration   time.Duration
	Shrink     int       // sudden death rings collapsed so far
	Now        time.Time // time of the latest Advance

	nextBombID int
	rng        *rand.Rand
	events     []Event
}

// NewState generates a fresh map and places one player per identity on
// the spawn corners in slot order.
func NewState(identities []string, mode Mode, now time.Time, rng *rand.Rand) (*State, error) {
	grid, err := Generate(rng, GridWidth, GridHeight, DefaultSoftWallDensity)
	if err != nil {
		return nil, err
	}
	return NewStateWithGrid(grid, identities, mode, now, rng)
}

func NewStateWithGrid(grid *Grid, identities []string, mode Mode, now time.Time, rng *rand.Rand) (*State, error) {
	if len(identities) < MinPlayers || len(identities) > MaxPlayers {
		return nil, fmt.Errorf("need %d-%d players, got %d", MinPlayers, MaxPlayers, len(identities))
	}
	spawns := SpawnPoints(grid.Width, grid.Height)
	players := make([]*Player, len(identities))
	for i, id := range identities {
		players[i] = &Player{
			Identity: id,
			Pos:      spawns[i],
			Alive:    true,
			MaxBombs: StartBombs,
			Range:    StartRange,
		}
	}
	return &State{
		Grid:       grid,
		Players:    players,
		Explosions: make(map[Position]*Explosion),
		Mode:       mode,
		Params:     mode.Params(),
		Status:     StatusRunning,
		Winner:     -1,
		StartedAt:  now,
		Now:        now,
		rng:        rng,
	}, nil
}

// SlotOf returns the player index holding identity.
func (s *State) SlotOf(identity string) (int, bool) {
	for i, p := range s.Players {
		if p.Identity == identity {
			return i, true
		}
	}
	return -1, false
}

func (s *State) player(slot int) *Player {
	if slot < 0 || slot >= len(s.Players) {
		return nil
	}
	return s.Players[slot]
}

func (s *State) bombAt(p Position) *Bomb {
	for _, b := range s.Bombs {
		if b.Pos == p && !b.detonated {
			return b
		}
	}
	return nil
}

// Alive returns the number of players still standing.
func (s *State) Alive() int {
	n := 0
	for _, p := range s.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// Advance runs one tick: detonations with their chains, explosion expiry,
// sudden death and the end-of-match check.
func (s *State) Advance(now time.Time) {
	if s.Status != StatusRunning {
		return
	}
	s.Now = now
	s.detonate(now)
	s.expireExplosions(now)
	s.collapse(now)
	s.checkEnd(now)
}

func (s *State) detonate(now time.Time) {
	var queue []*Bomb
	for _, b := range s.Bombs {
		if b.Forced || now.Sub(b.PlantedAt) >= BombFuse {
			queue = append(queue, b)
		}
	}
	if len(queue) == 0 {
		return
	}

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if b.detonated {
			continue
		}
		b.detonated = true
		if owner := s.player(b.Owner); owner != nil && owner.ActiveBombs > 0 {
			owner.ActiveBombs--
		}
		s.emit(Event{Kind: EventDetonation, Slot: b.Owner, BombID: b.ID, Pos: b.Pos, Chained: b.Forced})
		s.ignite(b.Pos, b, now, TileEmpty)

		for _, d := range directions {
			for step := 1; step <= b.Range; step++ {
				p := b.Pos.Add(d.dx*step, d.dy*step)
				t := s.Grid.At(p)
				if t.IsHard() {
					break
				}
				if t == TileSoftWall {
					s.ignite(p, b, now, s.rollDrop())
					break
				}
				if t == TileBomb {
					if other := s.bombAt(p); other != nil {
						other.Forced = true
						queue = append(queue, other)
					}
					break
				}
				s.ignite(p, b, now, TileEmpty)
			}
		}
	}

	kept := s.Bombs[:0]
	for _, b := range s.Bombs {
		if !b.detonated {
			kept = append(kept, b)
		}
	}
	s.Bombs = kept
}

func (s *State) ignite(p Position, b *Bomb, now time.Time, drop Tile) {
	e, ok := s.Explosions[p]
	if !ok {
		e = &Explosion{Pos: p}
		s.Explosions[p] = e
	}
	e.SpawnedAt = now
	e.BombID = b.ID
	e.Owner = b.Owner
	if drop != TileEmpty {
		e.Drop = drop
	}
	s.Grid.Set(p, TileExplosion)
}

func (s *State) rollDrop() Tile {
	if s.rng.Float64() >= PowerUpChance {
		return TileEmpty
	}
	if s.rng.IntN(2) == 0 {
		return TilePowerBomb
	}
	return TilePowerRange
}

func (s *State) expireExplosions(now time.Time) {
	for _, p := range s.explosionPositions() {
		e := s.Explosions[p]
		if now.Sub(e.SpawnedAt) < ExplosionDuration {
			continue
		}
		delete(s.Explosions, p)
		s.Grid.Set(p, e.Drop)
		for slot, pl := range s.Players {
			if pl.Alive && pl.Pos == p {
				s.kill(slot, e.Owner, e.BombID, now)
			}
		}
	}
}

// explosionPositions returns burning cells in row-major order.
func (s *State) explosionPositions() []Position {
	out := make([]Position, 0, len(s.Explosions))
	for p := range s.Explosions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func (s *State) kill(slot, by, bombID int, now time.Time) {
	victim := s.Players[slot]
	victim.Alive = false
	victim.DiedAt = now.Sub(s.StartedAt)

	switch {
	case by == slot:
		s.emit(Event{Kind: EventSuicide, Slot: slot, BombID: bombID, Pos: victim.Pos})
	case s.player(by) != nil:
		s.Players[by].Kills++
		s.emit(Event{Kind: EventKill, Slot: by, Victim: slot, BombID: bombID, Pos: victim.Pos})
	default:
		s.emit(Event{Kind: EventDeath, Slot: slot, Pos: victim.Pos})
	}
}

// maxShrink is the last ring sudden death may collapse; the rings inside it
// always stay open.
func (s *State) maxShrink() int {
	return (min(s.Grid.Width, s.Grid.Height)-1)/2 - 2
}

func (s *State) collapse(now time.Time) {
	if s.Params.ShrinkAfter <= 0 {
		return
	}
	elapsed := now.Sub(s.StartedAt)
	for s.Shrink < s.maxShrink() {
		due := s.Params.ShrinkAfter + time.Duration(s.Shrink)*s.Params.ShrinkEvery
		if elapsed < due {
			return
		}
		s.Shrink++
		s.collapseRing(s.Shrink, now)
	}
}

func (s *State) collapseRing(ring int, now time.Time) {
	for y := 0; y < s.Grid.Height; y++ {
		for x := 0; x < s.Grid.Width; x++ {
			p := Position{X: x, Y: y}
			if s.Grid.ring(p) != ring {
				continue
			}
			if b := s.bombAt(p); b != nil {
				s.removeBomb(b)
			}
			delete(s.Explosions, p)
			s.Grid.Set(p, TileWall)
			for slot, pl := range s.Players {
				if pl.Alive && pl.Pos == p {
					s.kill(slot, -1, 0, now)
				}
			}
		}
	}
	s.emit(Event{Kind: EventShrink, Slot: -1, Ring: ring})
}

func (s *State) removeBomb(b *Bomb) {
	if owner := s.player(b.Owner); owner != nil && owner.ActiveBombs > 0 {
		owner.ActiveBombs--
	}
	kept := s.Bombs[:0]
	for _, other := range s.Bombs {
		if other != b {
			kept = append(kept, other)
		}
	}
	s.Bombs = kept
}

func (s *State) checkEnd(now time.Time) {
	alive, last := 0, -1
	for i, p := range s.Players {
		if p.Alive {
			alive++
			last = i
		}
	}
	if alive > 1 {
		return
	}
	s.Status = StatusEnded
	s.Winner = last
	s.Duration = now.Sub(s.StartedAt)
	s.emit(Event{Kind: EventMatchEnded, Slot: last})
}

// Move steps a live player one tile. Only empty and power-up tiles can be
// entered; stepping on a power-up consumes it even when the stat is capped.
func (s *State) Move(slot int, dir Direction) MoveResult {
	pl := s.player(slot)
	if pl == nil || !pl.Alive || s.Status != StatusRunning {
		return MoveRejected
	}
	dx, dy := dir.delta()
	dst := pl.Pos.Add(dx, dy)
	t := s.Grid.At(dst)
	if !t.Enterable() {
		return MoveRejected
	}
	pl.Pos = dst
	if !t.IsPowerUp() {
		return MoveMoved
	}

	s.Grid.Set(dst, TileEmpty)
	capped := false
	switch t {
	case TilePowerBomb:
		if pl.MaxBombs < MaxBombs {
			pl.MaxBombs++
		} else {
			capped = true
		}
	case TilePowerRange:
		if pl.Range < MaxRange {
			pl.Range++
		} else {
			capped = true
		}
	}
	s.emit(Event{Kind: EventPickup, Slot: slot, Pos: dst, Tile: t})
	if capped {
		return MovePickedUpAtCap
	}
	return MovePickedUp
}

// Plant drops a bomb under a live player with spare capacity.
func (s *State) Plant(slot int, now time.Time) PlantResult {
	pl := s.player(slot)
	if pl == nil || !pl.Alive || s.Status != StatusRunning {
		return PlantRejected
	}
	if pl.ActiveBombs >= pl.MaxBombs || s.Grid.At(pl.Pos) != TileEmpty {
		return PlantRejected
	}
	s.nextBombID++
	s.Bombs = append(s.Bombs, &Bomb{
		ID:        s.nextBombID,
		Owner:     slot,
		Pos:       pl.Pos,
		PlantedAt: now,
		Range:     pl.Range,
	})
	pl.ActiveBombs++
	s.Grid.Set(pl.Pos, TileBomb)
	return PlantPlanted
}

// Forfeit removes a player who left mid-match. No kill is credited.
func (s *State) Forfeit(slot int, now time.Time) bool {
	pl := s.player(slot)
	if pl == nil || !pl.Alive || s.Status != StatusRunning {
		return false
	}
	pl.Alive = false
	pl.DiedAt = now.Sub(s.StartedAt)
	s.emit(Event{Kind: EventForfeit, Slot: slot, Pos: pl.Pos})
	return true
}
