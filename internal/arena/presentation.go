package arena

import (
	"time"

	"github.com/goccy/go-json"
)

// Snapshot is the one state format sent to clients. Fog filtering only
// ever removes or masks data; it never adds fields.
type Snapshot struct {
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Tiles      Tiles           `json:"tiles"` // row-major
	Players    []PlayerView    `json:"players"`
	Bombs      []BombView      `json:"bombs"`
	Explosions []ExplosionView `json:"explosions"`
	Status     string          `json:"status"`
	Winner     int             `json:"winner"`
	ElapsedMs  int64           `json:"elapsedMs"`
	Mode       Mode            `json:"mode"`
	FogRadius  int             `json:"fogRadius,omitempty"`
	Shrink     int             `json:"shrink,omitempty"`
	Viewer     int             `json:"viewer"` // -1 for spectators
}

// Tiles is a row-major grid. In JSON it is an array of tile numbers, not
// the base64 string a byte slice would otherwise become.
type Tiles []Tile

func (ts Tiles) MarshalJSON() ([]byte, error) {
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = int(t)
	}
	return json.Marshal(out)
}

func (ts *Tiles) UnmarshalJSON(data []byte) error {
	var in []int
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*ts = make(Tiles, len(in))
	for i, v := range in {
		(*ts)[i] = Tile(v)
	}
	return nil
}

type PlayerView struct {
	Slot        int    `json:"slot"`
	Identity    string `json:"identity"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Alive       bool   `json:"alive"`
	MaxBombs    int    `json:"maxBombs"`
	ActiveBombs int    `json:"activeBombs"`
	Range       int    `json:"range"`
	Kills       int    `json:"kills"`
}

type BombView struct {
	ID     int   `json:"id"`
	Owner  int   `json:"owner"`
	X      int   `json:"x"`
	Y      int   `json:"y"`
	Range  int   `json:"range"`
	FuseMs int64 `json:"fuseMs"` // time left before detonation
}

type ExplosionView struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Owner int `json:"owner"`
}

// Filter projects the state for one viewer. In fog mode a live player only
// sees tiles, bombs, explosions and opponents within FogRadius (Manhattan)
// of themselves. Spectators (viewer -1) and dead players see everything.
// Filter does not modify s.
func Filter(s *State, viewer int) *Snapshot {
	snap := &Snapshot{
		Width:     s.Grid.Width,
		Height:    s.Grid.Height,
		Status:    s.Status.String(),
		Winner:    s.Winner,
		ElapsedMs: s.elapsed().Milliseconds(),
		Mode:      s.Mode,
		FogRadius: s.Params.FogRadius,
		Shrink:    s.Shrink,
		Viewer:    viewer,
	}

	var center Position
	fogged := false
	if pl := s.player(viewer); pl != nil && pl.Alive && s.Params.FogRadius > 0 {
		center = pl.Pos
		fogged = true
	}
	visible := func(p Position) bool {
		return !fogged || p.Distance(center) <= s.Params.FogRadius
	}

	snap.Tiles = make(Tiles, len(s.Grid.Tiles))
	for i, t := range s.Grid.Tiles {
		if visible(Position{X: i % s.Grid.Width, Y: i / s.Grid.Width}) {
			snap.Tiles[i] = t
		} else {
			snap.Tiles[i] = TileUnknown
		}
	}

	snap.Players = make([]PlayerView, 0, len(s.Players))
	for i, p := range s.Players {
		if i != viewer && !visible(p.Pos) {
			continue
		}
		snap.Players = append(snap.Players, PlayerView{
			Slot:        i,
			Identity:    p.Identity,
			X:           p.Pos.X,
			Y:           p.Pos.Y,
			Alive:       p.Alive,
			MaxBombs:    p.MaxBombs,
			ActiveBombs: p.ActiveBombs,
			Range:       p.Range,
			Kills:       p.Kills,
		})
	}

	snap.Bombs = make([]BombView, 0, len(s.Bombs))
	for _, b := range s.Bombs {
		if !visible(b.Pos) {
			continue
		}
		fuse := BombFuse - s.Now.Sub(b.PlantedAt)
		if fuse < 0 {
			fuse = 0
		}
		snap.Bombs = append(snap.Bombs, BombView{
			ID:     b.ID,
			Owner:  b.Owner,
			X:      b.Pos.X,
			Y:      b.Pos.Y,
			Range:  b.Range,
			FuseMs: fuse.Milliseconds(),
		})
	}

	snap.Explosions = make([]ExplosionView, 0, len(s.Explosions))
	for _, p := range s.explosionPositions() {
		if !visible(p) {
			continue
		}
		snap.Explosions = append(snap.Explosions, ExplosionView{X: p.X, Y: p.Y, Owner: s.Explosions[p].Owner})
	}
	return snap
}

func (s *State) elapsed() time.Duration {
	if s.Status == StatusEnded {
		return s.Duration
	}
	return s.Now.Sub(s.StartedAt)
}
