package arena

import (
	"fmt"
	"math/rand/v2"
)

type Tile uint8

const (
	TileEmpty Tile = iota
	TileWall       // indestructible border
	TilePillar     // indestructible interior block
	TileSoftWall
	TileBomb
	TileExplosion
	TilePowerBomb
	TilePowerRange
	TileUnknown // only ever produced by the fog filter
)

var tileNames = [...]string{
	TileEmpty:      "empty",
	TileWall:       "wall",
	TilePillar:     "pillar",
	TileSoftWall:   "soft_wall",
	TileBomb:       "bomb",
	TileExplosion:  "explosion",
	TilePowerBomb:  "power_bomb",
	TilePowerRange: "power_range",
	TileUnknown:    "unknown",
}

func (t Tile) String() string {
	if int(t) < len(tileNames) {
		return tileNames[t]
	}
	return fmt.Sprintf("tile(%d)", t)
}

// IsHard reports whether the tile can never be destroyed or entered.
func (t Tile) IsHard() bool {
	return t == TileWall || t == TilePillar
}

// IsPowerUp reports whether the tile is a collectible.
func (t Tile) IsPowerUp() bool {
	return t == TilePowerBomb || t == TilePowerRange
}

// Enterable reports whether a player may step onto the tile.
func (t Tile) Enterable() bool {
	return t == TileEmpty || t.IsPowerUp()
}

const (
	GridWidth  = 15
	GridHeight = 13

	DefaultSoftWallDensity = 0.6

	maxGenerateAttempts = 32
)

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) Add(dx, dy int) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Distance is the Manhattan distance between two positions.
func (p Position) Distance(o Position) int {
	return abs(p.X-o.X) + abs(p.Y-o.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Grid is a row-major tile map.
type Grid struct {
	Width  int
	Height int
	Tiles  []Tile
}

func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Tiles: make([]Tile, width*height)}
}

func (g *Grid) InBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.Width && p.Y < g.Height
}

// At returns the tile at p. Out of bounds reads as a wall.
func (g *Grid) At(p Position) Tile {
	if !g.InBounds(p) {
		return TileWall
	}
	return g.Tiles[p.Y*g.Width+p.X]
}

func (g *Grid) Set(p Position, t Tile) {
	if g.InBounds(p) {
		g.Tiles[p.Y*g.Width+p.X] = t
	}
}

func (g *Grid) Clone() *Grid {
	tiles := make([]Tile, len(g.Tiles))
	copy(tiles, g.Tiles)
	return &Grid{Width: g.Width, Height: g.Height, Tiles: tiles}
}

// ring returns how many tiles p is from the nearest border.
func (g *Grid) ring(p Position) int {
	return min(p.X, p.Y, g.Width-1-p.X, g.Height-1-p.Y)
}

// SpawnPoints returns the four corner spawns in slot order. Slots 0 and 1
// face each other diagonally so a two player match starts maximally apart.
func SpawnPoints(width, height int) []Position {
	return []Position{
		{X: 1, Y: 1},
		{X: width - 2, Y: height - 2},
		{X: width - 2, Y: 1},
		{X: 1, Y: height - 2},
	}
}

// spawnSafeZone is a spawn corner plus its two open neighbours, which must
// stay clear so the first bomb can always be escaped.
func spawnSafeZone(width, height int) map[Position]bool {
	zone := make(map[Position]bool)
	for _, s := range SpawnPoints(width, height) {
		dx, dy := 1, 1
		if s.X > width/2 {
			dx = -1
		}
		if s.Y > height/2 {
			dy = -1
		}
		zone[s] = true
		zone[s.Add(dx, 0)] = true
		zone[s.Add(0, dy)] = true
	}
	return zone
}

// Generate builds a map with a solid border, pillars on every even
// interior coordinate and soft walls scattered at the given density.
// Layouts that fail IsMapReasonable are discarded and regenerated.
func Generate(rng *rand.Rand, width, height int, density float64) (*Grid, error) {
	if width < 5 || height < 5 || width%2 == 0 || height%2 == 0 {
		return nil, fmt.Errorf("grid %dx%d: dimensions must be odd and at least 5", width, height)
	}
	safe := spawnSafeZone(width, height)

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		g := NewGrid(width, height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p := Position{X: x, Y: y}
				switch {
				case x == 0 || y == 0 || x == width-1 || y == height-1:
					g.Set(p, TileWall)
				case x%2 == 0 && y%2 == 0:
					g.Set(p, TilePillar)
				case safe[p]:
					g.Set(p, TileEmpty)
				case rng.Float64() < density:
					g.Set(p, TileSoftWall)
				}
			}
		}
		if IsMapReasonable(g) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("grid %dx%d: no reasonable layout after %d attempts", width, height, maxGenerateAttempts)
}

// IsMapReasonable checks the structural invariants of a playable map: the
// border is hard, every spawn safe zone is clear, and every non-hard tile
// is reachable from the first spawn.
func IsMapReasonable(g *Grid) bool {
	for x := 0; x < g.Width; x++ {
		if !g.At(Position{X: x, Y: 0}).IsHard() || !g.At(Position{X: x, Y: g.Height - 1}).IsHard() {
			return false
		}
	}
	for y := 0; y < g.Height; y++ {
		if !g.At(Position{X: 0, Y: y}).IsHard() || !g.At(Position{X: g.Width - 1, Y: y}).IsHard() {
			return false
		}
	}
	for p := range spawnSafeZone(g.Width, g.Height) {
		if g.At(p) != TileEmpty {
			return false
		}
	}
	return Connected(g)
}

// Connected reports whether all non-hard tiles form a single region.
func Connected(g *Grid) bool {
	var start Position
	open := 0
	for i, t := range g.Tiles {
		if !t.IsHard() {
			if open == 0 {
				start = Position{X: i % g.Width, Y: i / g.Width}
			}
			open++
		}
	}
	if open == 0 {
		return false
	}

	seen := make([]bool, len(g.Tiles))
	seen[start.Y*g.Width+start.X] = true
	queue := []Position{start}
	reached := 1
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, d := range directions {
			n := p.Add(d.dx, d.dy)
			if !g.InBounds(n) || g.At(n).IsHard() {
				continue
			}
			idx := n.Y*g.Width + n.X
			if seen[idx] {
				continue
			}
			seen[idx] = true
			reached++
			queue = append(queue, n)
		}
	}
	return reached == open
}
