package arena

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// openGrid is the standard layout with no soft walls.
func openGrid() *Grid {
	g, err := Generate(testRand(1), GridWidth, GridHeight, 0)
	if err != nil {
		panic(err)
	}
	return g
}

func TestGenerate_AlwaysReasonable(t *testing.T) {
	assert := assert.New(t)

	for seed := uint64(0); seed < 200; seed++ {
		g, err := Generate(testRand(seed), GridWidth, GridHeight, DefaultSoftWallDensity)
		require.NoError(t, err)

		assert.True(IsMapReasonable(g), "seed %d", seed)
		for _, s := range SpawnPoints(g.Width, g.Height) {
			assert.Equal(TileEmpty, g.At(s), "seed %d spawn %v", seed, s)
		}
	}
}

func TestGenerate_Layout(t *testing.T) {
	assert := assert.New(t)
	g := openGrid()

	assert.Equal(GridWidth, g.Width)
	assert.Equal(GridHeight, g.Height)
	assert.Equal(TileWall, g.At(Position{0, 0}))
	assert.Equal(TileWall, g.At(Position{14, 6}))
	assert.Equal(TilePillar, g.At(Position{2, 2}))
	assert.Equal(TilePillar, g.At(Position{12, 10}))
	assert.Equal(TileEmpty, g.At(Position{5, 5}))
	assert.Equal(TileWall, g.At(Position{-1, 3}), "out of bounds reads as wall")
}

func TestGenerate_RejectsEvenDimensions(t *testing.T) {
	_, err := Generate(testRand(1), 14, 13, 0.5)
	assert.Error(t, err)
}

func TestIsMapReasonable_SealedPocket(t *testing.T) {
	g := openGrid()
	// (7,5) is boxed in by two pillars and two new hard tiles.
	g.Set(Position{6, 5}, TilePillar)
	g.Set(Position{8, 5}, TilePillar)
	g.Set(Position{7, 4}, TilePillar)
	g.Set(Position{7, 6}, TilePillar)

	assert.False(t, IsMapReasonable(g))
}

func TestIsMapReasonable_BlockedSpawn(t *testing.T) {
	g := openGrid()
	g.Set(Position{2, 1}, TileSoftWall)

	assert.False(t, IsMapReasonable(g))
}

func TestIsMapReasonable_BrokenBorder(t *testing.T) {
	g := openGrid()
	g.Set(Position{0, 5}, TileEmpty)

	assert.False(t, IsMapReasonable(g))
}

func TestSpawnPoints_Corners(t *testing.T) {
	assert.Equal(t, []Position{{1, 1}, {13, 11}, {13, 1}, {1, 11}}, SpawnPoints(GridWidth, GridHeight))
}
