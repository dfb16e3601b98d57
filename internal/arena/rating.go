package arena

import (
	"math"
	"sort"
)

const (
	DefaultRating = 1200
	EloK          = 32
)

type Standing struct {
	Slot     int    `json:"slot"`
	Identity string `json:"identity"`
	Place    int    `json:"place"`
	Kills    int    `json:"kills"`
}

// Standings ranks players by survival: the winner first, then by death
// time with later deaths ranked higher. Players who died at the same
// instant share a place. The result is ordered by place, then slot.
func (s *State) Standings() []Standing {
	better := func(a, b *Player) bool {
		if a.Alive != b.Alive {
			return a.Alive
		}
		return !a.Alive && a.DiedAt > b.DiedAt
	}

	out := make([]Standing, len(s.Players))
	for i, p := range s.Players {
		place := 1
		for _, q := range s.Players {
			if better(q, p) {
				place++
			}
		}
		out[i] = Standing{Slot: i, Identity: p.Identity, Place: place, Kills: p.Kills}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Place < out[j].Place })
	return out
}

// RatingDeltas applies pairwise Elo over every pair of participants and
// averages each player's change over their opponents. ratings and places
// are indexed alike; a lower place is a better finish.
func RatingDeltas(ratings, places []int) []int {
	n := len(ratings)
	deltas := make([]int, n)
	if n < 2 || len(places) != n {
		return deltas
	}
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			var score float64
			switch {
			case places[i] < places[j]:
				score = 1
			case places[i] == places[j]:
				score = 0.5
			}
			expected := 1 / (1 + math.Pow(10, float64(ratings[j]-ratings[i])/400))
			sum += score - expected
		}
		deltas[i] = int(math.Round(EloK * sum / float64(n-1)))
	}
	return deltas
}
