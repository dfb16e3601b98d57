package arena

import (
	"fmt"
	"time"
)

// Action is the single code a client sends per input.
type Action string

const (
	ActionUp    Action = "up"
	ActionDown  Action = "down"
	ActionLeft  Action = "left"
	ActionRight Action = "right"
	ActionBomb  Action = "bomb"
)

type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
)

var directions = [...]struct{ dx, dy int }{
	DirUp:    {0, -1},
	DirDown:  {0, 1},
	DirLeft:  {-1, 0},
	DirRight: {1, 0},
}

func (d Direction) delta() (int, int) {
	v := directions[d]
	return v.dx, v.dy
}

func (a Action) Direction() (Direction, bool) {
	switch a {
	case ActionUp:
		return DirUp, true
	case ActionDown:
		return DirDown, true
	case ActionLeft:
		return DirLeft, true
	case ActionRight:
		return DirRight, true
	}
	return 0, false
}

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionUp, ActionDown, ActionLeft, ActionRight, ActionBomb:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type MoveResult int

const (
	MoveRejected MoveResult = iota
	MoveMoved
	MovePickedUp
	MovePickedUpAtCap
)

func (r MoveResult) String() string {
	switch r {
	case MoveMoved:
		return "moved"
	case MovePickedUp:
		return "picked_up"
	case MovePickedUpAtCap:
		return "picked_up_at_cap"
	}
	return "rejected"
}

type PlantResult int

const (
	PlantRejected PlantResult = iota
	PlantPlanted
)

func (r PlantResult) String() string {
	if r == PlantPlanted {
		return "planted"
	}
	return "rejected"
}

// Apply routes an action code to Move or Plant and reports whether the
// simulation accepted it.
func (s *State) Apply(slot int, a Action, now time.Time) bool {
	if a == ActionBomb {
		return s.Plant(slot, now) == PlantPlanted
	}
	dir, ok := a.Direction()
	if !ok {
		return false
	}
	return s.Move(slot, dir) != MoveRejected
}
