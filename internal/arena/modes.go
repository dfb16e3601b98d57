package arena

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeClassic     Mode = "classic"
	ModeFog         Mode = "fog"
	ModeSuddenDeath Mode = "sudden_death"
)

// ModeParams are the knobs a mode sets on a simulation.
type ModeParams struct {
	FogRadius   int           // 0 disables fog
	ShrinkAfter time.Duration // 0 disables sudden death
	ShrinkEvery time.Duration
}

const (
	DefaultFogRadius   = 4
	DefaultShrinkAfter = 60 * time.Second
	DefaultShrinkEvery = 5 * time.Second
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeClassic, nil
	case ModeClassic, ModeFog, ModeSuddenDeath:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) Params() ModeParams {
	switch m {
	case ModeFog:
		return ModeParams{FogRadius: DefaultFogRadius}
	case ModeSuddenDeath:
		return ModeParams{ShrinkAfter: DefaultShrinkAfter, ShrinkEvery: DefaultShrinkEvery}
	}
	return ModeParams{}
}
