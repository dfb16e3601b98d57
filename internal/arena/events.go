package arena

type EventKind string

const (
	EventDetonation EventKind = "detonation"
	EventKill       EventKind = "kill"
	EventSuicide    EventKind = "suicide"
	EventDeath      EventKind = "death"
	EventForfeit    EventKind = "forfeit"
	EventPickup     EventKind = "pickup"
	EventShrink     EventKind = "shrink"
	EventMatchEnded EventKind = "match_ended"
)

// Event records something notable that happened inside the simulation.
// Slot is the acting player (the killer for EventKill), -1 for the arena.
type Event struct {
	Kind    EventKind
	Slot    int
	Victim  int
	BombID  int
	Pos     Position
	Tile    Tile
	Ring    int
	Chained bool
}

func (s *State) emit(e Event) {
	s.events = append(s.events, e)
}

// DrainEvents returns the events recorded since the previous call.
func (s *State) DrainEvents() []Event {
	out := s.events
	s.events = nil
	return out
}
