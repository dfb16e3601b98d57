package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"arena-server/internal/arena"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
)

const recentMatchLimit = 10

type Account struct {
	Identity  string    `json:"identity"`
	Rating    int       `json:"rating"`
	Wins      int       `json:"wins"`
	Matches   int       `json:"matches"`
	Kills     int       `json:"kills"`
	CreatedAt time.Time `json:"createdAt"`
}

type MatchParticipant struct {
	Identity     string
	Place        int
	Kills        int
	RatingBefore int
	RatingAfter  int
}

type MatchRecord struct {
	LobbyName    string
	Mode         arena.Mode
	Winner       string // empty on a draw
	Duration     time.Duration
	EndedAt      time.Time
	Participants []MatchParticipant
}

type LeaderboardEntry struct {
	Identity string `json:"identity" db:"identity"`
	Rating   int    `json:"rating" db:"rating"`
	Wins     int    `json:"wins" db:"wins"`
	Matches  int    `json:"matches" db:"matches"`
}

type MatchSummary struct {
	ID          int64      `json:"id"`
	Mode        arena.Mode `json:"mode"`
	Place       int        `json:"place"`
	Kills       int        `json:"kills"`
	RatingDelta int        `json:"ratingDelta"`
	DurationMs  int64      `json:"durationMs"`
	EndedAt     time.Time  `json:"endedAt"`
}

type Profile struct {
	Account
	Recent []MatchSummary `json:"recent"`
}

// Store is the persistence collaborator. Implementations must be safe for
// concurrent use; the loop calls them from background goroutines.
type Store interface {
	Register(ctx context.Context, identity, password string) (Account, error)
	Authenticate(ctx context.Context, identity, password string) (Account, error)
	RecordMatch(ctx context.Context, rec MatchRecord) (int64, error)
	UpdateRating(ctx context.Context, identity string, rating int) error
	GetFriends(ctx context.Context, identity string) ([]string, error)
	AddFriend(ctx context.Context, identity, friend string) error
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	Profile(ctx context.Context, identity string) (Profile, error)
	Close()
}

type memoryAccount struct {
	Account
	hash    []byte
	friends map[string]bool
	recent  []MatchSummary
}

// MemoryStore keeps everything in process. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	nextID   int64
	cost     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memoryAccount),
		cost:     bcrypt.DefaultCost,
	}
}

func (m *MemoryStore) Register(ctx context.Context, identity, password string) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[identity]; exists {
		return Account{}, ErrAccountExists
	}
	acct := &memoryAccount{
		Account: Account{
			Identity:  identity,
			Rating:    arena.DefaultRating,
			CreatedAt: time.Now(),
		},
		hash:    hash,
		friends: make(map[string]bool),
	}
	m.accounts[identity] = acct
	return acct.Account, nil
}

func (m *MemoryStore) Authenticate(ctx context.Context, identity, password string) (Account, error) {
	m.mu.RLock()
	acct, ok := m.accounts[identity]
	m.mu.RUnlock()
	if !ok {
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return acct.Account, nil
}

func (m *MemoryStore) RecordMatch(ctx context.Context, rec MatchRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	for _, p := range rec.Participants {
		acct, ok := m.accounts[p.Identity]
		if !ok {
			continue
		}
		acct.Matches++
		acct.Kills += p.Kills
		if p.Identity == rec.Winner {
			acct.Wins++
		}
		summary := MatchSummary{
			ID:          id,
			Mode:        rec.Mode,
			Place:       p.Place,
			Kills:       p.Kills,
			RatingDelta: p.RatingAfter - p.RatingBefore,
			DurationMs:  rec.Duration.Milliseconds(),
			EndedAt:     rec.EndedAt,
		}
		acct.recent = append([]MatchSummary{summary}, acct.recent...)
		if len(acct.recent) > recentMatchLimit {
			acct.recent = acct.recent[:recentMatchLimit]
		}
	}
	return id, nil
}

func (m *MemoryStore) UpdateRating(ctx context.Context, identity string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[identity]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Rating = rating
	return nil
}

func (m *MemoryStore) GetFriends(ctx context.Context, identity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[identity]
	if !ok {
		return nil, ErrAccountNotFound
	}
	friends := make([]string, 0, len(acct.friends))
	for f := range acct.friends {
		friends = append(friends, f)
	}
	sort.Strings(friends)
	return friends, nil
}

// AddFriend links both accounts.
func (m *MemoryStore) AddFriend(ctx context.Context, identity, friend string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[identity]
	if !ok {
		return ErrAccountNotFound
	}
	b, ok := m.accounts[friend]
	if !ok || identity == friend {
		return ErrAccountNotFound
	}
	a.friends[friend] = true
	b.friends[identity] = true
	return nil
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	m.mu.RLock()
	entries := make([]LeaderboardEntry, 0, len(m.accounts))
	for _, a := range m.accounts {
		entries = append(entries, LeaderboardEntry{
			Identity: a.Identity,
			Rating:   a.Rating,
			Wins:     a.Wins,
			Matches:  a.Matches,
		})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Rating != entries[j].Rating {
			return entries[i].Rating > entries[j].Rating
		}
		return entries[i].Identity < entries[j].Identity
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryStore) Profile(ctx context.Context, identity string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[identity]
	if !ok {
		return Profile{}, ErrAccountNotFound
	}
	recent := make([]MatchSummary, len(acct.recent))
	copy(recent, acct.recent)
	return Profile{Account: acct.Account, Recent: recent}, nil
}

func (m *MemoryStore) Close() {}
