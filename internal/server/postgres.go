package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena-server/internal/arena"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	identity      TEXT PRIMARY KEY,
	password_hash BYTEA NOT NULL,
	rating        INTEGER NOT NULL,
	wins          INTEGER NOT NULL DEFAULT 0,
	matches       INTEGER NOT NULL DEFAULT 0,
	kills         INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS friends (
	identity TEXT NOT NULL REFERENCES accounts(identity) ON DELETE CASCADE,
	friend   TEXT NOT NULL REFERENCES accounts(identity) ON DELETE CASCADE,
	PRIMARY KEY (identity, friend)
);

CREATE TABLE IF NOT EXISTS matches (
	id          BIGSERIAL PRIMARY KEY,
	lobby_name  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	winner      TEXT,
	duration_ms BIGINT NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_participants (
	match_id      BIGINT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	identity      TEXT NOT NULL,
	place         INTEGER NOT NULL,
	kills         INTEGER NOT NULL,
	rating_before INTEGER NOT NULL,
	rating_after  INTEGER NOT NULL,
	PRIMARY KEY (match_id, identity)
);

CREATE INDEX IF NOT EXISTS accounts_rating_idx ON accounts (rating DESC);
`

// PostgresStore persists accounts, friendships and match history.
type PostgresStore struct {
	pool *pgxpool.Pool
	cost int
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool, cost: bcrypt.DefaultCost}, nil
}

func (p *PostgresStore) Register(ctx context.Context, identity, password string) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return Account{}, err
	}

	acct := Account{Identity: identity}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO accounts (identity, password_hash, rating)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO NOTHING
		RETURNING rating, created_at`,
		identity, hash, arena.DefaultRating,
	).Scan(&acct.Rating, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountExists
	}
	if err != nil {
		return Account{}, fmt.Errorf("register %s: %w", identity, err)
	}
	return acct, nil
}

func (p *PostgresStore) Authenticate(ctx context.Context, identity, password string) (Account, error) {
	var hash []byte
	acct := Account{Identity: identity}
	err := p.pool.QueryRow(ctx, `
		SELECT password_hash, rating, wins, matches, kills, created_at
		FROM accounts WHERE identity = $1`,
		identity,
	).Scan(&hash, &acct.Rating, &acct.Wins, &acct.Matches, &acct.Kills, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, fmt.Errorf("authenticate %s: %w", identity, err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return acct, nil
}

// RecordMatch stores the match and bumps per-account stats in one
// transaction. Ratings are written separately through UpdateRating.
func (p *PostgresStore) RecordMatch(ctx context.Context, rec MatchRecord) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var winner *string
	if rec.Winner != "" {
		winner = &rec.Winner
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO matches (lobby_name, mode, winner, duration_ms, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		rec.LobbyName, string(rec.Mode), winner, rec.Duration.Milliseconds(), rec.EndedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert match: %w", err)
	}

	batch := &pgx.Batch{}
	for _, part := range rec.Participants {
		batch.Queue(`
			INSERT INTO match_participants (match_id, identity, place, kills, rating_before, rating_after)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, part.Identity, part.Place, part.Kills, part.RatingBefore, part.RatingAfter)
		win := 0
		if part.Identity == rec.Winner {
			win = 1
		}
		batch.Queue(`
			UPDATE accounts SET matches = matches + 1, wins = wins + $2, kills = kills + $3
			WHERE identity = $1`,
			part.Identity, win, part.Kills)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *PostgresStore) UpdateRating(ctx context.Context, identity string, rating int) error {
	tag, err := p.pool.Exec(ctx, `UPDATE accounts SET rating = $2 WHERE identity = $1`, identity, rating)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) GetFriends(ctx context.Context, identity string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT friend FROM friends WHERE identity = $1 ORDER BY friend`, identity)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) AddFriend(ctx context.Context, identity, friend string) error {
	if identity == friend {
		return ErrAccountNotFound
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO friends (identity, friend)
		SELECT a.identity, b.identity FROM accounts a, accounts b
		WHERE (a.identity = $1 AND b.identity = $2) OR (a.identity = $2 AND b.identity = $1)
		ON CONFLICT DO NOTHING`,
		identity, friend)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE identity = $1)`, friend).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
	}
	return nil
}

func (p *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT identity, rating, wins, matches FROM accounts
		ORDER BY rating DESC, identity
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[LeaderboardEntry])
}

func (p *PostgresStore) Profile(ctx context.Context, identity string) (Profile, error) {
	var prof Profile
	prof.Identity = identity
	err := p.pool.QueryRow(ctx, `
		SELECT rating, wins, matches, kills, created_at FROM accounts WHERE identity = $1`,
		identity,
	).Scan(&prof.Rating, &prof.Wins, &prof.Matches, &prof.Kills, &prof.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrAccountNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT m.id, m.mode, mp.place, mp.kills, mp.rating_after - mp.rating_before, m.duration_ms, m.ended_at
		FROM match_participants mp JOIN matches m ON m.id = mp.match_id
		WHERE mp.identity = $1
		ORDER BY m.ended_at DESC, m.id DESC
		LIMIT $2`, identity, recentMatchLimit)
	if err != nil {
		return Profile{}, err
	}
	prof.Recent, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchSummary, error) {
		var s MatchSummary
		var mode string
		err := row.Scan(&s.ID, &mode, &s.Place, &s.Kills, &s.RatingDelta, &s.DurationMs, &s.EndedAt)
		s.Mode = arena.Mode(mode)
		s.EndedAt = s.EndedAt.UTC()
		return s, err
	})
	if err != nil {
		return Profile{}, err
	}
	return prof, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
