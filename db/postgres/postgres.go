// Package postgres implements the chat store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_online TIMESTAMPTZ,
	last_offline TIMESTAMPTZ,
	CONSTRAINT users_username_uq UNIQUE (username)
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	sent_at TIMESTAMPTZ NOT NULL,
	is_private BOOLEAN NOT NULL DEFAULT false,
	recipient TEXT
);
CREATE INDEX IF NOT EXISTS messages_recipient_idx ON messages (recipient, id);
CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender, id);
CREATE TABLE IF NOT EXISTS friendships (
	id BIGSERIAL PRIMARY KEY,
	user1 TEXT NOT NULL,
	user2 TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT friendships_pair_uq UNIQUE (user1, user2)
);
CREATE INDEX IF NOT EXISTS friendships_user2_idx ON friendships (user2);
`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	const q = `
		INSERT INTO users (username, password, last_online, last_offline)
		VALUES ($1, $2, now(), now())
	`
	if _, err := s.pool.Exec(ctx, q, username, string(hashed)); err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "23505" && pgerr.ConstraintName == "users_username_uq" {
			return models.ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	var hashed string
	err := s.pool.QueryRow(ctx, `SELECT password FROM users WHERE username = $1`, username).Scan(&hashed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate user: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil, nil
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return exists, nil
}

func (s *Store) UpdateLastOnline(ctx context.Context, username string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_online = $2 WHERE username = $1`, username, t.UTC())
	return err
}

func (s *Store) UpdateLastOffline(ctx context.Context, username string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_offline = $2 WHERE username = $1`, username, t.UTC())
	return err
}

func (s *Store) GetUserStatus(ctx context.Context, username string) (lastOnline, lastOffline time.Time, err error) {
	var online, offline pgtype.Timestamptz
	err = s.pool.QueryRow(ctx,
		`SELECT last_online, last_offline FROM users WHERE username = $1`, username,
	).Scan(&online, &offline)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, time.Time{}, models.ErrNotFound
	}
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("get user status: %w", err)
	}
	return timestamptzOrZero(online), timestamptzOrZero(offline), nil
}

func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	const q = `
		INSERT INTO messages (sender, body, sent_at, is_private, recipient)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var recipient pgtype.Text
	if m.IsPrivate() {
		recipient = pgtype.Text{String: m.Recipient, Valid: true}
	}
	err := s.pool.QueryRow(ctx, q, m.Sender, m.Body, m.Timestamp.UTC(), m.IsPrivate(), recipient).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, limit int, forUser string) ([]models.Message, error) {
	// Newest rows are picked by the inner query, then returned oldest first.
	const q = `
		SELECT id, sender, body, sent_at, is_private, COALESCE(recipient, '')
		FROM (
			SELECT * FROM messages
			WHERE NOT is_private OR ($2 <> '' AND (recipient = $2 OR sender = $2))
			ORDER BY id DESC
			LIMIT $1
		) recent
		ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, q, limit, forUser)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m       models.Message
			private bool
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Body, &m.Timestamp, &private, &m.Recipient); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		m.Visibility = models.Public
		if private {
			m.Visibility = models.Private
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) AddFriendship(ctx context.Context, a, b string) (bool, error) {
	u1, u2 := models.CanonicalPair(a, b)
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO friendships (user1, user2) VALUES ($1, $2) ON CONFLICT ON CONSTRAINT friendships_pair_uq DO NOTHING`,
		u1, u2,
	)
	if err != nil {
		return false, fmt.Errorf("add friendship: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) Friends(ctx context.Context, username string) ([]string, error) {
	const q = `
		SELECT CASE WHEN user1 = $1 THEN user2 ELSE user1 END AS friend
		FROM friendships
		WHERE user1 = $1 OR user2 = $1
		ORDER BY friend
	`
	rows, err := s.pool.Query(ctx, q, username)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	friends, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan friends: %w", err)
	}
	return friends, nil
}

func timestamptzOrZero(v pgtype.Timestamptz) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}
