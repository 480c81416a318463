package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_online TEXT,
			last_offline TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			is_private INTEGER NOT NULL DEFAULT 0,
			recipient TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user1 TEXT NOT NULL,
			user2 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user1, user2)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, id)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_user2 ON friendships(user2)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

// CreateUser stores a new account. It returns models.ErrUserExists when the
// username is taken.
func (db *DB) CreateUser(ctx context.Context, username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (db *DB) AuthenticateUser(ctx context.Context, username, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ?", username).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate user: %w", err)
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return count > 0, nil
}

func (db *DB) UpdateLastOnline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339), username,
	)
	return err
}

func (db *DB) UpdateLastOffline(ctx context.Context, username string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339), username,
	)
	return err
}

// GetUserStatus returns the last online and offline timestamps of a user.
func (db *DB) GetUserStatus(ctx context.Context, username string) (lastOnline, lastOffline time.Time, err error) {
	var onlineStr, offlineStr string
	err = db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users WHERE username = ?",
		username,
	).Scan(&onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		err = models.ErrNotFound
		return
	}
	if err != nil {
		return
	}

	if onlineStr != "" {
		lastOnline, _ = time.Parse(time.RFC3339, onlineStr)
	}
	if offlineStr != "" {
		lastOffline, _ = time.Parse(time.RFC3339, offlineStr)
	}
	return
}

// Message methods

func (db *DB) SaveMessage(ctx context.Context, m *models.Message) error {
	var recipient sql.NullString
	if m.IsPrivate() {
		recipient = sql.NullString{String: m.Recipient, Valid: true}
	}

	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, body, timestamp, is_private, recipient) VALUES (?, ?, ?, ?, ?)",
		m.Sender, m.Body, m.Timestamp.UTC().Format(time.RFC3339), m.IsPrivate(), recipient,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// History returns up to limit of the most recent messages visible to forUser,
// oldest first. With an empty forUser only public messages are returned.
func (db *DB) History(ctx context.Context, limit int, forUser string) ([]models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if forUser != "" {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, sender, body, timestamp, is_private, COALESCE(recipient, '')
			FROM messages
			WHERE is_private = 0 OR recipient = ? OR sender = ?
			ORDER BY id DESC
			LIMIT ?`,
			forUser, forUser, limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, sender, body, timestamp, is_private, COALESCE(recipient, '')
			FROM messages
			WHERE is_private = 0
			ORDER BY id DESC
			LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m            models.Message
			timestampStr string
			private      bool
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Body, &timestampStr, &private, &m.Recipient); err != nil {
			return nil, err
		}
		m.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Visibility = models.Public
		if private {
			m.Visibility = models.Private
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query; callers replay oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Friendship methods

// AddFriendship stores the canonicalized pair. It returns false when the
// friendship already exists.
func (db *DB) AddFriendship(ctx context.Context, a, b string) (bool, error) {
	u1, u2 := models.CanonicalPair(a, b)
	res, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO friendships (user1, user2, created_at) VALUES (?, ?, ?)",
		u1, u2, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("add friendship: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (db *DB) Friends(ctx context.Context, username string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT CASE WHEN user1 = ? THEN user2 ELSE user1 END AS friend
		FROM friendships
		WHERE user1 = ? OR user2 = ?
		ORDER BY friend`,
		username, username, username,
	)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var friend string
		if err := rows.Scan(&friend); err != nil {
			return nil, err
		}
		friends = append(friends, friend)
	}
	return friends, rows.Err()
}
