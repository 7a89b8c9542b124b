package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"hackchat/internal/apperr"
)

// User represents a row in the users table. PasswordHash is nil for users
// created through anonymous login.
type User struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	PasswordHash []byte `db:"password_hash"`
	Created      int64  `db:"created_at"`
}

func (u User) CreatedAt() time.Time {
	return time.Unix(u.Created, 0).UTC()
}

// UserStats pairs a user with the number of messages they sent.
type UserStats struct {
	ID            string `db:"id"`
	Username      string `db:"username"`
	MessagesCount int    `db:"messages_count"`
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = apperr.DuplicateUser("user already exists")

// CreateUser inserts a new user with a fresh id. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (*User, error) {
	if err := requireNonBlank(map[string]string{"username": username}); err != nil {
		return nil, err
	}
	user := &User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		PasswordHash: passwordHash,
		Created:      s.now().Unix(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, password_hash, created_at) VALUES(?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.Created)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername fetches a user by username; nil when absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
}

// GetUserByID fetches a user by primary key; nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var user User
	if err := s.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// ListUsers returns users ordered by username, skipping excludeID when set.
func (s *Store) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	users := []User{}
	err := s.db.SelectContext(ctx, &users, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id <> ?
		ORDER BY username COLLATE NOCASE ASC, id ASC
	`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListUserStats returns every user with their sent-message count, by username.
func (s *Store) ListUserStats(ctx context.Context) ([]UserStats, error) {
	stats := []UserStats{}
	err := s.db.SelectContext(ctx, &stats, `
		SELECT u.id, u.username, COUNT(m.id) AS messages_count
		FROM users u
		LEFT JOIN messages m ON m.sender = u.id
		GROUP BY u.id, u.username
		ORDER BY u.username COLLATE NOCASE ASC, u.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list user stats: %w", err)
	}
	return stats, nil
}
