package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an operator account for the REST API, unrelated to the mailbox
// accounts being managed.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser inserts an operator user. The password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, hashedPassword, role string) (*User, error) {
	user := &User{
		Username:  username,
		Password:  hashedPassword,
		Role:      role,
		CreatedAt: time.Now(),
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (username, password, role, created_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.Password, user.Role, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}
	user.ID = id
	return user, nil
}

// GetUserByUsername loads an operator user, or ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, password, role, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
