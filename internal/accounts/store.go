// Package accounts provides the PostgreSQL-backed user store.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/mirror"
)

// ErrInvalidCredentials is returned for unknown users and for wrong
// passwords alike, so callers cannot tell the two apart.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is one account row.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Perms     int       `json:"perms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages user accounts.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL,
	perms INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// New opens the database and ensures the users table exists.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure users table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for sibling stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Authenticate verifies username/password and returns the account.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var u User
	var hashed string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password, perms, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.Email, &hashed, &u.Perms, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// Create inserts a new user.
func (s *Store) Create(ctx context.Context, username, email, password string, perms int) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password, perms) VALUES ($1, $2, $3, $4)`,
		username, email, string(hashed), perms)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	logging.Info("user created", zap.String("username", username), zap.Int("perms", perms))
	return nil
}

// EnsureDefaultAdmin creates a default admin account if no users exist.
func (s *Store) EnsureDefaultAdmin(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		logging.Warn("no users found, creating default admin (admin/admin)")
		logging.Warn("** change the default password immediately! **")
		return s.Create(ctx, "admin", "", "admin", mirror.PermAdmin)
	}
	return nil
}

// List returns all users ordered by ID.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, perms, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Perms, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes a user by username.
func (s *Store) Delete(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return mirror.ErrNotFound
	}
	logging.Info("user deleted", zap.String("username", username))
	return nil
}

// ChangePassword replaces a user's password hash.
func (s *Store) ChangePassword(ctx context.Context, username, newPassword string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password = $1 WHERE username = $2`, string(hashed), username)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return mirror.ErrNotFound
	}
	logging.Info("password changed", zap.String("username", username))
	return nil
}
