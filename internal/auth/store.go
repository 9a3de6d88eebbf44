package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUserExists marks a register attempt with a taken username.
	ErrUserExists = errors.New("username already registered")
	// ErrUserNotFound marks a lookup miss.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials marks a failed login. Deliberately vague:
	// it never says whether the user or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is one account. MaxWorkers is the entitlement budget the
// orchestrator enforces.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	MaxWorkers int       `json:"max_workers"`
	CreatedAt  time.Time `json:"created_at"`
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	max_workers   INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL
);
`

// Store is the durable account backend.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed initializes) the users database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(usersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Register creates an account with a freshly hashed password.
func (s *Store) Register(ctx context.Context, username, password string) (User, error) {
	if err := validateUsername(username); err != nil {
		return User{}, err
	}
	if len(password) < 8 {
		return User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:         uuid.NewString(),
		Username:   username,
		MaxWorkers: 1,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, max_workers, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, hash, u.MaxWorkers, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// Authenticate verifies a username/password pair. Both a missing user
// and a wrong password return ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, max_workers, created_at FROM users WHERE username = ?`,
		username)

	var u User
	var hash string
	var createdMillis int64
	if err := row.Scan(&u.ID, &u.Username, &hash, &u.MaxWorkers, &createdMillis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdMillis).UTC()

	ok, err := VerifyPassword(password, hash)
	if err != nil {
		return User{}, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get looks up an account by id.
func (s *Store) Get(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, max_workers, created_at FROM users WHERE id = ?`, id)

	var u User
	var createdMillis int64
	if err := row.Scan(&u.ID, &u.Username, &u.MaxWorkers, &createdMillis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return User{}, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdMillis).UTC()
	return u, nil
}

// SetMaxWorkers updates an account's entitlement budget.
func (s *Store) SetMaxWorkers(ctx context.Context, id string, max int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET max_workers = ? WHERE id = ?`, max, id)
	if err != nil {
		return fmt.Errorf("updating entitlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return nil
}

// MaxWorkers implements the orchestrator entitlement source. Unknown
// users get zero workers.
func (s *Store) MaxWorkers(userID string) int {
	u, err := s.Get(context.Background(), userID)
	if err != nil {
		return 0
	}
	return u.MaxWorkers
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 50 {
		return errors.New("username must be 3-50 characters")
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return nil
}
