package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillmail/quillmail/pkg/auth"
)

var (
	// ErrUserNotFound indicates the user is not registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailNotFound indicates the email does not exist or the
	// requesting user is neither its sender nor one of its recipients.
	ErrEmailNotFound = errors.New("email not found")
	// ErrUnknownParticipant indicates a send whose sender or recipient
	// is not registered.
	ErrUnknownParticipant = errors.New("sender or recipient not registered")
	// ErrNoRecipients indicates a send with an empty recipient list.
	ErrNoRecipients = errors.New("no recipients")
)

// MemoryDSN opens a private in-memory database. Mail does not survive a
// restart; every Store instance is an isolated mailbox world.
const MemoryDSN = ":memory:"

// Store owns the registered-user directory and the canonical email
// table. All operations are safe for concurrent use; the single pooled
// connection serializes writers and keeps the in-memory database alive.
type Store struct {
	conn *sql.DB
}

// Open opens the store at the given SQLite DSN and initializes the
// schema. Use MemoryDSN for a fresh in-memory store.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Exactly one connection: an in-memory database exists only as long
	// as its connection does, and SQLite allows a single writer anyway.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
-- User table (the directory)
CREATE TABLE IF NOT EXISTS User (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- Email table. AUTOINCREMENT guarantees strictly increasing ids that
-- are never reused, even after deletes.
CREATE TABLE IF NOT EXISTS Email (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (sender) REFERENCES User(username)
);

-- Per-recipient delivery record, including the viewed flag.
CREATE TABLE IF NOT EXISTS EmailRecipient (
	email_id INTEGER NOT NULL,
	recipient TEXT NOT NULL,
	position INTEGER NOT NULL,
	viewed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (email_id, recipient),
	FOREIGN KEY (email_id) REFERENCES Email(id) ON DELETE CASCADE,
	FOREIGN KEY (recipient) REFERENCES User(username)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_email_sender ON Email(sender, id);
CREATE INDEX IF NOT EXISTS idx_email_recipient ON EmailRecipient(recipient, email_id);
`

	_, err := s.conn.Exec(schema)
	return err
}

// User represents a registered account.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// Email represents one message. Immutable once sent; the per-recipient
// viewed relation lives in EmailRecipient, not here.
type Email struct {
	ID         int64
	Sender     string
	Recipients []string
	Subject    string
	Body       string
	CreatedAt  int64 // Unix timestamp in milliseconds
}

// RegisterUser creates a new account. Returns false without mutation if
// the username or credential hash is blank or the username is already
// taken. Concurrent registrations of the same username resolve so that
// exactly one succeeds.
func (s *Store) RegisterUser(username, passwordHash string) (bool, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(passwordHash) == "" {
		return false, nil
	}

	res, err := s.conn.Exec(
		"INSERT OR IGNORE INTO User (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to register user: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Authenticate verifies a username/password pair against the stored
// credential hash. Returns false for unknown users.
func (s *Store) Authenticate(username, password string) (bool, error) {
	var hash string
	err := s.conn.QueryRow("SELECT password_hash FROM User WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return auth.Verify(password, hash), nil
}

// UserExists reports whether the username is registered.
func (s *Store) UserExists(username string) (bool, error) {
	var one int
	err := s.conn.QueryRow("SELECT 1 FROM User WHERE username = ?", username).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetUser returns the account record for a username.
func (s *Store) GetUser(username string) (*User, error) {
	user := &User{}
	err := s.conn.QueryRow(
		"SELECT username, password_hash, created_at FROM User WHERE username = ?",
		username,
	).Scan(&user.Username, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
