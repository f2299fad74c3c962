package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/docgen/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.DocumentSession) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusDraft
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	inputs, err := marshalInputs(sess.Inputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, status, content, current_version, inputs, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Kind, string(sess.Status), sess.Content, sess.CurrentVersion,
		inputs, sess.LastError, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.DocumentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, content, current_version, inputs, last_error, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, kind string, limit int) ([]*models.DocumentSession, error) {
	query := `SELECT id, kind, status, content, current_version, inputs, last_error, created_at, updated_at
		FROM sessions`
	var args []any

	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.DocumentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.DocumentSession) error {
	sess.UpdatedAt = time.Now().UTC()
	inputs, err := marshalInputs(sess.Inputs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET kind = ?, status = ?, content = ?, current_version = ?, inputs = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		sess.Kind, string(sess.Status), sess.Content, sess.CurrentVersion, inputs, sess.LastError, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sess.ID)
	}
	return nil
}

// ClaimGeneration atomically moves a session to generating if its current
// status is one of from. It reports false when the session was not in an
// allowed status, which includes a generation already in flight.
func (s *SQLiteStore) ClaimGeneration(ctx context.Context, id string, from ...models.SessionStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("claim generation: no source status given")
	}
	placeholders := make([]string, len(from))
	args := []any{string(models.SessionStatusGenerating), time.Now().UTC(), id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("claim generation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim generation: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.DocumentSession, error) {
	sess := &models.DocumentSession{}
	var status, inputs string
	err := row.Scan(&sess.ID, &sess.Kind, &status, &sess.Content, &sess.CurrentVersion,
		&inputs, &sess.LastError, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if inputs != "" && inputs != "{}" {
		if err := json.Unmarshal([]byte(inputs), &sess.Inputs); err != nil {
			return nil, fmt.Errorf("decode session inputs: %w", err)
		}
	}
	return sess, nil
}

func marshalInputs(inputs map[string]string) (string, error) {
	if len(inputs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("encode session inputs: %w", err)
	}
	return string(data), nil
}

// --- Versions ---

// AppendVersion assigns the next version number inside a transaction. The
// single-connection pool plus the (session_id, version) primary key keep
// numbers unique and gap-free.
func (s *SQLiteStore) AppendVersion(ctx context.Context, v *models.Version) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM versions WHERE session_id = ?", v.SessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (session_id, version, content, change_type, change_description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.SessionID, next, v.Content, string(v.ChangeType), v.ChangeDescription, v.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	v.Version = next
	return nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, version, content, change_type, change_description, created_at
		FROM versions WHERE session_id = ? AND version = ?`, sessionID, version)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) LatestVersion(ctx context.Context, sessionID string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, version, content, change_type, change_description, created_at
		FROM versions WHERE session_id = ? ORDER BY version DESC LIMIT 1`, sessionID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, version, content, change_type, change_description, created_at
		FROM versions WHERE session_id = ? ORDER BY version`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(row rowScanner) (*models.Version, error) {
	v := &models.Version{}
	var changeType string
	if err := row.Scan(&v.SessionID, &v.Version, &v.Content, &changeType, &v.ChangeDescription, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.ChangeType = models.ChangeType(changeType)
	return v, nil
}

// --- Chat ---

func (s *SQLiteStore) AddChatMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	var metadata string
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, sender, text, message_type, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Sender), m.Text, string(m.MessageType), metadata, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("add chat message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, text, message_type, metadata, timestamp
		FROM chat_messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var sender, messageType, metadata string
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &messageType, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.MessageType = models.MessageType(messageType)
		m.Delivery = models.DeliveryConfirmed
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
