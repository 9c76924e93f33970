package weathergate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound is returned when an api key secret has no active match.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey identifies one gateway consumer.
type APIKey struct {
	ID            string
	Secret        string
	Label         string
	Revoked       bool
	RatePerMinute int
	CreatedAt     time.Time
}

// RequestLogEntry is one audit row for a gateway request.
type RequestLogEntry struct {
	KeyID      string
	Route      string
	Method     string
	HTTPStatus int
	ReceivedAt time.Time
}

// KeyStore resolves and manages api keys.
type KeyStore interface {
	Lookup(ctx context.Context, secret string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
	Revoke(ctx context.Context, id string) error
}

// AuditLog records gateway requests.
type AuditLog interface {
	RecordRequest(ctx context.Context, entry RequestLogEntry) error
}

// InMemoryKeyStore is a KeyStore backed by a map, for tests and
// single-key deployments.
type InMemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewInMemoryKeyStore creates an empty InMemoryKeyStore.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{keys: make(map[string]*APIKey)}
}

// Lookup resolves a secret to its key. Revoked keys behave as missing.
func (s *InMemoryKeyStore) Lookup(ctx context.Context, secret string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[secret]
	if !ok || key.Revoked {
		return nil, ErrKeyNotFound
	}

	copied := *key
	return &copied, nil
}

// Create stores a key, assigning an ID and creation time when absent.
func (s *InMemoryKeyStore) Create(ctx context.Context, key *APIKey) error {
	if key.Secret == "" {
		return fmt.Errorf("api key secret cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.Secret]; exists {
		return fmt.Errorf("duplicate api key secret")
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	copied := *key
	s.keys[key.Secret] = &copied
	return nil
}

// Revoke marks a key revoked by ID.
func (s *InMemoryKeyStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.ID == id {
			key.Revoked = true
			return nil
		}
	}
	return ErrKeyNotFound
}

// SQLiteStore persists api keys and the request audit log in SQLite. It
// implements both KeyStore and AuditLog.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger Logger
}

// NewSQLiteStore creates a SQLiteStore on an open database handle and
// ensures the schema exists.
func NewSQLiteStore(db *sql.DB, logger Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = NewNullLogger()
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createKeysTableSQL := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		revoked INTEGER NOT NULL DEFAULT 0,
		rate_per_minute INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`

	createRequestLogTableSQL := `
	CREATE TABLE IF NOT EXISTS request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_id TEXT NOT NULL,
		route TEXT NOT NULL,
		method TEXT NOT NULL,
		http_status INTEGER NOT NULL,
		received_at DATETIME NOT NULL
	);`

	createRequestLogIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_request_log_key_id ON request_log (key_id);
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createKeysTableSQL); err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, createRequestLogTableSQL); err != nil {
		return fmt.Errorf("failed to create request_log table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, createRequestLogIndexSQL); err != nil {
		return fmt.Errorf("failed to create request_log index: %w", err)
	}

	return tx.Commit()
}

// Lookup resolves a secret to its key. Revoked keys behave as missing.
func (s *SQLiteStore) Lookup(ctx context.Context, secret string) (*APIKey, error) {
	query := `SELECT id, secret, label, revoked, rate_per_minute, created_at
		FROM api_keys WHERE secret = ? AND revoked = 0`

	var key APIKey
	var revoked int
	err := s.db.QueryRowContext(ctx, query, secret).Scan(
		&key.ID, &key.Secret, &key.Label, &revoked, &key.RatePerMinute, &key.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	key.Revoked = revoked != 0
	return &key, nil
}

// Create stores a key, assigning an ID and creation time when absent.
func (s *SQLiteStore) Create(ctx context.Context, key *APIKey) error {
	if key.Secret == "" {
		return fmt.Errorf("api key secret cannot be empty")
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO api_keys (id, secret, label, revoked, rate_per_minute, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.Secret, key.Label, boolToInt(key.Revoked), key.RatePerMinute, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key_id": key.ID,
		"label":  key.Label,
	}).Info("Created api key")
	return nil
}

// Revoke marks a key revoked by ID.
func (s *SQLiteStore) Revoke(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revoke result: %w", err)
	}
	if affected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// RecordRequest appends one audit row.
func (s *SQLiteStore) RecordRequest(ctx context.Context, entry RequestLogEntry) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	query := `INSERT INTO request_log (key_id, route, method, http_status, received_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.KeyID, entry.Route, entry.Method, entry.HTTPStatus, entry.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RequestCount returns the number of audit rows recorded for a key.
func (s *SQLiteStore) RequestCount(ctx context.Context, keyID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_log WHERE key_id = ?`, keyID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
