package weathergate

import (
	"context"
	"database/sql"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "weathergate.db"))
	require.NoError(t, err)

	store, err := NewSQLiteStore(db, NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestInMemoryKeyStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	key := &APIKey{Secret: "s3cret", Label: "test", RatePerMinute: 60}
	require.NoError(t, store.Create(ctx, key))
	assert.NotEmpty(t, key.ID)
	assert.False(t, key.CreatedAt.IsZero())

	found, err := store.Lookup(ctx, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, 60, found.RatePerMinute)

	_, err = store.Lookup(ctx, "unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Revoke(ctx, key.ID))
	_, err = store.Lookup(ctx, "s3cret")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, store.Revoke(ctx, "missing"), ErrKeyNotFound)
}

func TestInMemoryKeyStore_RejectsDuplicateSecret(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryKeyStore()

	require.NoError(t, store.Create(ctx, &APIKey{Secret: "dup"}))
	err := store.Create(ctx, &APIKey{Secret: "dup"})
	assert.ErrorContains(t, err, "duplicate api key secret")
}

func TestInMemoryKeyStore_RejectsEmptySecret(t *testing.T) {
	store := NewInMemoryKeyStore()
	err := store.Create(context.Background(), &APIKey{})
	assert.ErrorContains(t, err, "secret cannot be empty")
}

func TestSQLiteStore_KeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	key := &APIKey{Secret: "s3cret", Label: "prod", RatePerMinute: 120}
	require.NoError(t, store.Create(ctx, key))
	assert.NotEmpty(t, key.ID)

	found, err := store.Lookup(ctx, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, "prod", found.Label)
	assert.Equal(t, 120, found.RatePerMinute)
	assert.False(t, found.Revoked)

	_, err = store.Lookup(ctx, "other")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSQLiteStore_Revoke(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	key := &APIKey{Secret: "s3cret"}
	require.NoError(t, store.Create(ctx, key))

	require.NoError(t, store.Revoke(ctx, key.ID))
	_, err := store.Lookup(ctx, "s3cret")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, store.Revoke(ctx, "missing"), ErrKeyNotFound)
}

func TestSQLiteStore_RecordRequest(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	key := &APIKey{Secret: "s3cret"}
	require.NoError(t, store.Create(ctx, key))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordRequest(ctx, RequestLogEntry{
			KeyID:      key.ID,
			Route:      "weather",
			Method:     "tools/call",
			HTTPStatus: http.StatusOK,
		}))
	}

	count, err := store.RequestCount(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.RequestCount(ctx, "other-key")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func expectSchemaInit(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS request_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_request_log_key_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func TestNewSQLiteStore_SchemaInitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_keys").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = NewSQLiteStore(db, NewNullLogger())
	assert.ErrorContains(t, err, "failed to initialize database schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LookupQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSchemaInit(mock)
	mock.ExpectQuery("SELECT id, secret, label, revoked, rate_per_minute, created_at").
		WithArgs("s3cret").
		WillReturnError(assert.AnError)

	store, err := NewSQLiteStore(db, NewNullLogger())
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), "s3cret")
	assert.ErrorContains(t, err, "failed to look up api key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_RecordRequestError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSchemaInit(mock)
	mock.ExpectExec("INSERT INTO request_log").WillReturnError(assert.AnError)

	store, err := NewSQLiteStore(db, NewNullLogger())
	require.NoError(t, err)

	err = store.RecordRequest(context.Background(), RequestLogEntry{KeyID: "k", Route: "weather"})
	assert.ErrorContains(t, err, "failed to record request")
	assert.NoError(t, mock.ExpectationsWereMet())
}
