package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/fabric/internal/fault"
)

func setupMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewPostgresStoreWithPool(mock), mock
}

func TestPostgresStoreSave(t *testing.T) {
	store, mock := setupMockStore(t)

	snap := sampleSnapshot("s1", "active")

	mock.ExpectQuery("INSERT INTO session_snapshots").
		WithArgs(
			snap.SessionID,
			snap.Status,
			len(snap.Participants),
			len(snap.Tasks),
			snap.LastActivity,
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))

	require.NoError(t, store.Save(context.Background(), snap))
	assert.EqualValues(t, 3, snap.Version)
	assert.False(t, snap.TakenAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLatest(t *testing.T) {
	store, mock := setupMockStore(t)

	takenAt := time.Now().UTC().Truncate(time.Second)
	data, err := json.Marshal(sampleSnapshot("s1", "paused"))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT version, taken_at, data").
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"version", "taken_at", "data"}).
			AddRow(int64(2), takenAt, data))

	snap, err := store.Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "paused", snap.Status)
	assert.EqualValues(t, 2, snap.Version)
	assert.Equal(t, takenAt, snap.TakenAt)
	assert.Len(t, snap.Participants, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLatestNotFound(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT version, taken_at, data").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Latest(context.Background(), "missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListSummaries(t *testing.T) {
	store, mock := setupMockStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT DISTINCT ON").
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "status", "version", "participants", "tasks", "last_activity", "taken_at",
		}).
			AddRow("s1", "active", int64(4), 3, 2, now, now).
			AddRow("s2", "closed", int64(1), 2, 0, now, now))

	summaries, err := store.ListSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "s1", summaries[0].SessionID)
	assert.EqualValues(t, 4, summaries[0].Version)
	assert.Equal(t, 3, summaries[0].Participants)
	assert.Equal(t, "closed", summaries[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
