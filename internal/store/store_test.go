package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/store"
)

var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPGStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO queries").
		WithArgs("guid-1", "select 1", "enc-conn", "identity-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(1), sqlmockTime(), sqlmockTime()))
	mock.ExpectQuery("INSERT INTO results").
		WithArgs(int64(1), "table").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectCommit()

	q, err := s.Create(context.Background(), store.CreateInput{
		GUID: "guid-1", Query: "select 1", SourceConnEncrypted: "enc-conn",
		IdentityID: "identity-1", DestTypes: []string{"table"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, q.Status)
	require.Len(t, q.Destinations, 1)
	assert.Equal(t, "table", q.Destinations[0].DestType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)
	mock.ExpectQuery("SELECT (.+) FROM queries").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPGStoreResolveCancelRaceAlreadyCancelled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("CANCELLED"))
	mock.ExpectCommit()

	got, err := s.ResolveCancelRace(context.Background(), 7, "runner reported cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreResolveCancelRaceWritesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RUNNING"))
	mock.ExpectExec("UPDATE queries SET status='ERROR'").
		WithArgs(int64(7), "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.ResolveCancelRace(context.Background(), 7, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func sqlmockTime() interface{} {
	return fixedTime
}
