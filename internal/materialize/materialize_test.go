package materialize_test

import (
	"context"
	"os"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/materialize"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/staging"
)

func writeStagingFile(t *testing.T, names, types []string, rows [][]staging.Value) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "staging-*.bin")
	require.NoError(t, err)
	defer f.Close()

	w := staging.NewWriter(f)
	require.NoError(t, w.WriteHeader(names, types))
	for _, row := range rows {
		require.NoError(t, w.WriteRow(row))
	}
	return f.Name()
}

func TestMaterializeRejectsReservedColumn(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	path := writeStagingFile(t, []string{"__dwh_seq__"}, []string{"int8"}, nil)
	m := materialize.NewTableMaterializer(db)

	_, _, err = m.Materialize(context.Background(), path,
		models.QueryExecution{ID: 1},
		models.QueryDestination{ID: 1, DestType: "table"},
	)
	require.Error(t, err)
	assert.Equal(t, apperr.ReservedColumnName, apperr.KindOf(err))
}

func TestMaterializeHappyPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	path := writeStagingFile(t, []string{"n"}, []string{"int8"}, [][]staging.Value{
		{staging.Int64(1)},
		{staging.Int64(2)},
	})
	m := materialize.NewTableMaterializer(db)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("CREATE ROLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("GRANT SELECT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tablePath, creds, err := m.Materialize(context.Background(), path,
		models.QueryExecution{ID: 7},
		models.QueryDestination{ID: 99, DestType: "table"},
	)
	require.NoError(t, err)
	assert.Equal(t, "results_7", tablePath, "table name is keyed off the run id, not the destination id")
	assert.Contains(t, string(creds), `"user":"sdwh_run_7"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteQueryExecsNoopOnEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := materialize.NewTableMaterializer(db)
	require.NoError(t, m.DeleteQueryExecs(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteQueryExecsDropsTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := materialize.NewTableMaterializer(db)
	mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP ROLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP ROLE IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.DeleteQueryExecs(context.Background(), []string{"results_1", "results_2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
