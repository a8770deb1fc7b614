package results_test

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/results"
)

func TestReadStripsSeqColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM "results_7" ORDER BY "__dwh_seq__"`).
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"__dwh_seq__", "n"}).
			AddRow(int64(1), int64(100)).
			AddRow(int64(2), int64(200)))

	r := results.NewReader(db)
	rows, err := r.Read(context.Background(), "results_7", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		_, hasSeq := row["__dwh_seq__"]
		assert.False(t, hasSeq)
		assert.Contains(t, row, "n")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
