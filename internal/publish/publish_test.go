package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/bus"
	"github.com/sdwh/query-engine/internal/results"
)

type fakeLookup struct {
	table string
	err   error
}

func (f fakeLookup) TableForGUID(ctx context.Context, guid string) (string, error) {
	return f.table, f.err
}

func TestWorkerPublishesAndAcks(t *testing.T) {
	resultsDB, resultsMock, err := sqlmock.New()
	require.NoError(t, err)
	defer resultsDB.Close()

	resultsMock.ExpectQuery(`SELECT \* FROM "results_1"`).WithArgs(2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)).AddRow(int64(2)))
	resultsMock.ExpectQuery(`SELECT \* FROM "results_1"`).WithArgs(1000, 0).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)).AddRow(int64(2)))

	analyticsDB, analyticsMock, err := sqlmock.New()
	require.NoError(t, err)
	defer analyticsDB.Close()

	analyticsMock.ExpectExec("CREATE OR REPLACE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	analyticsMock.ExpectBegin()
	analyticsMock.ExpectPrepare("INSERT INTO")
	analyticsMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(1, 1))
	analyticsMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(1, 1))
	analyticsMock.ExpectCommit()

	ex := bus.NewMemoryExchange()
	resultConsumer, err := ex.Bind("result", "test")
	require.NoError(t, err)
	defer resultConsumer.Close()

	reader := results.NewReader(resultsDB)
	w := NewWorker(ex, reader, fakeLookup{table: "results_1"}, analyticsDB, "analytics", nil)

	body, err := json.Marshal(request{GUID: "g1", PublishName: "my_table", IdentityID: "u1"})
	require.NoError(t, err)

	w.handle(context.Background(), noopConsumer{}, bus.Message{Value: body})

	outCtx, outCancel := context.WithTimeout(context.Background(), time.Second)
	defer outCancel()
	out, err := resultConsumer.Fetch(outCtx)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out.Value, &decoded))
	assert.Equal(t, "PUBLISHED", decoded["status"])
	assert.Equal(t, "g1", decoded["guid"])

	require.NoError(t, resultsMock.ExpectationsWereMet())
	require.NoError(t, analyticsMock.ExpectationsWereMet())
}

func TestWorkerPublishesErrorOutcomeOnLookupFailure(t *testing.T) {
	ex := bus.NewMemoryExchange()
	resultConsumer, err := ex.Bind("result", "test")
	require.NoError(t, err)
	defer resultConsumer.Close()

	w := NewWorker(ex, nil, fakeLookup{err: assertErr{}}, nil, "analytics", nil)
	body, err := json.Marshal(request{GUID: "g2", PublishName: "t"})
	require.NoError(t, err)

	w.handle(context.Background(), noopConsumer{}, bus.Message{Value: body})

	outCtx, outCancel := context.WithTimeout(context.Background(), time.Second)
	defer outCancel()
	out, err := resultConsumer.Fetch(outCtx)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out.Value, &decoded))
	assert.Equal(t, "ERROR", decoded["status"])
}

type assertErr struct{}

func (assertErr) Error() string { return "lookup failed" }

// noopConsumer satisfies bus.Consumer for tests that drive handle directly
// without a real bound consumer; Ack is a no-op since the message wasn't
// fetched from a live queue.
type noopConsumer struct{}

func (noopConsumer) Fetch(ctx context.Context) (bus.Message, error) { return bus.Message{}, nil }
func (noopConsumer) Ack(ctx context.Context, msg bus.Message) error { return nil }
func (noopConsumer) Close() error                                  { return nil }
