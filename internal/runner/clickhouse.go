package runner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/staging"
)

// chQueryCanceled is the ClickHouse error code returned by KILL QUERY
// against a running query.
const chQueryCanceled = 394

type clickhouseRunner struct{}

func NewClickHouseRunner() Runner { return clickhouseRunner{} }

func (clickhouseRunner) ExecuteToFile(ctx context.Context, sourceConn, query string, runID int64, queryGUID, outPath string) error {
	opts, err := clickhouse.ParseDSN(sourceConn)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "parse clickhouse dsn", err)
	}

	queryID := appID(runID)
	ctx = clickhouse.Context(ctx, clickhouse.WithQueryID(queryID), clickhouse.WithSettings(clickhouse.Settings{
		"replace_running_query": 1,
	}))

	db := clickhouse.OpenDB(opts)
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return classifyCHError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "read columns", err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "read column types", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return apperr.Wrap(apperr.MaterializerError, "create staging file", err)
	}
	defer out.Close()
	w := staging.NewWriter(out)

	types := make([]string, len(colTypes))
	for i, ct := range colTypes {
		types[i] = ct.DatabaseTypeName()
	}
	if err := w.WriteHeader(cols, types); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "write staging header", err)
	}

	dest := make([]interface{}, len(cols))
	raw := make([]interface{}, len(cols))
	for i := range dest {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return apperr.Wrap(apperr.SQLExecutionError, "scan row", err)
		}
		values := make([]staging.Value, len(raw))
		for i, v := range raw {
			values[i] = toStagingValueCH(v)
		}
		if err := w.WriteRow(values); err != nil {
			return apperr.Wrap(apperr.MaterializerError, "write staging row", err)
		}
	}
	if err := rows.Err(); err != nil {
		return classifyCHError(err)
	}
	return nil
}

func (clickhouseRunner) Cancel(ctx context.Context, sourceConn string, runID int64) error {
	opts, err := clickhouse.ParseDSN(sourceConn)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "parse clickhouse dsn", err)
	}
	db := clickhouse.OpenDB(opts)
	defer db.Close()

	queryID := appID(runID)
	var count int
	if err := db.QueryRowContext(ctx, `SELECT count() FROM system.processes WHERE query_id = $1`, queryID).Scan(&count); err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "locate running query", err)
	}
	if count == 0 {
		return apperr.ErrNotRunning
	}

	if _, err := db.ExecContext(ctx, `KILL QUERY WHERE query_id = `+strconv.Quote(queryID)); err != nil {
		return classifyCHError(err)
	}
	return nil
}

func classifyCHError(err error) error {
	if chErr, ok := err.(*clickhouse.Exception); ok && int(chErr.Code) == chQueryCanceled {
		return apperr.ErrCancelled
	}
	return apperr.Wrap(apperr.SQLExecutionError, "execute query", err)
}

func toStagingValueCH(v interface{}) staging.Value {
	switch t := v.(type) {
	case nil:
		return staging.Null()
	case int64:
		return staging.Int64(t)
	case uint64:
		return staging.Int64(int64(t))
	case int32:
		return staging.Int64(int64(t))
	case uint32:
		return staging.Int64(int64(t))
	case float64:
		return staging.Float64(t)
	case float32:
		return staging.Float64(float64(t))
	case bool:
		return staging.Bool(t)
	case []byte:
		return staging.Bytes(t)
	case string:
		return staging.String(t)
	case time.Time:
		return staging.Timestamp(t)
	default:
		return staging.String(fmt.Sprintf("%v", t))
	}
}
