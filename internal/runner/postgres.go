package runner

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/staging"
)

// pgQueryCanceled is the SQLSTATE Postgres returns when pg_cancel_backend
// aborts a running query.
const pgQueryCanceled = "57014"

type postgresRunner struct{}

func NewPostgresRunner() Runner { return postgresRunner{} }

func (postgresRunner) ExecuteToFile(ctx context.Context, sourceConn, query string, runID int64, queryGUID, outPath string) error {
	tagged, err := taggedDSN(sourceConn, appID(runID))
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "build tagged dsn", err)
	}

	db, err := sql.Open("postgres", tagged)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "open source connection", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "acquire connection", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "begin cursor transaction", err)
	}
	defer tx.Rollback()

	cursor := "sdwh_cursor_" + queryGUID
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DECLARE %s CURSOR FOR %s`, pq.QuoteIdentifier(cursor), query)); err != nil {
		return classifyPGError(err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return apperr.Wrap(apperr.MaterializerError, "create staging file", err)
	}
	defer out.Close()
	w := staging.NewWriter(out)

	var headerWritten bool
	for {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`FETCH FORWARD %d FROM %s`, FetchBatchSize, pq.QuoteIdentifier(cursor)))
		if err != nil {
			return classifyPGError(err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return apperr.Wrap(apperr.SQLExecutionError, "read columns", err)
		}
		colTypes, err := rows.ColumnTypes()
		if err != nil {
			rows.Close()
			return apperr.Wrap(apperr.SQLExecutionError, "read column types", err)
		}
		if !headerWritten {
			types := make([]string, len(colTypes))
			for i, ct := range colTypes {
				types[i] = ct.DatabaseTypeName()
			}
			if err := w.WriteHeader(cols, types); err != nil {
				rows.Close()
				return apperr.Wrap(apperr.MaterializerError, "write staging header", err)
			}
			headerWritten = true
		}

		n := 0
		dest := make([]interface{}, len(cols))
		raw := make([]interface{}, len(cols))
		for i := range dest {
			dest[i] = &raw[i]
		}
		for rows.Next() {
			n++
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return apperr.Wrap(apperr.SQLExecutionError, "scan row", err)
			}
			values := make([]staging.Value, len(raw))
			for i, v := range raw {
				values[i] = toStagingValue(v)
			}
			if err := w.WriteRow(values); err != nil {
				rows.Close()
				return apperr.Wrap(apperr.MaterializerError, "write staging row", err)
			}
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return classifyPGError(rowsErr)
		}
		if n < FetchBatchSize {
			break
		}
	}

	return tx.Commit()
}

func (postgresRunner) Cancel(ctx context.Context, sourceConn string, runID int64) error {
	db, err := sql.Open("postgres", sourceConn)
	if err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "open source connection", err)
	}
	defer db.Close()

	var pid int
	err = db.QueryRowContext(ctx, `
		SELECT pid FROM pg_stat_activity WHERE state = 'active' AND application_name = $1
	`, appID(runID)).Scan(&pid)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperr.ErrNotRunning
		}
		return apperr.Wrap(apperr.SQLExecutionError, "locate backend pid", err)
	}

	var cancelled bool
	if err := db.QueryRowContext(ctx, `SELECT pg_cancel_backend($1)`, pid).Scan(&cancelled); err != nil {
		return apperr.Wrap(apperr.SQLExecutionError, "pg_cancel_backend", err)
	}
	if !cancelled {
		return apperr.ErrNotRunning
	}
	return nil
}

func classifyPGError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pgQueryCanceled {
		return apperr.ErrCancelled
	}
	return apperr.Wrap(apperr.SQLExecutionError, "execute query", err)
}

// taggedDSN appends application_name to a libpq connection string, whether
// it is already in key=value form or a postgresql:// URL.
func taggedDSN(sourceConn, appName string) (string, error) {
	if strings.HasPrefix(sourceConn, "postgres://") || strings.HasPrefix(sourceConn, "postgresql://") {
		sep := "?"
		if strings.Contains(sourceConn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sapplication_name=%s", sourceConn, sep, appName), nil
	}
	return fmt.Sprintf("%s application_name=%s", sourceConn, appName), nil
}

func toStagingValue(v interface{}) staging.Value {
	switch t := v.(type) {
	case nil:
		return staging.Null()
	case int64:
		return staging.Int64(t)
	case float64:
		return staging.Float64(t)
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
