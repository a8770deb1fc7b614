// Package materialize implements C4: loading a staged result file into the
// results database as a queryable table with scoped, per-run credentials.
// See spec §4.4 and §6.
package materialize

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lib/pq"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/staging"
)

// ReservedSeqColumn is the synthetic ordering column every materialized
// table carries; it may not collide with a source column name.
const ReservedSeqColumn = "__dwh_seq__"

const insertBatchSize = 100

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-=/,."
const secretLength = 8

// Materializer loads a staging file into a queryable results table.
type Materializer interface {
	Materialize(ctx context.Context, stagingPath string, run models.QueryExecution, dest models.QueryDestination) (path string, creds json.RawMessage, err error)
	DeleteQueryExecs(ctx context.Context, paths []string) error
}

// TableMaterializer writes into the shared results Postgres database.
type TableMaterializer struct {
	db *sql.DB
}

func NewTableMaterializer(db *sql.DB) *TableMaterializer {
	return &TableMaterializer{db: db}
}

func (m *TableMaterializer) Materialize(ctx context.Context, stagingPath string, run models.QueryExecution, dest models.QueryDestination) (string, json.RawMessage, error) {
	f, err := os.Open(stagingPath)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "open staging file", err)
	}
	defer f.Close()

	r := staging.NewReader(f)
	names, types, err := r.ReadHeader()
	if err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "read staging header", err)
	}
	for _, name := range names {
		if strings.EqualFold(name, ReservedSeqColumn) {
			return "", nil, apperr.ErrReservedColumn
		}
	}

	table := fmt.Sprintf("results_%d", run.ID)
	user := fmt.Sprintf("sdwh_run_%d", run.ID)
	secret, err := randomSecret()
	if err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "generate secret", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "begin materialize tx", err)
	}
	defer tx.Rollback()

	if err := createTable(ctx, tx, table, names, types); err != nil {
		return "", nil, err
	}
	if err := createScopedRole(ctx, tx, user, secret, table); err != nil {
		return "", nil, err
	}
	if err := insertRows(ctx, tx, table, names, r); err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "commit materialize tx", err)
	}

	creds, err := json.Marshal(models.TableCreds{User: user, Pass: secret})
	if err != nil {
		return "", nil, apperr.Wrap(apperr.MaterializerError, "marshal creds", err)
	}
	return table, creds, nil
}

func createTable(ctx context.Context, tx *sql.Tx, table string, names, types []string) error {
	cols := make([]string, 0, len(names)+1)
	cols = append(cols, pq.QuoteIdentifier(ReservedSeqColumn)+" BIGSERIAL PRIMARY KEY")
	for i, name := range names {
		cols = append(cols, fmt.Sprintf("%s %s", pq.QuoteIdentifier(name), sqlColumnType(types[i])))
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, pq.QuoteIdentifier(table), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "create results table", err)
	}

	// Reject re-run: a table left over from a prior attempt at the same
	// destination fails closed instead of silently appending or truncating.
	var exists bool
	probe := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s LIMIT 1)`, pq.QuoteIdentifier(table))
	if err := tx.QueryRowContext(ctx, probe).Scan(&exists); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "probe existing rows", err)
	}
	if exists {
		return apperr.New(apperr.MaterializerError, "destination already populated")
	}
	return nil
}

func createScopedRole(ctx context.Context, tx *sql.Tx, user, secret, table string) error {
	createRole := fmt.Sprintf(`CREATE ROLE %s LOGIN PASSWORD %s`, pq.QuoteIdentifier(user), pq.QuoteLiteral(secret))
	if _, err := tx.ExecContext(ctx, createRole); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "create scoped role", err)
	}
	grant := fmt.Sprintf(`GRANT SELECT ON %s TO %s`, pq.QuoteIdentifier(table), pq.QuoteIdentifier(user))
	if _, err := tx.ExecContext(ctx, grant); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "grant scoped select", err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, names []string, r *staging.Reader) error {
	quotedCols := make([]string, len(names))
	for i, n := range names {
		quotedCols[i] = pq.QuoteIdentifier(n)
	}

	var batch [][]staging.Value
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := execInsertBatch(ctx, tx, table, quotedCols, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		row, err := r.ReadRow()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return apperr.Wrap(apperr.MaterializerError, "read staging row", err)
		}
		batch = append(batch, row)
		if len(batch) >= insertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func execInsertBatch(ctx context.Context, tx *sql.Tx, table string, quotedCols []string, rows [][]staging.Value) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (%s) VALUES `, pq.QuoteIdentifier(table), strings.Join(quotedCols, ", "))
	args := make([]interface{}, 0, len(rows)*len(quotedCols))
	argN := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", argN)
			argN++
			args = append(args, toSQLValue(v))
		}
		sb.WriteString(")")
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "insert result batch", err)
	}
	return nil
}

// toSQLValue maps a staging.Value to a database/sql argument, treating the
// literal string "None" as SQL NULL per §4.4.
func toSQLValue(v staging.Value) interface{} {
	if v.Kind == staging.KindString && v.Str == "None" {
		return nil
	}
	switch v.Kind {
	case staging.KindNull:
		return nil
	case staging.KindInt64:
		return v.Int
	case staging.KindFloat64:
		return v.Float
	case staging.KindBool:
		return v.Bool
	case staging.KindString:
		return v.Str
	case staging.KindBytes:
		return v.Bytes
	case staging.KindTimestamp:
		return v.Time
	default:
		return nil
	}
}

func sqlColumnType(stagingType string) string {
	switch strings.ToLower(stagingType) {
	case "int8", "int4", "int2", "bigint", "integer", "smallint":
		return "BIGINT"
	case "float8", "float4", "double precision", "real", "decimal", "numeric":
		return "DOUBLE PRECISION"
	case "bool", "boolean":
		return "BOOLEAN"
	case "bytea":
		return "BYTEA"
	case "timestamptz", "timestamp", "date":
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// DeleteQueryExecs drops the result tables at paths and the per-run scoped
// roles that were granted SELECT on them, closing the resource-leak noted
// for delete_results: a left-behind sdwh_run_<id> role with no table to
// read from.
func (m *TableMaterializer) DeleteQueryExecs(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = pq.QuoteIdentifier(p)
	}
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, strings.Join(quoted, ", "))
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.MaterializerError, "drop result tables", err)
	}

	for _, p := range paths {
		role := roleForTable(p)
		if role == "" {
			continue
		}
		dropRole := fmt.Sprintf(`DROP ROLE IF EXISTS %s`, pq.QuoteIdentifier(role))
		if _, err := m.db.ExecContext(ctx, dropRole); err != nil {
			return apperr.Wrap(apperr.MaterializerError, "drop scoped role", err)
		}
	}
	return nil
}

// roleForTable derives a results_<id> table's paired scoped role name;
// empty for any table name not in that shape.
func roleForTable(table string) string {
	const prefix = "results_"
	if !strings.HasPrefix(table, prefix) {
		return ""
	}
	return "sdwh_run_" + strings.TrimPrefix(table, prefix)
}

func randomSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, secretLength)
	for i, b := range buf {
		out[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(out), nil
}
