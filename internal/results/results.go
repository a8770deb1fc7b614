// Package results implements C5: paginated, deterministically ordered reads
// of a materialized result table. See spec §4.5.
package results

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/materialize"
)

// Reader reads rows back out of materialized result tables. It performs no
// authorization of its own; the caller (httpserver) is responsible for that,
// per §4.5.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Read returns up to limit rows from table, starting at offset, ordered by
// the synthetic sequence column, with that column stripped from the output.
func (r *Reader) Read(ctx context.Context, table string, limit, offset int) ([]map[string]any, error) {
	stmt := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(materialize.ReservedSeqColumn))

	rows, err := r.db.QueryContext(ctx, stmt, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read result page", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read result columns", err)
	}

	out := make([]map[string]any, 0, limit)
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan result row", err)
		}
		row := make(map[string]any, len(cols)-1)
		for i, col := range cols {
			if col == materialize.ReservedSeqColumn {
				continue
			}
			row[col] = normalize(raw[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize converts driver values lib/pq hands back as []byte (text,
// varchar, and other character types scanned into *interface{}) into string,
// so callers see the same native JSON types the source row had rather than
// base64-encoded bytes.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
