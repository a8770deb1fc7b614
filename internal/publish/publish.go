// Package publish implements C8: the message-bus consumer that copies a
// materialized query result into the analytics store under an
// operator-chosen table name. See spec §4.8.
package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/bus"
	"github.com/sdwh/query-engine/internal/results"
)

const (
	taskRoutingKey   = "task"
	resultRoutingKey = "result"
	pageSize         = 1000
	supervisorBackoff = 500 * time.Millisecond
)

type request struct {
	GUID        string `json:"guid"`
	PublishName string `json:"publish_name"`
	IdentityID  string `json:"identity_id"`
}

type outcome struct {
	GUID   string `json:"guid"`
	Status string `json:"status"`
}

// ResultLookup resolves a run's materialized table name for a guid, so the
// worker knows what to read without depending on the operational store
// directly.
type ResultLookup interface {
	TableForGUID(ctx context.Context, guid string) (string, error)
}

// Worker consumes publish requests and republishes result sets into an
// analytics store (ClickHouse, via clickhouse-go/v2).
type Worker struct {
	Exchange  bus.Exchange
	Reader    *results.Reader
	Lookup    ResultLookup
	Analytics *sql.DB
	Database  string
	Logger    *log.Logger
}

func NewWorker(exchange bus.Exchange, reader *results.Reader, lookup ResultLookup, analytics *sql.DB, database string, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(os.Stdout, "[publish] ", log.LstdFlags)
	}
	return &Worker{Exchange: exchange, Reader: reader, Lookup: lookup, Analytics: analytics, Database: database, Logger: logger}
}

// Run supervises the consumer loop, restarting it after supervisorBackoff on
// connection failure, indefinitely, honoring ctx.Done() — modeled on
// ai-infra/internal/runner.RunWorker's restart-on-failure supervisor idiom.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		consumer, err := w.Exchange.Bind(taskRoutingKey, "publish-worker")
		if err != nil {
			w.Logger.Printf("bind consumer failed: %v", err)
			w.sleep(ctx)
			continue
		}
		w.consumeLoop(ctx, consumer)
		consumer.Close()
		w.sleep(ctx)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(supervisorBackoff):
	}
}

func (w *Worker) consumeLoop(ctx context.Context, consumer bus.Consumer) {
	for {
		msg, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Logger.Printf("fetch failed: %v", err)
			return
		}
		w.handle(ctx, consumer, msg)
	}
}

// handle processes one request and always acknowledges the message
// afterward, whether processing succeeded or failed: the bus has
// at-most-once, reject-without-requeue semantics (§4.8/§7), realized over
// kafka-go (which has no native nack) as "commit the offset after recording
// the outcome".
func (w *Worker) handle(ctx context.Context, consumer bus.Consumer, msg bus.Message) {
	defer func() {
		if err := consumer.Ack(ctx, msg); err != nil {
			w.Logger.Printf("ack failed: %v", err)
		}
	}()

	var req request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.Logger.Printf("malformed publish request: %v", err)
		w.publishOutcome(ctx, "", "ERROR")
		return
	}

	if err := w.publishResult(ctx, req); err != nil {
		w.Logger.Printf("publish guid=%s failed: %v", req.GUID, err)
		w.publishOutcome(ctx, req.GUID, "ERROR")
		return
	}
	w.publishOutcome(ctx, req.GUID, "PUBLISHED")
}

func (w *Worker) publishResult(ctx context.Context, req request) error {
	table, err := w.Lookup.TableForGUID(ctx, req.GUID)
	if err != nil {
		return err
	}

	probe, err := w.Reader.Read(ctx, table, 2, 0)
	if err != nil {
		return apperr.Wrap(apperr.PublishError, "probe schema", err)
	}
	schema := inferSchema(probe)

	target := fmt.Sprintf("%s.%s", w.Database, req.PublishName)
	if err := w.createAnalyticsTable(ctx, target, schema); err != nil {
		return err
	}

	return w.copyAllRows(ctx, table, target, schema)
}

// schemaColumn is one `name type` tuple recovered from the two-row probe, the
// Go-side analogue of the original's ClickHouse `DESC format(JSONEachRow, …)`
// type discovery.
type schemaColumn struct {
	Name string
	Type string
}

// inferSchema walks the probe rows in first-seen column order and assigns
// each column the narrowest ClickHouse type its observed values support,
// falling back to Nullable(String) for columns that probed as nil or mixed
// Go types (per §4.8 step 2).
func inferSchema(rows []map[string]any) []schemaColumn {
	var order []string
	seen := map[string]bool{}
	chType := map[string]string{}
	for _, row := range rows {
		for col, v := range row {
			if !seen[col] {
				seen[col] = true
				order = append(order, col)
			}
			t := clickhouseType(v)
			if t == "" {
				continue
			}
			switch existing := chType[col]; {
			case existing == "":
				chType[col] = t
			case existing != t:
				chType[col] = "String"
			}
		}
	}
	cols := make([]schemaColumn, len(order))
	for i, col := range order {
		t := chType[col]
		if t == "" {
			t = "String"
		}
		cols[i] = schemaColumn{Name: col, Type: t}
	}
	return cols
}

// clickhouseType maps a Go value, as scanned off the underlying Postgres
// driver, to the ClickHouse type that stores it without loss. It returns ""
// for nil, so a column probed as nil contributes nothing toward the column's
// inferred type.
func clickhouseType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case bool:
		return "Bool"
	case int, int8, int16, int32, int64:
		return "Int64"
	case uint, uint8, uint16, uint32, uint64:
		return "UInt64"
	case float32, float64:
		return "Float64"
	case time.Time:
		return "DateTime"
	default:
		return "String"
	}
}

func (w *Worker) createAnalyticsTable(ctx context.Context, target string, cols []schemaColumn) error {
	parts := make([]string, 0, len(cols)+1)
	parts = append(parts, "id UInt64")
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("`%s` Nullable(%s)", c.Name, c.Type))
	}
	stmt := fmt.Sprintf(`CREATE OR REPLACE TABLE %s (%s) ENGINE MergeTree() ORDER BY id`, target, strings.Join(parts, ", "))
	if _, err := w.Analytics.ExecContext(ctx, stmt); err != nil {
		return apperr.Wrap(apperr.PublishError, "create analytics table", err)
	}
	return nil
}

func (w *Worker) copyAllRows(ctx context.Context, sourceTable, target string, cols []schemaColumn) error {
	id := uint64(1)
	for offset := 0; ; offset += pageSize {
		page, err := w.Reader.Read(ctx, sourceTable, pageSize, offset)
		if err != nil {
			return apperr.Wrap(apperr.PublishError, "read result page", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := w.insertPage(ctx, target, cols, page, &id); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func (w *Worker) insertPage(ctx context.Context, target string, cols []schemaColumn, page []map[string]any, id *uint64) error {
	quotedCols := make([]string, len(cols)+1)
	quotedCols[0] = "id"
	for i, c := range cols {
		quotedCols[i+1] = "`" + c.Name + "`"
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s)`, target, strings.Join(quotedCols, ", "))

	tx, err := w.Analytics.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.PublishError, "begin analytics batch", err)
	}
	defer tx.Rollback()

	batch, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return apperr.Wrap(apperr.PublishError, "prepare analytics insert", err)
	}
	defer batch.Close()

	for _, row := range page {
		args := make([]interface{}, len(cols)+1)
		args[0] = *id
		*id++
		for i, c := range cols {
			if v := row[c.Name]; v != nil {
				args[i+1] = v
			}
		}
		if _, err := batch.ExecContext(ctx, args...); err != nil {
			return apperr.Wrap(apperr.PublishError, "insert analytics row", err)
		}
	}
	return tx.Commit()
}

func (w *Worker) publishOutcome(ctx context.Context, guid, status string) {
	body, err := json.Marshal(outcome{GUID: guid, Status: status})
	if err != nil {
		w.Logger.Printf("marshal outcome failed: %v", err)
		return
	}
	if err := w.Exchange.Publish(ctx, resultRoutingKey, body); err != nil {
		w.Logger.Printf("publish outcome failed: %v", err)
	}
}
