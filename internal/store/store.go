// Package store is the operational-DB persistence layer: QueryExecution and
// QueryDestination rows, plus the locking primitives the lifecycle engine
// and cancellation protocol need (§4.6, §4.7) and the row iterator key
// rotation uses (§4.2).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/models"
)

var ErrNotFound = apperr.ErrNotFound

// CreateInput describes a new submission (spec §6 "submit").
type CreateInput struct {
	GUID                string
	Query               string
	SourceConnEncrypted string
	IdentityID          string
	DestTypes           []string
}

// Store is the persistence contract the lifecycle engine, cancellation
// protocol, and HTTP layer depend on.
type Store interface {
	Create(ctx context.Context, in CreateInput) (models.QueryExecution, error)
	Get(ctx context.Context, guid string) (models.QueryExecution, error)
	MarkRunning(ctx context.Context, id int64) error
	MarkDestinationUploaded(ctx context.Context, destID int64, path string, creds json.RawMessage) error
	MarkDestinationError(ctx context.Context, destID int64, errDesc string) error
	MarkRunDone(ctx context.Context, id int64) error
	MarkRunError(ctx context.Context, id int64, errDesc string) error

	// ResolveCancelRace implements the §4.6 race rule: re-read the row under
	// lock; if already CANCELLED, leave it untouched and return CANCELLED;
	// otherwise write ERROR with errDesc and return ERROR.
	ResolveCancelRace(ctx context.Context, id int64, errDesc string) (models.Status, error)

	// BeginCancel opens the §4.7 cancellation transaction: it locks the run
	// row with SELECT ... FOR UPDATE and returns a handle the caller must
	// Commit or Rollback exactly once, after calling the backend's cancel API
	// in between (the lock is held across that call by design).
	BeginCancel(ctx context.Context, guid string) (models.QueryExecution, *CancelTx, error)

	// DeleteResults marks destinations DELETED for the given guids and
	// returns the table paths that existed so the caller can drop them via
	// the materializer. Filters by identityID unless superuser is true.
	DeleteResults(ctx context.Context, guids []string, identityID string, superuser bool) ([]string, error)

	cryptutil.RotateStore

	Ping(ctx context.Context) error
}

// CancelTx holds the run row locked for the duration of an in-flight backend
// cancel call. The PGStore backing holds a *sql.Tx; MemoryStore instead
// drives an internal adapter holding the store's mutex. Callers never
// inspect the fields directly.
type CancelTx struct {
	tx  *sql.Tx
	mem *memCancelTx
}

// Commit finalizes the cancel attempt with the given terminal status
// (CANCELLED on success, ERROR if the backend call failed).
func (c *CancelTx) Commit(ctx context.Context, id int64, status models.Status) error {
	if c.mem != nil {
		return c.commitMem(status)
	}
	if _, err := c.tx.ExecContext(ctx, `UPDATE queries SET status=$2, updated_at=NOW() WHERE id=$1`, id, status); err != nil {
		c.tx.Rollback()
		return fmt.Errorf("mark cancel outcome: %w", err)
	}
	return c.tx.Commit()
}

func (c *CancelTx) Rollback() error {
	if c.mem != nil {
		return c.rollbackMem()
	}
	return c.tx.Rollback()
}

// PGStore is the lib/pq-backed implementation of Store against the
// operational database.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, in CreateInput) (models.QueryExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QueryExecution{}, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var createdAt, updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO queries (guid, query, source_conn, identity_id, status)
		VALUES ($1,$2,$3,$4,'CREATED')
		RETURNING id, created_at, updated_at
	`, in.GUID, in.Query, in.SourceConnEncrypted, in.IdentityID).Scan(&id, &createdAt, &updatedAt)
	if err != nil {
		return models.QueryExecution{}, fmt.Errorf("insert query: %w", err)
	}

	dests := make([]models.QueryDestination, 0, len(in.DestTypes))
	for _, destType := range in.DestTypes {
		var destID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO results (query_id, dest_type, status)
			VALUES ($1,$2,'DECLARED')
			RETURNING id
		`, id, destType).Scan(&destID); err != nil {
			return models.QueryExecution{}, fmt.Errorf("insert destination: %w", err)
		}
		dests = append(dests, models.QueryDestination{ID: destID, QueryID: id, DestType: destType, Status: models.DestDeclared})
	}

	if err := tx.Commit(); err != nil {
		return models.QueryExecution{}, fmt.Errorf("commit create: %w", err)
	}

	return models.QueryExecution{
		ID: id, GUID: in.GUID, Query: in.Query, SourceConn: in.SourceConnEncrypted,
		IdentityID: in.IdentityID, Status: models.StatusCreated,
		CreatedAt: createdAt, UpdatedAt: updatedAt, Destinations: dests,
	}, nil
}

func (s *PGStore) Get(ctx context.Context, guid string) (models.QueryExecution, error) {
	var q models.QueryExecution
	var errDesc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guid, query, source_conn, identity_id, status, error_description, created_at, updated_at
		FROM queries WHERE guid=$1
	`, guid).Scan(&q.ID, &q.GUID, &q.Query, &q.SourceConn, &q.IdentityID, &q.Status, &errDesc, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueryExecution{}, apperr.ErrNotFound
		}
		return models.QueryExecution{}, fmt.Errorf("get query: %w", err)
	}
	q.ErrorDescription = errDesc.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query_id, dest_type, status, path, access_creds, error_description, finished_at
		FROM results WHERE query_id=$1 ORDER BY id ASC
	`, q.ID)
	if err != nil {
		return models.QueryExecution{}, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.QueryDestination
		var path, destErrDesc sql.NullString
		var creds []byte
		var finishedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.QueryID, &d.DestType, &d.Status, &path, &creds, &destErrDesc, &finishedAt); err != nil {
			return models.QueryExecution{}, fmt.Errorf("scan destination: %w", err)
		}
		d.Path = path.String
		d.ErrorDescription = destErrDesc.String
		if len(creds) > 0 {
			d.AccessCreds = append(json.RawMessage(nil), creds...)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			d.FinishedAt = &t
		}
		q.Destinations = append(q.Destinations, d)
	}
	return q, rows.Err()
}

func (s *PGStore) MarkRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queries SET status='RUNNING', updated_at=NOW() WHERE id=$1 AND status='CREATED'`, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

func (s *PGStore) MarkDestinationUploaded(ctx context.Context, destID int64, path string, creds json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE results SET status='UPLOADED', path=$2, access_creds=$3, finished_at=NOW()
		WHERE id=$1
	`, destID, path, []byte(creds))
	if err != nil {
		return fmt.Errorf("mark destination uploaded: %w", err)
	}
	return nil
}

func (s *PGStore) MarkDestinationError(ctx context.Context, destID int64, errDesc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE results SET status='ERROR', error_description=$2, finished_at=NOW()
		WHERE id=$1
	`, destID, errDesc)
	if err != nil {
		return fmt.Errorf("mark destination error: %w", err)
	}
	return nil
}

func (s *PGStore) MarkRunDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queries SET status='DONE', updated_at=NOW() WHERE id=$1 AND status='RUNNING'`, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

func (s *PGStore) MarkRunError(ctx context.Context, id int64, errDesc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queries SET status='ERROR', error_description=$2, updated_at=NOW()
		WHERE id=$1 AND status NOT IN ('DONE','CANCELLED','ERROR')
	`, id, errDesc)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

func (s *PGStore) ResolveCancelRace(ctx context.Context, id int64, errDesc string) (models.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin race resolve: %w", err)
	}
	defer tx.Rollback()

	var current models.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM queries WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		return "", fmt.Errorf("lock run row: %w", err)
	}
	if current == models.StatusCancelled {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit race resolve: %w", err)
		}
		return models.StatusCancelled, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queries SET status='ERROR', error_description=$2, updated_at=NOW() WHERE id=$1`, id, errDesc); err != nil {
		return "", fmt.Errorf("write error status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit race resolve: %w", err)
	}
	return models.StatusError, nil
}

func (s *PGStore) BeginCancel(ctx context.Context, guid string) (models.QueryExecution, *CancelTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QueryExecution{}, nil, fmt.Errorf("begin cancel: %w", err)
	}

	var q models.QueryExecution
	err = tx.QueryRowContext(ctx, `
		SELECT id, guid, query, source_conn, identity_id, status
		FROM queries WHERE guid=$1 FOR UPDATE
	`, guid).Scan(&q.ID, &q.GUID, &q.Query, &q.SourceConn, &q.IdentityID, &q.Status)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueryExecution{}, nil, apperr.ErrNotFound
		}
		return models.QueryExecution{}, nil, fmt.Errorf("lock run for cancel: %w", err)
	}
	if q.Status != models.StatusRunning {
		tx.Rollback()
		return models.QueryExecution{}, nil, apperr.ErrNotRunning
	}
	return q, &CancelTx{tx: tx}, nil
}

func (s *PGStore) DeleteResults(ctx context.Context, guids []string, identityID string, superuser bool) ([]string, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var paths []string
	for _, guid := range guids {
		var id int64
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT id, identity_id FROM queries WHERE guid=$1`, guid).Scan(&id, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup for delete: %w", err)
		}
		if !superuser && owner != identityID {
			return nil, apperr.ErrUnauthorized
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, dest_type, path FROM results WHERE query_id=$1 AND status != 'DELETED'`, id)
		if err != nil {
			return nil, fmt.Errorf("list destinations for delete: %w", err)
		}
		var hasTable bool
		type destRow struct {
			id       int64
			destType string
			path     sql.NullString
		}
		var destRows []destRow
		for rows.Next() {
			var d destRow
			if err := rows.Scan(&d.id, &d.destType, &d.path); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan delete destination: %w", err)
			}
			destRows = append(destRows, d)
			if d.destType == "table" {
				hasTable = true
			}
		}
		rows.Close()
		if !hasTable {
			return nil, apperr.ErrUnprocessable
		}
		for _, d := range destRows {
			if _, err := tx.ExecContext(ctx, `UPDATE results SET status='DELETED' WHERE id=$1`, d.id); err != nil {
				return nil, fmt.Errorf("mark destination deleted: %w", err)
			}
			if d.destType == "table" && d.path.Valid && d.path.String != "" {
				paths = append(paths, d.path.String)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return paths, nil
}

// ForEachLocked implements cryptutil.RotateStore over the operational DB,
// one row transaction at a time, skipping rows whose lock is unavailable
// (SELECT ... FOR UPDATE NOWAIT) rather than blocking the whole rotation.
func (s *PGStore) ForEachLocked(ctx context.Context, fn func(row cryptutil.EncryptedRow) (string, error)) error {
	ids, err := s.allIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.rotateOne(ctx, id, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) allIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM queries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rotation candidates: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) rotateOne(ctx context.Context, id int64, fn func(cryptutil.EncryptedRow) (string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate row %d: %w", id, err)
	}
	defer tx.Rollback()

	var row cryptutil.EncryptedRow
	row.ID = id
	err = tx.QueryRowContext(ctx, `SELECT source_conn FROM queries WHERE id=$1 FOR UPDATE NOWAIT`, id).Scan(&row.SourceConn)
	if err != nil {
		if isLockNotAvailable(err) {
			return nil
		}
		return fmt.Errorf("lock row %d for rotation: %w", id, err)
	}

	newConn, err := fn(row)
	if err != nil {
		return err
	}
	if newConn == "" {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queries SET source_conn=$2 WHERE id=$1`, id, newConn); err != nil {
		return fmt.Errorf("write rotated row %d: %w", id, err)
	}
	return tx.Commit()
}

func isLockNotAvailable(err error) bool {
	return strings.Contains(err.Error(), "could not obtain lock") || strings.Contains(err.Error(), "55P03")
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
