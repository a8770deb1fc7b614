package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/models"
)

// MemoryStore is an in-memory Store used by unit and acceptance tests. It
// serializes access with a single mutex, so it models the locking
// primitives (ResolveCancelRace, BeginCancel) as plain critical sections
// rather than real row locks.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	byGUID   map[string]int64
	queries  map[int64]*models.QueryExecution
	destsByQ map[int64][]*models.QueryDestination
	nextDest int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byGUID:   map[string]int64{},
		queries:  map[int64]*models.QueryExecution{},
		destsByQ: map[int64][]*models.QueryDestination{},
	}
}

func cloneQuery(q *models.QueryExecution) models.QueryExecution {
	out := *q
	out.Destinations = nil
	for _, d := range q.Destinations {
		dc := *d
		dc.AccessCreds = append(json.RawMessage(nil), d.AccessCreds...)
		out.Destinations = append(out.Destinations, dc)
	}
	return out
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (models.QueryExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	now := time.Now().UTC()
	q := &models.QueryExecution{
		ID: id, GUID: in.GUID, Query: in.Query, SourceConn: in.SourceConnEncrypted,
		IdentityID: in.IdentityID, Status: models.StatusCreated,
		CreatedAt: now, UpdatedAt: now,
	}
	for _, destType := range in.DestTypes {
		m.nextDest++
		d := &models.QueryDestination{ID: m.nextDest, QueryID: id, DestType: destType, Status: models.DestDeclared}
		q.Destinations = append(q.Destinations, *d)
		m.destsByQ[id] = append(m.destsByQ[id], d)
	}
	m.queries[id] = q
	m.byGUID[in.GUID] = id
	return cloneQuery(q), nil
}

func (m *MemoryStore) Get(ctx context.Context, guid string) (models.QueryExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.lookup(guid)
	if err != nil {
		return models.QueryExecution{}, err
	}
	q.Destinations = nil
	for _, d := range m.destsByQ[q.ID] {
		q.Destinations = append(q.Destinations, *d)
	}
	return cloneQuery(q), nil
}

func (m *MemoryStore) lookup(guid string) (*models.QueryExecution, error) {
	id, ok := m.byGUID[guid]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return m.queries[id], nil
}

func (m *MemoryStore) MarkRunning(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if q.Status == models.StatusCreated {
		q.Status = models.StatusRunning
		q.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) destination(destID int64) (*models.QueryDestination, bool) {
	for _, dests := range m.destsByQ {
		for _, d := range dests {
			if d.ID == destID {
				return d, true
			}
		}
	}
	return nil, false
}

func (m *MemoryStore) MarkDestinationUploaded(ctx context.Context, destID int64, path string, creds json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destination(destID)
	if !ok {
		return apperr.ErrNotFound
	}
	d.Status = models.DestUploaded
	d.Path = path
	d.AccessCreds = append(json.RawMessage(nil), creds...)
	now := time.Now().UTC()
	d.FinishedAt = &now
	return nil
}

func (m *MemoryStore) MarkDestinationError(ctx context.Context, destID int64, errDesc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destination(destID)
	if !ok {
		return apperr.ErrNotFound
	}
	d.Status = models.DestError
	d.ErrorDescription = errDesc
	now := time.Now().UTC()
	d.FinishedAt = &now
	return nil
}

func (m *MemoryStore) MarkRunDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if q.Status == models.StatusRunning {
		q.Status = models.StatusDone
		q.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) MarkRunError(ctx context.Context, id int64, errDesc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if !q.Status.IsTerminal() {
		q.Status = models.StatusError
		q.ErrorDescription = errDesc
		q.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ResolveCancelRace(ctx context.Context, id int64, errDesc string) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return "", apperr.ErrNotFound
	}
	if q.Status == models.StatusCancelled {
		return models.StatusCancelled, nil
	}
	q.Status = models.StatusError
	q.ErrorDescription = errDesc
	q.UpdatedAt = time.Now().UTC()
	return models.StatusError, nil
}

// memCancelTx implements the CancelTx contract by holding the MemoryStore's
// single mutex for the lifetime of the handle, modeling the row lock held
// across the in-flight backend cancel call.
type memCancelTx struct {
	store *MemoryStore
	id    int64
	done  bool
}

func (m *MemoryStore) BeginCancel(ctx context.Context, guid string) (models.QueryExecution, *CancelTx, error) {
	m.mu.Lock()
	q, err := m.lookup(guid)
	if err != nil {
		m.mu.Unlock()
		return models.QueryExecution{}, nil, err
	}
	if q.Status != models.StatusRunning {
		m.mu.Unlock()
		return models.QueryExecution{}, nil, apperr.ErrNotRunning
	}
	// The mutex stays locked; memCancelTx.Commit/Rollback release it. This
	// mirrors BeginCancel's real contract (hold the row lock until the
	// caller finishes the backend cancel call and decides the outcome) using
	// the store-wide mutex in place of a per-row DB lock.
	return cloneQuery(q), wrapMemCancel(m, q.ID), nil
}

func wrapMemCancel(s *MemoryStore, id int64) *CancelTx {
	// CancelTx wraps *sql.Tx for PGStore; MemoryStore instead drives commit
	// and rollback through this adapter kept out of the exported type.
	return &CancelTx{tx: nil, mem: &memCancelTx{store: s, id: id}}
}

func (c *CancelTx) commitMem(status models.Status) error {
	defer func() { c.mem.store.mu.Unlock(); c.mem.done = true }()
	q, ok := c.mem.store.queries[c.mem.id]
	if !ok {
		return apperr.ErrNotFound
	}
	q.Status = status
	q.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *CancelTx) rollbackMem() error {
	c.mem.store.mu.Unlock()
	c.mem.done = true
	return nil
}

func (m *MemoryStore) DeleteResults(ctx context.Context, guids []string, identityID string, superuser bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for _, guid := range guids {
		q, err := m.lookup(guid)
		if err != nil {
			return nil, err
		}
		if !superuser && q.IdentityID != identityID {
			return nil, apperr.ErrUnauthorized
		}
		dests := m.destsByQ[q.ID]
		var hasTable bool
		for _, d := range dests {
			if d.DestType == "table" && d.Status != models.DestDeleted {
				hasTable = true
			}
		}
		if !hasTable {
			return nil, apperr.ErrUnprocessable
		}
		for _, d := range dests {
			if d.Status == models.DestDeleted {
				continue
			}
			d.Status = models.DestDeleted
			if d.DestType == "table" && d.Path != "" {
				paths = append(paths, d.Path)
			}
		}
	}
	return paths, nil
}

func (m *MemoryStore) ForEachLocked(ctx context.Context, fn func(row cryptutil.EncryptedRow) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.queries {
		newConn, err := fn(cryptutil.EncryptedRow{ID: id, SourceConn: q.SourceConn})
		if err != nil {
			return err
		}
		if newConn != "" {
			q.SourceConn = newConn
		}
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
