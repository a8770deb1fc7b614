package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/auth"
	"github.com/sdwh/query-engine/internal/cancel"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/httpserver"
	"github.com/sdwh/query-engine/internal/lifecycle"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/results"
	"github.com/sdwh/query-engine/internal/runner"
	"github.com/sdwh/query-engine/internal/staging"
	"github.com/sdwh/query-engine/internal/store"
)

const (
	testSecret = "test-secret"
	testKey    = "0000000000000000000000000000000000000000000000000000000000aa"
)

func signToken(t *testing.T, sub string, superuser bool) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "is_superuser": superuser, "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type fakeNotifier struct{}

func (fakeNotifier) Emit(ctx context.Context, guid string, runID int64, status models.Status, errDesc string) {
}

type fakeMaterializer struct {
	deleted []string
}

func (f *fakeMaterializer) Materialize(ctx context.Context, stagingPath string, run models.QueryExecution, dest models.QueryDestination) (string, json.RawMessage, error) {
	return "results_" + run.GUID, json.RawMessage(`{"user":"u","pass":"p"}`), nil
}

func (f *fakeMaterializer) DeleteQueryExecs(ctx context.Context, paths []string) error {
	f.deleted = append(f.deleted, paths...)
	return nil
}

type fakeRunner struct{}

func (fakeRunner) ExecuteToFile(ctx context.Context, sourceConn, query string, runID int64, queryGUID, outPath string) error {
	file, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer file.Close()
	w := staging.NewWriter(file)
	if err := w.WriteHeader([]string{"n"}, []string{"int8"}); err != nil {
		return err
	}
	return w.WriteRow([]staging.Value{staging.Int64(1)})
}

func (fakeRunner) Cancel(ctx context.Context, sourceConn string, runID int64) error { return nil }

type testFactory struct{}

func (testFactory) New(sourceConn string) (runner.Runner, error) { return fakeRunner{}, nil }

func newServer(t *testing.T, reader *results.Reader, mat *fakeMaterializer) (*httpserver.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	engine := lifecycle.NewEngine(st, testFactory{}, mat, fakeNotifier{}, testKey, t.TempDir(), 4, nil)
	canceller := cancel.NewCanceller(st, testFactory{}, fakeNotifier{}, testKey)
	return httpserver.New(st, engine, canceller, reader, mat, testKey), st
}

func authedRequest(method, url string, body []byte, token string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, url, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSubmitCreatesRowAndSpawnsEngine(t *testing.T) {
	mat := &fakeMaterializer{}
	s, st := newServer(t, nil, mat)
	router := s.Router(auth.NewVerifier(testSecret))

	body, err := json.Marshal(map[string]interface{}{
		"guid":                "11111111-1111-1111-1111-111111111111",
		"query":               "select 1",
		"conn_string":         "postgresql://h/db",
		"result_destinations": []string{"table"},
		"identity_id":         "u1",
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/queries", body, signToken(t, "u1", false)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", resp["guid"])

	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), "11111111-1111-1111-1111-111111111111")
		return err == nil && got.Status == models.StatusDone
	}, time.Second, 10*time.Millisecond)
}

func TestGetRunForbiddenForOtherIdentity(t *testing.T) {
	mat := &fakeMaterializer{}
	s, st := newServer(t, nil, mat)
	router := s.Router(auth.NewVerifier(testSecret))

	encConn, err := cryptutil.Encrypt(testKey, "postgresql://h/db")
	require.NoError(t, err)
	_, err = st.Create(context.Background(), store.CreateInput{
		GUID: "g2", Query: "select 1", SourceConnEncrypted: encConn, IdentityID: "owner",
		DestTypes: []string{"table"},
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/queries/g2", nil, signToken(t, "someone-else", false)))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, authedRequest(http.MethodGet, "/queries/g2", nil, signToken(t, "admin", true)))
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestTerminateNotRunningReturnsConflict(t *testing.T) {
	mat := &fakeMaterializer{}
	s, st := newServer(t, nil, mat)
	router := s.Router(auth.NewVerifier(testSecret))

	encConn, err := cryptutil.Encrypt(testKey, "postgresql://h/db")
	require.NoError(t, err)
	_, err = st.Create(context.Background(), store.CreateInput{
		GUID: "g3", Query: "select 1", SourceConnEncrypted: encConn, IdentityID: "u1",
		DestTypes: []string{"table"},
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/queries/g3/terminate", nil, signToken(t, "u1", false)))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRotateKeyRequiresSuperuser(t *testing.T) {
	mat := &fakeMaterializer{}
	s, _ := newServer(t, nil, mat)
	router := s.Router(auth.NewVerifier(testSecret))

	body, err := json.Marshal(map[string]string{"old_key": testKey})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/rotate-key", body, signToken(t, "u1", false)))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, authedRequest(http.MethodPost, "/admin/rotate-key", body, signToken(t, "admin", true)))
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestGetResultsUnprocessableWithoutTableDestination(t *testing.T) {
	resultsDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer resultsDB.Close()

	mat := &fakeMaterializer{}
	reader := results.NewReader(resultsDB)
	s, st := newServer(t, reader, mat)
	router := s.Router(auth.NewVerifier(testSecret))

	encConn, err := cryptutil.Encrypt(testKey, "postgresql://h/db")
	require.NoError(t, err)
	_, err = st.Create(context.Background(), store.CreateInput{
		GUID: "g4", Query: "select 1", SourceConnEncrypted: encConn, IdentityID: "u1",
		DestTypes: []string{"csv"},
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/queries/g4/results?limit=10&offset=0", nil, signToken(t, "u1", false)))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}
