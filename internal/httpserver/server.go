// Package httpserver exposes the five HTTP contracts of spec §6 over the
// query lifecycle engine, cancellation protocol, results reader, and key
// rotation, in the chi-router idiom of
// eval-engine/internal/ingestion/httpserver.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sdwh/query-engine/internal/apperr"
	"github.com/sdwh/query-engine/internal/auth"
	"github.com/sdwh/query-engine/internal/cancel"
	"github.com/sdwh/query-engine/internal/cryptutil"
	"github.com/sdwh/query-engine/internal/lifecycle"
	"github.com/sdwh/query-engine/internal/materialize"
	"github.com/sdwh/query-engine/internal/models"
	"github.com/sdwh/query-engine/internal/results"
	"github.com/sdwh/query-engine/internal/store"
)

// Server wires the six contracts in spec §6 onto chi. Submission spawns the
// lifecycle engine in its own goroutine and returns immediately; every other
// operation runs synchronously.
type Server struct {
	Store         store.Store
	Engine        *lifecycle.Engine
	Canceller     *cancel.Canceller
	Reader        *results.Reader
	Materializer  materialize.Materializer
	EncryptionKey string
}

func New(st store.Store, engine *lifecycle.Engine, canceller *cancel.Canceller, reader *results.Reader, mat materialize.Materializer, encryptionKey string) *Server {
	return &Server{Store: st, Engine: engine, Canceller: canceller, Reader: reader, Materializer: mat, EncryptionKey: encryptionKey}
}

func (s *Server) Router(verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(auth.Middleware(verifier))

	r.Post("/queries", s.handleSubmit)
	r.Get("/queries/{guid}", s.handleGetRun)
	r.Get("/queries/{guid}/results", s.handleGetResults)
	r.Post("/queries/{guid}/terminate", s.handleTerminate)
	r.Post("/queries/delete", s.handleDeleteResults)
	r.Post("/admin/rotate-key", s.handleRotateKey)

	return r
}

type submitRequest struct {
	GUID               string   `json:"guid"`
	RunGUID            string   `json:"run_guid"`
	Query              string   `json:"query"`
	ResultDestinations []string `json:"result_destinations"`
	IdentityID         string   `json:"identity_id"`
	ConnString         string   `json:"conn_string"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.GUID == "" || req.Query == "" || req.ConnString == "" || len(req.ResultDestinations) == 0 {
		respondError(w, http.StatusBadRequest, "guid, query, conn_string, and result_destinations are required")
		return
	}
	if _, err := uuid.Parse(req.GUID); err != nil {
		respondError(w, http.StatusBadRequest, "guid must be a uuid")
		return
	}
	if req.RunGUID != "" {
		if _, err := uuid.Parse(req.RunGUID); err != nil {
			respondError(w, http.StatusBadRequest, "run_guid must be a uuid")
			return
		}
	}

	encConn, err := cryptutil.Encrypt(s.EncryptionKey, req.ConnString)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encrypt source connection")
		return
	}

	run, err := s.Store.Create(r.Context(), store.CreateInput{
		GUID:                req.GUID,
		Query:               req.Query,
		SourceConnEncrypted: encConn,
		IdentityID:          req.IdentityID,
		DestTypes:           req.ResultDestinations,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}

	go s.Engine.Run(context.Background(), run.GUID)

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"id": run.ID, "guid": run.GUID})
}

type destinationView struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Path   string          `json:"path,omitempty"`
	Creds  json.RawMessage `json:"creds,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	run, err := s.Store.Get(r.Context(), guid)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if !authorized(r, run.IdentityID) {
		respondError(w, http.StatusForbidden, apperr.ErrUnauthorized.Error())
		return
	}

	dests := make([]destinationView, 0, len(run.Destinations))
	for _, d := range run.Destinations {
		dests = append(dests, destinationView{
			Type: d.DestType, Status: string(d.Status), Error: d.ErrorDescription,
			Path: d.Path, Creds: d.AccessCreds,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":               run.Status,
		"error":                run.ErrorDescription,
		"result_destinations": dests,
	})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	run, err := s.Store.Get(r.Context(), guid)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if !authorized(r, run.IdentityID) {
		respondError(w, http.StatusForbidden, apperr.ErrUnauthorized.Error())
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var table string
	for _, d := range run.Destinations {
		if d.DestType == "table" && d.Status == models.DestUploaded && d.Path != "" {
			table = d.Path
			break
		}
	}
	if table == "" {
		respondError(w, http.StatusUnprocessableEntity, apperr.ErrUnprocessable.Error())
		return
	}

	rows, err := s.Reader.Read(r.Context(), table, limit, offset)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 || n > 1000 {
			return 0, 0, errors.New("limit must be in (0, 1000]")
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return 0, 0, errors.New("offset must be >= 0")
		}
		offset = n
	}
	return limit, offset, nil
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	if err := s.Canceller.Terminate(r.Context(), guid); err != nil {
		writeAppErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "CANCELLED"})
}

type deleteResultsRequest struct {
	GUIDs []string `json:"guids"`
}

func (s *Server) handleDeleteResults(w http.ResponseWriter, r *http.Request) {
	var req deleteResultsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, _ := auth.FromContext(r.Context())
	paths, err := s.Store.DeleteResults(r.Context(), req.GUIDs, identity.ID, identity.IsSuperuser)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if err := s.Materializer.DeleteQueryExecs(r.Context(), paths); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateKeyRequest struct {
	OldKey string `json:"old_key"`
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())
	if !identity.IsSuperuser {
		respondError(w, http.StatusForbidden, apperr.ErrUnauthorized.Error())
		return
	}

	var req rotateKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rotated, skipped, err := cryptutil.Rotate(r.Context(), s.Store, req.OldKey, s.EncryptionKey)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"rotated": rotated, "skipped": skipped})
}

// authorized implements §6's rule: a run is visible to its own identity_id,
// and to any principal with is_superuser=true.
func authorized(r *http.Request, ownerID string) bool {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		return false
	}
	return identity.IsSuperuser || identity.ID == ownerID
}

func writeAppErr(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case apperr.Unauthorized:
		respondError(w, http.StatusForbidden, err.Error())
	case apperr.Unprocessable:
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case apperr.NotRunning:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
