// Package httpapi exposes projects, datasets, runs and results over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/animus-labs/evalhub/internal/domain"
	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/platform/httpserver"
	"github.com/animus-labs/evalhub/internal/repo"
	"github.com/animus-labs/evalhub/internal/service"
	"github.com/animus-labs/evalhub/internal/service/access"
	"github.com/animus-labs/evalhub/internal/service/catalog"
	"github.com/animus-labs/evalhub/internal/service/results"
	"github.com/animus-labs/evalhub/internal/service/runs"
)

const maxBodyBytes = 8 << 20

type API struct {
	runs    *runs.Service
	results *results.Service
	catalog *catalog.Service
	logger  *zap.Logger
}

func New(runSvc *runs.Service, resultSvc *results.Service, catalogSvc *catalog.Service, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		runs:    runSvc,
		results: resultSvc,
		catalog: catalogSvc,
		logger:  logger.Named("httpapi"),
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects", api.handleCreateProject)
	mux.HandleFunc("GET /projects", api.handleListProjects)
	mux.HandleFunc("GET /projects/{project_id}", api.handleGetProject)
	mux.HandleFunc("PUT /projects/{project_id}", api.handleUpdateProject)
	mux.HandleFunc("DELETE /projects/{project_id}", api.handleDeleteProject)
	mux.HandleFunc("GET /projects/{project_id}/collaborators", api.handleListCollaborators)
	mux.HandleFunc("POST /projects/{project_id}/collaborators", api.handleAddCollaborator)
	mux.HandleFunc("DELETE /projects/{project_id}/collaborators/{user_id}", api.handleRemoveCollaborator)

	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets", api.handleListDatasets)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)
	mux.HandleFunc("PUT /datasets/{dataset_id}", api.handleUpdateDataset)
	mux.HandleFunc("DELETE /datasets/{dataset_id}", api.handleDeleteDataset)

	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("PUT /runs/{run_id}", api.handleUpdateRun)
	mux.HandleFunc("DELETE /runs/{run_id}", api.handleDeleteRun)
	mux.HandleFunc("GET /runs/{run_id}/status", api.handleRunStatus)
	mux.HandleFunc("GET /runs/{run_id}/metrics", api.handleRunMetrics)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/compare/{other_id}", api.handleCompareRuns)
	mux.HandleFunc("GET /runs/{run_id}/export", api.handleExportResults)

	mux.HandleFunc("POST /results", api.handleCreateResults)
	mux.HandleFunc("GET /results/{result_id}", api.handleGetResult)
	mux.HandleFunc("PUT /results/{result_id}", api.handleUpdateResult)
	mux.HandleFunc("DELETE /results/{result_id}", api.handleDeleteResult)
	mux.HandleFunc("GET /results/run/{run_id}", api.handleListResults)
	mux.HandleFunc("GET /results/run/{run_id}/metrics", api.handleResultMetrics)
	mux.HandleFunc("GET /results/run/{run_id}/export", api.handleExportResults)
	mux.HandleFunc("GET /results/compare/{run_id}/{other_id}", api.handleCompareResults)
}

// identity returns the caller set by the auth middleware. A missing identity
// is a wiring bug, not a client error.
func (api *API) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	who, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(who.Subject) == "" {
		api.logger.Error("request without identity", zap.String("path", r.URL.Path))
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return auth.Identity{}, false
	}
	return who, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// decodeBody decodes the request body or writes invalid_json.
func (api *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// pageParams reads skip and limit. Absent values are zero and left to the
// service defaults.
func (api *API) pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	skip, ok := api.queryInt(w, r, "skip")
	if !ok {
		return 0, 0, false
	}
	limit, ok := api.queryInt(w, r, "limit")
	if !ok {
		return 0, 0, false
	}
	return skip, limit, true
}

func (api *API) queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_query", key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-Id")
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	if err := httpserver.WriteJSON(w, status, body); err != nil {
		api.logger.Error("write response", zap.Int("status", status), zap.Error(err))
	}
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"message":    message,
		"request_id": requestID(r),
	})
}

// writeServiceError maps service and store errors onto the API error codes.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		api.writeError(w, r, http.StatusBadRequest, ve.Code, ve.Message)
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, access.ErrForbidden):
		api.writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		api.writeError(w, r, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.Is(err, repo.ErrInvalidQuery):
		api.writeError(w, r, http.StatusBadRequest, "invalid_filter", err.Error())
	case errors.Is(err, runs.ErrDispatchUnavailable):
		api.logger.Error("dispatch unavailable", zap.String("request_id", requestID(r)), zap.Error(err))
		api.writeError(w, r, http.StatusServiceUnavailable, "dispatch_unavailable", "run could not be queued; it has been marked failed")
	default:
		api.logger.Error("request failed",
			zap.String("request_id", requestID(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
