package httpapi

import (
	"errors"
	"net/http"

	"github.com/animus-labs/evalhub/internal/service/runs"
)

func (api *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req runs.CreateInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	run, err := api.runs.Create(r.Context(), who, req)
	if err != nil {
		if errors.Is(err, runs.ErrDispatchUnavailable) {
			api.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "dispatch_unavailable",
				"message":    "run could not be queued; it has been marked failed",
				"request_id": requestID(r),
				"run_id":     run.ID,
			})
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, run)
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	skip, limit, ok := api.pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := api.runs.List(r.Context(), who, runs.ListInput{
		ProjectID: q.Get("project_id"),
		DatasetID: q.Get("dataset_id"),
		Status:    q.Get("status"),
		Skip:      skip,
		Limit:     limit,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	run, err := api.runs.Get(r.Context(), who, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *API) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req runs.UpdateInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	run, err := api.runs.Update(r.Context(), who, r.PathValue("run_id"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *API) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	if err := api.runs.Delete(r.Context(), who, r.PathValue("run_id")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	status, err := api.runs.Status(r.Context(), who, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, status)
}

func (api *API) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	view, err := api.runs.Metrics(r.Context(), who, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	status, err := api.runs.Cancel(r.Context(), who, r.PathValue("run_id"), requestID(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, status)
}
