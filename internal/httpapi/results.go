package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/animus-labs/evalhub/internal/platform/auth"
	"github.com/animus-labs/evalhub/internal/service/results"
)

func (api *API) handleCreateResults(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req []results.Input
	if !api.decodeBody(w, r, &req) {
		return
	}
	created, err := api.results.CreateBatch(r.Context(), who, req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, created)
}

func (api *API) handleGetResult(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	res, err := api.results.Get(r.Context(), who, r.PathValue("result_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, res)
}

func (api *API) handleUpdateResult(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req results.UpdateInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	res, err := api.results.Update(r.Context(), who, r.PathValue("result_id"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, res)
}

func (api *API) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	if err := api.results.Delete(r.Context(), who, r.PathValue("result_id")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleListResults(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	skip, limit, ok := api.pageParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := api.results.List(r.Context(), who, results.ListInput{
		RunID:     r.PathValue("run_id"),
		Skip:      skip,
		Limit:     limit,
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		FilterBy:  q.Get("filter_by"),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *API) handleResultMetrics(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	summary, err := api.results.Summary(r.Context(), who, r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, summary)
}

func (api *API) handleCompareRuns(w http.ResponseWriter, r *http.Request) {
	api.compareRuns(w, r, api.results.CompareInProject)
}

func (api *API) handleCompareResults(w http.ResponseWriter, r *http.Request) {
	api.compareRuns(w, r, api.results.Compare)
}

type compareFunc func(ctx context.Context, who auth.Identity, runAID, runBID string, limit int) (results.Comparison, error)

func (api *API) compareRuns(w http.ResponseWriter, r *http.Request, compare compareFunc) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	limit, ok := api.queryInt(w, r, "limit")
	if !ok {
		return
	}
	cmp, err := compare(r.Context(), who, r.PathValue("run_id"), r.PathValue("other_id"), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, cmp)
}

func (api *API) handleExportResults(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	file, err := api.results.Export(r.Context(), who, r.PathValue("run_id"), q.Get("format"), q["include_columns"])
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", file.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Body)
}
