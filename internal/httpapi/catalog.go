package httpapi

import (
	"net/http"

	"github.com/animus-labs/evalhub/internal/service/catalog"
)

func (api *API) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req catalog.ProjectInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	p, err := api.catalog.CreateProject(r.Context(), who, req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, p)
}

func (api *API) handleListProjects(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	skip, limit, ok := api.pageParams(w, r)
	if !ok {
		return
	}
	page, err := api.catalog.ListProjects(r.Context(), who, skip, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *API) handleGetProject(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	p, err := api.catalog.GetProject(r.Context(), who, r.PathValue("project_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, p)
}

func (api *API) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req catalog.ProjectUpdate
	if !api.decodeBody(w, r, &req) {
		return
	}
	p, err := api.catalog.UpdateProject(r.Context(), who, r.PathValue("project_id"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, p)
}

func (api *API) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	if err := api.catalog.DeleteProject(r.Context(), who, r.PathValue("project_id")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	items, err := api.catalog.ListCollaborators(r.Context(), who, r.PathValue("project_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (api *API) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req catalog.CollaboratorInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	c, err := api.catalog.AddCollaborator(r.Context(), who, r.PathValue("project_id"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, c)
}

func (api *API) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	if err := api.catalog.RemoveCollaborator(r.Context(), who, r.PathValue("project_id"), r.PathValue("user_id")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req catalog.DatasetInput
	if !api.decodeBody(w, r, &req) {
		return
	}
	d, err := api.catalog.CreateDataset(r.Context(), who, req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, d)
}

func (api *API) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	skip, limit, ok := api.pageParams(w, r)
	if !ok {
		return
	}
	page, err := api.catalog.ListDatasets(r.Context(), who, r.URL.Query().Get("project_id"), skip, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *API) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	d, err := api.catalog.GetDataset(r.Context(), who, r.PathValue("dataset_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, d)
}

func (api *API) handleUpdateDataset(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req catalog.DatasetUpdate
	if !api.decodeBody(w, r, &req) {
		return
	}
	d, err := api.catalog.UpdateDataset(r.Context(), who, r.PathValue("dataset_id"), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, d)
}

func (api *API) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	who, ok := api.identity(w, r)
	if !ok {
		return
	}
	if err := api.catalog.DeleteDataset(r.Context(), who, r.PathValue("dataset_id")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
