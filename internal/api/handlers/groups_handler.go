package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/skystack/engine/internal/api/types"
	"github.com/skystack/engine/internal/services"
)

// GroupsHandler serves resource-group administration for a provider.
type GroupsHandler struct {
	svc      services.GroupService
	validate *validator.Validate
}

func NewGroupsHandler(svc services.GroupService) *GroupsHandler {
	return &GroupsHandler{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (h *GroupsHandler) List(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	groups, err := h.svc.List(r.Context(), providerID, r.URL.Query().Get("location"))
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: groups,
		Meta: &types.Meta{Total: int64(len(groups))}})
}

func (h *GroupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")

	var input services.CreateGroupInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(input); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	group, err := h.svc.Create(r.Context(), providerID, &input)
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: group})
}

func (h *GroupsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	if err := h.svc.Delete(r.Context(), providerID, name, r.URL.Query().Get("location")); err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *GroupsHandler) Resources(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	resources, err := h.svc.Resources(r.Context(), providerID, name, r.URL.Query().Get("location"))
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: resources,
		Meta: &types.Meta{Total: int64(len(resources))}})
}
