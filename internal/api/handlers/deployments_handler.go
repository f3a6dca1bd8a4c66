package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/skystack/engine/internal/api/types"
	"github.com/skystack/engine/internal/models"
	"github.com/skystack/engine/internal/services"
)

type DeploymentsHandler struct {
	svc      services.DeploymentService
	validate *validator.Validate
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.svc.Accept(r.Context(), &services.AcceptInput{
		ProviderID:   req.ProviderID,
		TemplateName: req.TemplateName,
		GroupName:    req.GroupName,
		Location:     req.Location,
		Parameters:   req.Parameters,
	})
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: d})
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	items, err := h.svc.List(r.Context(), status)
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items,
		Meta: &types.Meta{Total: int64(len(items))}})
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: d})
}

func (h *DeploymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *DeploymentsHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Destroy(r.Context(), id); err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid deployment id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func writeErrorStr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: "invalid", Message: msg}})
}
