package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skystack/engine/internal/api/types"
	"github.com/skystack/engine/internal/services"
)

type ProvidersHandler struct {
	svc services.DeploymentService
}

func NewProvidersHandler(svc services.DeploymentService) *ProvidersHandler {
	return &ProvidersHandler{svc: svc}
}

func (h *ProvidersHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: h.svc.Providers()})
}

func (h *ProvidersHandler) Locations(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	locs, err := h.svc.Locations(providerID)
	if err != nil {
		writeError(w, types.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: locs})
}

func (h *ProvidersHandler) Templates(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: h.svc.Templates(providerID)})
}
