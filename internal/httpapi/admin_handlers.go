package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"facegate.org/internal/auth"
)

type createClientRequest struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, true); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	creds, err := a.authority.CreateClient(r.Context(), req.ClientID, req.ClientName)
	a.trail.LogClientEvent(r.Context(), "create", creds.ClientID, err)
	if err != nil {
		handleClientError(w, r, a.logger, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/admin/clients/%s", creds.ClientID))
	writeJSON(w, http.StatusCreated, creds)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.authority.ListClients(r.Context())
	if err != nil {
		handleClientError(w, r, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}

func (a *API) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := a.authority.DeleteClient(r.Context(), id)
	if err == nil && !deleted {
		err = auth.ErrNotFound
	}
	a.trail.LogClientEvent(r.Context(), "delete", id, err)
	if err != nil {
		handleClientError(w, r, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleClientError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "client already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "client not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		logger.Error("client registry", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "client registry unavailable")
	}
}
