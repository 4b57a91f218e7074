package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

func (d *Dependencies) requireStore(w http.ResponseWriter) bool {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Postgres not configured"})
		return false
	}
	return true
}

func (d *Dependencies) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	if !d.requireStore(w) {
		return
	}

	var req CreatePrincipalReq
	if err := readJSON(r, &req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	p, apiKey, err := d.Store.CreatePrincipal(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("failed to create principal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create principal"})
		return
	}

	writeJSON(w, http.StatusCreated, CreatePrincipalResp{
		ID:           p.ID,
		Name:         p.Name,
		APIKey:       apiKey,
		APIKeyPrefix: p.APIKeyPrefix,
		CreatedAt:    p.CreatedAt,
	})
}

func (d *Dependencies) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	if !d.requireStore(w) {
		return
	}

	principals, err := d.Store.ListPrincipals(r.Context())
	if err != nil {
		d.Logger.Error("failed to list principals", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list principals"})
		return
	}

	out := make([]PrincipalResp, 0, len(principals))
	for _, p := range principals {
		out = append(out, PrincipalResp{
			ID:           p.ID,
			Name:         p.Name,
			APIKeyPrefix: p.APIKeyPrefix,
			CreatedAt:    p.CreatedAt,
			UpdatedAt:    p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	if !d.requireStore(w) {
		return
	}

	p, err := d.Store.GetPrincipal(r.Context(), r.PathValue("principal_id"))
	if err != nil {
		d.Logger.Error("failed to get principal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get principal"})
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Principal not found"})
		return
	}

	writeJSON(w, http.StatusOK, PrincipalResp{
		ID:           p.ID,
		Name:         p.Name,
		APIKeyPrefix: p.APIKeyPrefix,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	})
}

func (d *Dependencies) handleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	if !d.requireStore(w) {
		return
	}

	err := d.Store.DeletePrincipal(r.Context(), r.PathValue("principal_id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Principal not found"})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete principal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete principal"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if !d.requireStore(w) {
		return
	}

	p, apiKey, err := d.Store.RotateAPIKey(r.Context(), r.PathValue("principal_id"))
	if err != nil {
		d.Logger.Error("failed to rotate key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate key"})
		return
	}

	writeJSON(w, http.StatusOK, RotateKeyResp{
		APIKey:       apiKey,
		APIKeyPrefix: p.APIKeyPrefix,
	})
}

func (d *Dependencies) handleRestoreLimits(w http.ResponseWriter, r *http.Request) {
	d.Service.RestoreLimits(r.PathValue("principal_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}
