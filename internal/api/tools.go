package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/ratelimit"
	"github.com/haven-ai/toolforge/internal/sandbox"
	"github.com/haven-ai/toolforge/internal/service"
	"github.com/haven-ai/toolforge/internal/tool"
	"github.com/haven-ai/toolforge/internal/validate"
)

func (d *Dependencies) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	var req RegisterToolReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	def, err := d.Service.RegisterTool(r.Context(), pc.PrincipalID, req.Name, req.Source, req.ArgSchema)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toolToResp(def))
}

func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	defs, err := d.Service.ListTools(r.Context(), pc.PrincipalID)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	out := make([]ToolResp, 0, len(defs))
	for i := range defs {
		out = append(out, toolToResp(&defs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleGetTool(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	def, err := d.Service.GetTool(r.Context(), pc.PrincipalID, r.PathValue("tool_id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(def))
}

func (d *Dependencies) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	var req InvokeToolReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	var caps *tool.CapabilitySet
	if d.Capabilities != nil {
		caps = d.Capabilities.CapabilitiesFor(pc.PrincipalID)
	}

	result, err := d.Service.InvokeTool(r.Context(), &tool.InvokeRequest{
		RequestID:    req.RequestID,
		ToolID:       r.PathValue("tool_id"),
		Principal:    pc.PrincipalID,
		Arguments:    req.Args,
		Capabilities: caps,
	})
	if err != nil {
		d.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, InvokeToolResp{
		RequestID: result.RequestID,
		ToolID:    result.ToolID,
		Value:     result.Value,
		Usage: UsageResp{
			WallClockMs: float64(result.Usage.WallClock) / float64(time.Millisecond),
			CPUTimeMs:   float64(result.Usage.CPUTime) / float64(time.Millisecond),
			PeakRSS:     result.Usage.PeakRSS,
			Steps:       result.Usage.Steps,
		},
	})
}

func (d *Dependencies) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	var req DisableToolReq
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
	}

	if err := d.Service.DisableTool(r.Context(), pc.PrincipalID, r.PathValue("tool_id"), req.Reason); err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (d *Dependencies) handleLookupTool(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())

	def, err := d.Service.LookupTool(r.Context(), pc.PrincipalID, r.PathValue("name"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(def))
}

// writeServiceError maps service errors onto HTTP responses.
func (d *Dependencies) writeServiceError(w http.ResponseWriter, err error) {
	var argErr *service.ArgumentError
	var valErr *validate.Error
	var rateErr *ratelimit.Error
	var breach *governor.BreachError
	var violation *sandbox.ViolationError
	var execErr *sandbox.ExecError

	switch {
	case errors.As(err, &argErr):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: argErr.Message})
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{
			Detail: fmt.Sprintf("validation failed: %s", valErr.Error()),
			Kind:   "validation_failure",
		})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateErr.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: rateErr.Error(), Kind: "rate_limited"})
	case errors.Is(err, service.ErrToolNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool not found"})
	case errors.Is(err, service.ErrToolDisabled):
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Tool is disabled"})
	case errors.As(err, &breach):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: breach.Error(), Kind: "resource_exceeded"})
	case errors.As(err, &violation):
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: violation.Error(), Kind: "sandbox_violation"})
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: execErr.Error(), Kind: "execution_error"})
	default:
		d.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
	}
}

func toolToResp(def *tool.Definition) ToolResp {
	return ToolResp{
		ID:         def.ID,
		Name:       def.Name,
		Version:    def.Version,
		Capability: string(def.Capability),
		Status:     string(def.Status),
		Entry:      def.Entry,
		ArgSchema:  def.ArgSchema,
		CreatedAt:  def.CreatedAt,
	}
}
