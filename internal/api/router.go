package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/audit"
	"github.com/haven-ai/toolforge/internal/auth"
	"github.com/haven-ai/toolforge/internal/service"
	"github.com/haven-ai/toolforge/internal/store"
	"github.com/haven-ai/toolforge/internal/tool"
)

// CapabilityProvider builds the collaborator set for one principal.
type CapabilityProvider interface {
	CapabilitiesFor(principal string) *tool.CapabilitySet
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Service *service.Service
	Auth    auth.Authenticator
	// Store backs the principal admin endpoints. Nil when Postgres is
	// not configured; those endpoints then return 503.
	Store *store.Store
	// Capabilities supplies the collaborator set granted to
	// HTTP-initiated invocations. Nil grants nothing.
	Capabilities CapabilityProvider
	// Analytics is nil when the event log cannot aggregate (in-memory
	// log); the endpoint then returns 503.
	Analytics audit.Analyzer
	Logger    *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Tool surface (auth required via Bearer tfk_ token)
	mux.HandleFunc("POST /v1/tools", deps.authMiddleware(deps.handleRegisterTool))
	mux.HandleFunc("GET /v1/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("GET /v1/tools/by-name/{name}", deps.authMiddleware(deps.handleLookupTool))
	mux.HandleFunc("GET /v1/tools/{tool_id}", deps.authMiddleware(deps.handleGetTool))
	mux.HandleFunc("POST /v1/tools/{tool_id}/invoke", deps.authMiddleware(deps.handleInvokeTool))
	mux.HandleFunc("POST /v1/tools/{tool_id}/disable", deps.authMiddleware(deps.handleDisableTool))
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListOwnEvents))

	// Operator surface (no auth; dashboard auth added later)
	mux.HandleFunc("GET /api/toolforge/events", deps.handleListEvents)
	mux.HandleFunc("GET /api/toolforge/anomalies", deps.handleListAnomalies)
	mux.HandleFunc("GET /api/toolforge/analytics", deps.handleGetAnalytics)
	mux.HandleFunc("POST /api/toolforge/principals", deps.handleCreatePrincipal)
	mux.HandleFunc("GET /api/toolforge/principals", deps.handleListPrincipals)
	mux.HandleFunc("GET /api/toolforge/principals/{principal_id}", deps.handleGetPrincipal)
	mux.HandleFunc("DELETE /api/toolforge/principals/{principal_id}", deps.handleDeletePrincipal)
	mux.HandleFunc("POST /api/toolforge/principals/{principal_id}/rotate-key", deps.handleRotateKey)
	mux.HandleFunc("POST /api/toolforge/principals/{principal_id}/restore-limits", deps.handleRestoreLimits)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
