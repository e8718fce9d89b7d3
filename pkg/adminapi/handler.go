// Package adminapi adapts the operator actions and store reads onto an HTTP
// surface: read-only listing/detail/pagination endpoints plus the four
// mutating endpoints (detach, revoke-project-admin, revoke-billing-admin,
// prune) that reuse the provider client and store under the same invariants
// as the reconciliation loop.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ardentops/fleetbind/internal/httpserver"
	"github.com/ardentops/fleetbind/pkg/operator"
	"github.com/ardentops/fleetbind/pkg/provider"
	"github.com/ardentops/fleetbind/pkg/store"
)

// recentEventCount bounds the number of events embedded in an identity
// detail response, per the "recent 20 events" contract.
const recentEventCount = 20

// ProviderFactory builds a per-call Provider for one identity's mutating
// action. Production wiring authenticates via identity.CredentialsFile;
// tests substitute an in-memory provider.Fake.
type ProviderFactory func(ctx context.Context, identity store.Identity) (provider.Provider, error)

// Handler wires store reads and operator.Actions onto chi routes.
type Handler struct {
	store       store.Store
	actions     *operator.Actions
	newProvider ProviderFactory
	logger      *slog.Logger
}

// New builds a Handler.
func New(st store.Store, actions *operator.Actions, newProvider ProviderFactory, logger *slog.Logger) *Handler {
	return &Handler{store: st, actions: actions, newProvider: newProvider, logger: logger}
}

// Routes returns the admin surface's sub-router. Mount it under the
// bearer-token-authenticated /api/v1 router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/identities", h.handleListIdentities)
	r.Get("/identities/{name}", h.handleIdentityDetail)
	r.Get("/projects", h.handleListProjects)
	r.Get("/billing-accounts", h.handleListBillingAccounts)
	r.Get("/audit-log", h.handleAuditLog)
	r.Get("/operations", h.handleOperations)

	r.Post("/identities/{name}/projects/{projectID}/detach", h.handleDetachProjectBilling)
	r.Post("/identities/{name}/projects/{projectID}/revoke-project-admin", h.handleRevokeProjectAdmin)
	r.Post("/identities/{name}/billing-accounts/{accountID}/revoke-billing-admin", h.handleRevokeBillingAdmin)
	r.Post("/identities/{name}/prune", h.handlePrune)

	return r
}

func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := h.store.ListIdentities(r.Context())
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing identities", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, identities)
}

type identityDetailResponse struct {
	Identity        store.Identity         `json:"identity"`
	Projects        []store.Project        `json:"projects"`
	BillingAccounts []store.BillingAccount `json:"billing_accounts"`
	RecentEvents    []store.OperationEvent `json:"recent_events"`
}

func (h *Handler) handleIdentityDetail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	identity, err := h.lookupIdentity(w, r.Context(), name)
	if err != nil {
		return
	}

	projects, err := h.store.ListProjects(r.Context(), store.ProjectFilter{Identity: name})
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing projects", err)
		return
	}

	billingAccounts, err := h.store.ListBillingAccounts(r.Context(), store.BillingAccountFilter{Identity: name})
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing billing accounts", err)
		return
	}

	events, err := h.store.RecentEventsForIdentity(r.Context(), identity.ID, recentEventCount)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing recent events", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, identityDetailResponse{
		Identity:        identity,
		Projects:        projects,
		BillingAccounts: billingAccounts,
		RecentEvents:    events,
	})
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	f := store.ProjectFilter{Identity: r.URL.Query().Get("identity")}

	projects, err := h.store.ListProjects(r.Context(), f)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing projects", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, projects)
}

func (h *Handler) handleListBillingAccounts(w http.ResponseWriter, r *http.Request) {
	f := store.BillingAccountFilter{Identity: r.URL.Query().Get("identity")}

	if v := r.URL.Query().Get("is_open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "is_open must be a boolean")
			return
		}
		f.IsOpen = &open
	}

	billingAccounts, err := h.store.ListBillingAccounts(r.Context(), f)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing billing accounts", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, billingAccounts)
}

// handleAuditLog serves the cursor-paginated operation log.
func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	f := store.OperationLogFilter{
		Identity: r.URL.Query().Get("identity"),
		Type:     r.URL.Query().Get("type"),
		Limit:    params.Limit + 1,
	}
	if params.After != nil {
		f.Before = &store.OpCursor{CreatedAtUnixMicro: params.After.CreatedAt.UnixMicro(), ID: params.After.ID.String()}
	}

	events, err := h.store.ListOperationEvents(r.Context(), f)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing operation events", err)
		return
	}

	page := httpserver.NewCursorPage(events, params.Limit, func(ev store.OperationEvent) httpserver.Cursor {
		id, parseErr := uuid.Parse(ev.ID)
		if parseErr != nil {
			h.logger.Warn("operation event has a non-UUID id, cursor pagination may misbehave", "id", ev.ID)
		}
		return httpserver.Cursor{CreatedAt: ev.CreatedAt, ID: id}
	})

	httpserver.Respond(w, http.StatusOK, page)
}

// handleOperations is a simple-limit alias over the same operation log, for
// callers that don't need cursor pagination.
func (h *Handler) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := httpserver.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > httpserver.MaxPageSize {
			n = httpserver.MaxPageSize
		}
		limit = n
	}

	f := store.OperationLogFilter{
		Identity: r.URL.Query().Get("identity"),
		Type:     r.URL.Query().Get("type"),
		Limit:    limit,
	}

	events, err := h.store.ListOperationEvents(r.Context(), f)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "listing operation events", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, events)
}

func (h *Handler) handleDetachProjectBilling(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	projectID := chi.URLParam(r, "projectID")

	prov, err := h.providerFor(w, r.Context(), name)
	if err != nil {
		return
	}

	if err := h.actions.DetachProjectBilling(r.Context(), name, projectID, prov); err != nil {
		h.respondActionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "detached"})
}

func (h *Handler) handleRevokeProjectAdmin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	projectID := chi.URLParam(r, "projectID")

	prov, err := h.providerFor(w, r.Context(), name)
	if err != nil {
		return
	}

	if err := h.actions.RevokeProjectAdmin(r.Context(), name, projectID, prov); err != nil {
		h.respondActionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"project_id": projectID, "status": "revoked"})
}

func (h *Handler) handleRevokeBillingAdmin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	accountID := chi.URLParam(r, "accountID")

	prov, err := h.providerFor(w, r.Context(), name)
	if err != nil {
		return
	}

	if err := h.actions.RevokeBillingAdmin(r.Context(), name, accountID, prov); err != nil {
		h.respondActionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"billing_account_id": accountID, "status": "revoked"})
}

// pruneRequest selects which stale row to delete. Exactly one of ProjectID
// or BillingAccountID must be set.
type pruneRequest struct {
	ProjectID        string `json:"project_id,omitempty"`
	BillingAccountID string `json:"billing_account_id,omitempty"`
}

func (h *Handler) handlePrune(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req pruneRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	switch {
	case req.ProjectID != "" && req.BillingAccountID != "":
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "specify exactly one of project_id or billing_account_id")
		return
	case req.ProjectID != "":
		if err := h.actions.DeleteProject(r.Context(), name, req.ProjectID); err != nil {
			h.respondActionError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"project_id": req.ProjectID, "status": "deleted"})
	case req.BillingAccountID != "":
		if err := h.actions.DeleteBillingAccount(r.Context(), name, req.BillingAccountID); err != nil {
			h.respondActionError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"billing_account_id": req.BillingAccountID, "status": "deleted"})
	default:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "specify one of project_id or billing_account_id")
	}
}

// lookupIdentity resolves name to its store row, writing a 404 response on
// miss.
func (h *Handler) lookupIdentity(w http.ResponseWriter, ctx context.Context, name string) (store.Identity, error) {
	identity, err := h.store.GetIdentityByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown identity")
			return store.Identity{}, err
		}
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "looking up identity", err)
		return store.Identity{}, err
	}
	return identity, nil
}

// providerFor resolves name and builds a fresh Provider for a mutating
// action, writing the appropriate error response on failure.
func (h *Handler) providerFor(w http.ResponseWriter, ctx context.Context, name string) (provider.Provider, error) {
	identity, err := h.lookupIdentity(w, ctx, name)
	if err != nil {
		return nil, err
	}

	prov, err := h.newProvider(ctx, identity)
	if err != nil {
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "authenticating provider client", err)
		return nil, err
	}
	return prov, nil
}

// respondActionError maps an operator.Actions error to its HTTP status:
// safety gate rejections and "not found" lookups are client errors, anything
// else is unexpected.
func (h *Handler) respondActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, operator.ErrSafetyGateRejected):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown entity")
	default:
		httpserver.LogAndRespondError(w, h.logger, http.StatusInternalServerError, "internal", "operator action failed", err)
	}
}
