// Package handlers implements the HTTP handlers of the Synapse API.
// Every handler delegates to the workspace coordinator; nothing here
// touches the store or the permission engine directly.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/workspace"
	"github.com/synapse-hq/synapse/pkg/contracts"
	mw "github.com/synapse-hq/synapse/pkg/middleware"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Coordinator *workspace.Coordinator
}

// New creates a Handlers instance.
func New(c *workspace.Coordinator) *Handlers {
	return &Handlers{Coordinator: c}
}

// ══════════════════════════════════════════════════════════════
// ── Workspace Handlers ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ws, err := h.Coordinator.CreateWorkspace(r.Context(), &models.Workspace{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

func (h *Handlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.Coordinator.ListWorkspaces(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	if list == nil {
		list = []models.Workspace{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Coordinator.GetWorkspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

func (h *Handlers) WorkspaceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Coordinator.Status(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════
// ── Entry Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) WriteEntry(w http.ResponseWriter, r *http.Request) {
	var req contracts.WriteEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	workspaceID := chi.URLParam(r, "workspaceID")
	actor := mw.GetAgent(r.Context())
	entry := &models.Entry{
		ID:        req.ID,
		Namespace: chi.URLParam(r, "namespace"),
		Content:   req.Content,
		Tags:      req.Tags,
		Priority:  req.Priority,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	}

	written, err := h.Coordinator.WriteEntry(r.Context(), workspaceID, actor, entry, req.IfFingerprint)
	if err != nil {
		respondFailure(w, err)
		return
	}

	log.Info().
		Str("workspace", workspaceID).
		Str("namespace", written.Namespace).
		Str("entry", written.ID).
		Str("agent", actor).
		Msg("Entry written")
	respondJSON(w, http.StatusOK, written)
}

func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter := models.EntryFilter{
		Tag:   r.URL.Query().Get("tag"),
		Limit: queryInt(r, "limit"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid since cursor: expected RFC 3339")
			return
		}
		filter.Since = &t
	}

	entries, err := h.Coordinator.ReadEntries(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		chi.URLParam(r, "namespace"), filter)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if entries == nil {
		entries = []models.Entry{}
	}

	page := contracts.EntryPage{Entries: entries}
	if len(entries) > 0 {
		var newest time.Time
		for _, e := range entries {
			if e.UpdatedAt.After(newest) {
				newest = e.UpdatedAt
			}
		}
		page.NextSince = newest.Format(time.RFC3339Nano)
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handlers) FreezeEntry(w http.ResponseWriter, r *http.Request) {
	var req contracts.FreezeEntryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	frozen, err := h.Coordinator.FreezeEntry(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "entryID"),
		req.IfFingerprint)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, frozen)
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req contracts.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	workspaceID := chi.URLParam(r, "workspaceID")
	actor := mw.GetAgent(r.Context())
	agent, err := h.Coordinator.RegisterAgent(r.Context(), workspaceID, actor, &models.Agent{
		ID:           req.ID,
		Role:         req.Role,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}

	log.Info().
		Str("workspace", workspaceID).
		Str("agent", agent.ID).
		Str("role", string(agent.Role)).
		Msg("Agent registered")
	respondJSON(w, http.StatusCreated, agent)
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Coordinator.ListAgents(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.Coordinator.Heartbeat(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		chi.URLParam(r, "agentID"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ══════════════════════════════════════════════════════════════
// ── Permission Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Grant(w http.ResponseWriter, r *http.Request) {
	var req contracts.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubjectKind == "" {
		req.SubjectKind = models.SubjectAgent
	}

	err := h.Coordinator.Grant(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		&models.Grant{
			Subject:     req.Subject,
			SubjectKind: req.SubjectKind,
			Namespace:   req.Namespace,
			Level:       req.Level,
		})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	subject := r.URL.Query().Get("subject")
	if namespace == "" || subject == "" {
		respondError(w, http.StatusBadRequest, "namespace and subject query parameters are required")
		return
	}

	err := h.Coordinator.Revoke(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		namespace, subject)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Coordinator.ListGrants(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		r.URL.Query().Get("namespace"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if grants == nil {
		grants = []models.Grant{}
	}
	respondJSON(w, http.StatusOK, grants)
}

// ══════════════════════════════════════════════════════════════
// ── Webhook Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	hook, err := h.Coordinator.CreateWebhook(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		&models.Webhook{
			Name:   req.Name,
			URL:    req.URL,
			Secret: req.Secret,
			Policy: req.Policy,
		})
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sanitizeWebhook(hook))
}

func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.Coordinator.ListWebhooks(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()))
	if err != nil {
		respondFailure(w, err)
		return
	}
	out := make([]models.Webhook, 0, len(hooks))
	for i := range hooks {
		out = append(out, *sanitizeWebhook(&hooks[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) PauseWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookStatus(w, r, models.WebhookPaused)
}

func (h *Handlers) ResumeWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookStatus(w, r, models.WebhookActive)
}

// ReactivateWebhook returns a failed webhook to service and resets its
// failure counter. The route is distinct from resume so that clearing
// an automatic trip is an explicit operator act.
func (h *Handlers) ReactivateWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookStatus(w, r, models.WebhookActive)
}

func (h *Handlers) setWebhookStatus(w http.ResponseWriter, r *http.Request, target models.WebhookStatus) {
	hook, err := h.Coordinator.SetWebhookStatus(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		chi.URLParam(r, "webhookID"), target)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sanitizeWebhook(hook))
}

func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.Coordinator.ListDeliveries(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()),
		chi.URLParam(r, "webhookID"), queryInt(r, "limit"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	respondJSON(w, http.StatusOK, deliveries)
}

// sanitizeWebhook redacts the signing secret before returning a
// webhook to API consumers.
func sanitizeWebhook(hook *models.Webhook) *models.Webhook {
	cp := *hook
	if cp.Secret != "" {
		cp.Secret = "********"
	}
	return &cp
}

// ══════════════════════════════════════════════════════════════
// ── Audit Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		Actor:  r.URL.Query().Get("actor"),
		Action: models.AuditAction(r.URL.Query().Get("action")),
		Limit:  queryInt(r, "limit"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid since cursor: expected RFC 3339")
			return
		}
		filter.Since = &t
	}

	events, err := h.Coordinator.QueryAudit(r.Context(),
		chi.URLParam(r, "workspaceID"), mw.GetAgent(r.Context()), filter)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, contracts.ErrorResponse{Error: message})
}

// respondFailure maps domain errors onto HTTP statuses.
func respondFailure(w http.ResponseWriter, err error) {
	var (
		authErr      *models.AuthError
		deniedErr    *models.PermissionDeniedError
		notFoundErr  *models.NotFoundError
		validateErr  *models.ValidationError
		conflictErr  *models.FingerprintConflictError
		frozenErr    *models.FrozenEntryError
		lastAdminErr *models.LastAdminError
	)
	switch {
	case errors.As(err, &authErr):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &deniedErr):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &notFoundErr):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validateErr):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &conflictErr), errors.As(err, &frozenErr), errors.As(err, &lastAdminErr):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
