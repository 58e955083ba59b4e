// Package admin exposes the HTTP surface for the admin area: role
// management and the audit timeline. Every route requires the admin
// role; role mutations additionally require the admin_tab entitlement,
// which only exists on the pro plan.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/policy"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
)

// Handler wires HTTP endpoints for the admin area.
type Handler struct {
	logger    *slog.Logger
	rbac      *rbac.Service
	store     audit.Store
	pipeline  *policy.Pipeline
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, rbacSvc *rbac.Service, store audit.Store, pipeline *policy.Pipeline) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		rbac:      rbacSvc,
		store:     store,
		pipeline:  pipeline,
		validator: validator.New(),
	}
}

// MountRoutes registers admin routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users", h.handleListAdmins)
	r.Post("/role", h.handleSetRole)
	r.Get("/audit", h.handleAuditTimeline)
	r.Get("/audit/export", h.handleAuditExport)
}

var setRoleAction = policy.Action{
	Name:                "set_role",
	RequiredRole:        rbac.RoleAdmin,
	RequiredEntitlement: rbac.EntitlementAdminTab,
	AuditKind:           audit.KindRoleChanged,
}

func (h *Handler) handleListAdmins(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	admins, err := h.rbac.ListAdminUsers(r.Context())
	if err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"admins": admins,
		"count":  len(admins),
	})
}

type setRoleForm struct {
	UserID string `validate:"required"`
	Role   string `validate:"required,oneof=user moderator admin"`
}

func (h *Handler) handleSetRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/admin", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	form := setRoleForm{
		UserID: strings.TrimSpace(r.PostFormValue("userId")),
		Role:   strings.TrimSpace(r.PostFormValue("role")),
	}
	if err := h.validator.Struct(form); err != nil {
		shared.RedirectWithError(w, r, "/admin", shared.NewError(shared.CodeValidation, "Provide a user and a valid role"))
		return
	}
	role, ok := rbac.ParseRole(form.Role)
	if !ok {
		shared.RedirectWithError(w, r, "/admin", shared.NewError(shared.CodeValidation, "Provide a user and a valid role"))
		return
	}

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     setRoleAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		TargetID:   form.UserID,
		Metadata:   map[string]string{"role": string(role)},
	}, func(ctx context.Context) error {
		return h.rbac.SetRole(ctx, form.UserID, role)
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/admin", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/admin", "Role updated")
}

func (h *Handler) handleAuditTimeline(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	timeline, err := h.store.Timeline(r.Context(), timelineFilters(r))
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		shared.WriteJSONError(w, shared.WrapError(shared.CodeUnknown, "Failed to load audit timeline", err))
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"events": timeline.Events,
		"paging": timeline.Paging,
	})
}

func (h *Handler) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	events, err := h.store.Export(r.Context(), timelineFilters(r))
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		shared.WriteJSONError(w, shared.WrapError(shared.CodeUnknown, "Failed to export audit timeline", err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-timeline.csv"`)
	if err := audit.WriteTimelineCSV(w, events); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) requireAdmin(r *http.Request) error {
	principal := shared.PrincipalFromContext(r.Context())
	_, err := h.rbac.RequireRole(r.Context(), principal, rbac.RoleAdmin)
	return err
}

func timelineFilters(r *http.Request) audit.TimelineFilters {
	q := r.URL.Query()
	filters := audit.TimelineFilters{
		ActorID: strings.TrimSpace(q.Get("actor")),
		Kind:    strings.TrimSpace(q.Get("kind")),
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = v
	}
	if v, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filters.From = t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filters.To = t
	}
	return filters
}

func identifier(r *http.Request) string {
	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		return principal.UserID
	}
	return ""
}
