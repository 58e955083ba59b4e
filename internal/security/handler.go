// Package security exposes the HTTP surface for the security settings
// area: two-factor lifecycle and active-session management.
package security

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/policy"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/shared"
	"github.com/aegis-auth/aegis/internal/stepup"
)

// Handler wires HTTP endpoints for security settings.
type Handler struct {
	logger    *slog.Logger
	provider  identity.Provider
	pipeline  *policy.Pipeline
	rbac      *rbac.Service
	registry  *sessions.Registry
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, provider identity.Provider, pipeline *policy.Pipeline, rbacSvc *rbac.Service, registry *sessions.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		provider:  provider,
		pipeline:  pipeline,
		rbac:      rbacSvc,
		registry:  registry,
		validator: validator.New(),
	}
}

// MountRoutes registers security routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions/revoke", h.handleRevokeSession)
	r.Post("/sessions/revoke-others", h.handleRevokeOthers)
	r.Post("/sessions/revoke-all", h.handleRevokeAll)
	r.Post("/2fa/enable", h.handleEnable2FA)
	r.Post("/2fa/disable", h.handleDisable2FA)
}

var (
	enable2FAAction = policy.Action{
		Name:      "enable_2fa",
		AuditKind: audit.KindTwoFactorEnabled,
	}
	disable2FAAction = policy.Action{
		Name:            "disable_2fa",
		StepUpSensitive: true,
		AuditKind:       audit.KindTwoFactorDisabled,
	}
	revokeSessionAction = policy.Action{
		Name:                "revoke_session",
		RequiredEntitlement: rbac.EntitlementSecurityTab,
		AuditKind:           audit.KindSessionRevoked,
	}
)

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		shared.WriteJSONError(w, shared.ErrNotAuthenticated)
		return
	}
	if err := h.rbac.RequireEntitlement(r.Context(), principal, rbac.EntitlementSecurityTab); err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	token := shared.SessionTokenFromContext(r.Context())
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.List(r.Context(), token),
	})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/security", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	target := strings.TrimSpace(r.PostFormValue("sessionToken"))
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     revokeSessionAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"session_digest": shared.Digest(target)},
	}, func(ctx context.Context) error {
		return h.registry.Revoke(ctx, token, target)
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/security", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/security", "Session revoked")
}

func (h *Handler) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	token := shared.SessionTokenFromContext(r.Context())
	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     revokeSessionAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"scope": "others"},
	}, func(ctx context.Context) error {
		return h.registry.RevokeOthers(ctx, token)
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/security", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/security", "Other sessions revoked")
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	token := shared.SessionTokenFromContext(r.Context())
	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     revokeSessionAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"scope": "all"},
	}, func(ctx context.Context) error {
		return h.registry.RevokeAll(ctx, token)
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/security", err)
		return
	}
	// The current session is gone; the cookie is now dangling and the
	// client lands on the sign-in page.
	shared.RedirectWithMessage(w, r, "/login", "Signed out everywhere")
}

func (h *Handler) handleEnable2FA(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.WriteJSONError(w, shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	password := r.PostFormValue("password")
	if err := h.validator.Var(password, "required"); err != nil {
		shared.WriteJSONError(w, shared.NewError(shared.CodeValidation, "Password is required"))
		return
	}
	token := shared.SessionTokenFromContext(r.Context())

	// Setup material is returned to the caller exactly once; it is
	// never persisted or logged on this side.
	var setup *identity.TwoFactorSetup
	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     enable2FAAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}, func(ctx context.Context) error {
		var err error
		setup, err = h.provider.Enable2FA(ctx, token, password)
		if err != nil {
			return surface(err, "Failed to enable two-factor authentication")
		}
		return nil
	})
	if err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"secret":      setup.Secret,
		"backupCodes": setup.BackupCodes,
	})
}

func (h *Handler) handleDisable2FA(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/security", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	password := r.PostFormValue("password")
	if err := h.validator.Var(password, "required"); err != nil {
		shared.RedirectWithError(w, r, "/security", shared.NewError(shared.CodeValidation, "Password is required"))
		return
	}
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     disable2FAAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Proof:      proofFromForm(r),
	}, func(ctx context.Context) error {
		if err := h.provider.Disable2FA(ctx, token, password); err != nil {
			return surface(err, "Failed to disable two-factor authentication")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/security", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/security", "Two-factor authentication disabled")
}

func identifier(r *http.Request) string {
	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		return principal.UserID
	}
	return ""
}

func proofFromForm(r *http.Request) stepup.Proof {
	return stepup.Proof{
		Code:       strings.TrimSpace(r.PostFormValue("code")),
		BackupCode: strings.TrimSpace(r.PostFormValue("backupCode")),
	}
}

func surface(err error, fallback string) error {
	if pe, ok := identity.AsProviderError(err); ok {
		return shared.WrapError(shared.CodeProviderError, pe.Message, err)
	}
	return shared.WrapError(shared.CodeProviderError, fallback, err)
}
