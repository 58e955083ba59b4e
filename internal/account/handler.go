// Package account exposes the HTTP surface for self-service account
// operations: sign-in and sign-out, the email and password flows, and
// account deletion. Every state-changing route runs through the policy
// pipeline.
package account

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
	"github.com/aegis-auth/aegis/internal/shared"
	"github.com/aegis-auth/aegis/internal/stepup"
)

// emailFlowMessage is returned by every email/token flow regardless of
// whether the target account exists, to prevent account enumeration.
const emailFlowMessage = "If an account exists for that address, an email is on its way."

// CookieConfig tells the handler how to issue the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// Handler wires HTTP endpoints for account flows.
type Handler struct {
	logger    *slog.Logger
	provider  identity.Provider
	pipeline  *policy.Pipeline
	rbac      *rbac.Service
	cookie    CookieConfig
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, provider identity.Provider, pipeline *policy.Pipeline, rbacSvc *rbac.Service, cookie CookieConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		provider:  provider,
		pipeline:  pipeline,
		rbac:      rbacSvc,
		cookie:    cookie,
		validator: validator.New(),
	}
}

// MountRoutes registers account routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sign-in", h.handleSignIn)
	r.Post("/sign-out", h.handleSignOut)
	r.Post("/forgot-password", h.handleForgotPassword)
	r.Post("/reset-password", h.handleResetPassword)
	r.Post("/magic-link", h.handleMagicLink)
	r.Post("/resend-verification", h.handleResendVerification)
	r.Post("/change-email", h.handleChangeEmail)
	r.Post("/change-password", h.handleChangePassword)
	r.Post("/set-password", h.handleSetPassword)
	r.Post("/delete", h.handleDelete)
	r.Get("/profile", h.handleProfile)
}

var (
	signInAction = policy.Action{
		Name:           "login",
		AllowAnonymous: true,
		AuditKind:      audit.KindSignIn,
	}
	signOutAction = policy.Action{
		Name:      "logout",
		AuditKind: audit.KindSignOut,
	}
	forgotPasswordAction = policy.Action{
		Name:           "forgot_password",
		AllowAnonymous: true,
		AuditKind:      audit.KindPasswordResetRequested,
	}
	resetPasswordAction = policy.Action{
		Name:           "reset_password",
		AllowAnonymous: true,
		AuditKind:      audit.KindPasswordResetCompleted,
	}
	magicLinkAction = policy.Action{
		Name:           "magic_link",
		AllowAnonymous: true,
		AuditKind:      audit.KindMagicLinkRequested,
	}
	resendVerificationAction = policy.Action{
		Name:           "resend_verification",
		AllowAnonymous: true,
		AuditKind:      audit.KindVerificationResent,
	}
	changeEmailAction = policy.Action{
		Name:            "change_email",
		StepUpSensitive: true,
		AuditKind:       audit.KindEmailChangeRequested,
	}
	changePasswordAction = policy.Action{
		Name:            "change_password",
		StepUpSensitive: true,
		AuditKind:       audit.KindPasswordChanged,
	}
	setPasswordAction = policy.Action{
		Name:      "set_password",
		AuditKind: audit.KindPasswordChanged,
	}
	deleteAccountAction = policy.Action{
		Name:            "delete_account",
		StepUpSensitive: true,
		AuditKind:       audit.KindAccountDeleted,
	}
)

type signInForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/login", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	form := signInForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	if err := h.validator.Struct(form); err != nil {
		shared.RedirectWithError(w, r, "/login", shared.NewError(shared.CodeValidation, "Enter a valid email and password"))
		return
	}

	var session *identity.Session
	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     signInAction,
		Identifier: form.Email,
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"email_digest": shared.Digest(form.Email)},
	}, func(ctx context.Context) error {
		var err error
		session, err = h.provider.Authenticate(ctx, form.Email, form.Password)
		if err != nil {
			return surface(err, "Invalid email or password")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/login", err)
		return
	}
	h.setSessionCookie(w, session.Token)
	shared.RedirectWithMessage(w, r, "/", "Signed in")
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token := shared.SessionTokenFromContext(r.Context())
	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     signOutAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}, func(ctx context.Context) error {
		if err := h.provider.SignOut(ctx, token); err != nil {
			return surface(err, "Failed to sign out")
		}
		return nil
	})
	h.clearSessionCookie(w)
	if err != nil {
		shared.RedirectWithError(w, r, "/login", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/login", "Signed out")
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	h.emailFlow(w, r, forgotPasswordAction, "/forgot-password", h.provider.RequestPasswordReset)
}

func (h *Handler) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	h.emailFlow(w, r, magicLinkAction, "/login", h.provider.SendMagicLink)
}

func (h *Handler) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	h.emailFlow(w, r, resendVerificationAction, "/profile", h.provider.ResendVerification)
}

// emailFlow handles the three email/token flows that share the
// anti-enumeration contract: the response is identical whether or not
// the address maps to an account, and provider failures for unknown
// accounts are never surfaced.
func (h *Handler) emailFlow(w http.ResponseWriter, r *http.Request, action policy.Action, redirect string, send func(ctx context.Context, email string) error) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, redirect, shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	if err := h.validator.Var(email, "required,email"); err != nil {
		shared.RedirectWithError(w, r, redirect, shared.NewError(shared.CodeValidation, "Enter a valid email address"))
		return
	}

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     action,
		Identifier: email,
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"email_digest": shared.Digest(email)},
	}, func(ctx context.Context) error {
		if err := send(ctx, email); err != nil {
			// An unknown address must look exactly like a known one.
			h.logger.Warn("email flow send", slog.String("action", action.Name), slog.Any("error", err))
		}
		return nil
	})
	if err != nil {
		// Only rate limiting can fail here; it is safe to surface.
		shared.RedirectWithError(w, r, redirect, err)
		return
	}
	shared.RedirectWithMessage(w, r, redirect, emailFlowMessage)
}

type resetPasswordForm struct {
	Token       string `validate:"required"`
	NewPassword string `validate:"required,min=8"`
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/login", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	form := resetPasswordForm{
		Token:       strings.TrimSpace(r.PostFormValue("token")),
		NewPassword: r.PostFormValue("newPassword"),
	}
	if err := h.validator.Struct(form); err != nil {
		shared.RedirectWithError(w, r, "/login", shared.NewError(shared.CodeValidation, "Provide the reset token and a new password of at least 8 characters"))
		return
	}

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     resetPasswordAction,
		Identifier: shared.Digest(form.Token),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Metadata:   map[string]string{"token_digest": shared.Digest(form.Token)},
	}, func(ctx context.Context) error {
		if err := h.provider.ResetPassword(ctx, form.Token, form.NewPassword); err != nil {
			return surface(err, "Password reset failed")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/login", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/login", "Password updated. You can sign in now.")
}

func (h *Handler) handleChangeEmail(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	newEmail := strings.TrimSpace(r.PostFormValue("newEmail"))
	if err := h.validator.Var(newEmail, "required,email"); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Enter a valid email address"))
		return
	}
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     changeEmailAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Proof:      proofFromForm(r),
		Metadata:   map[string]string{"new_email_digest": shared.Digest(newEmail)},
	}, func(ctx context.Context) error {
		if err := h.provider.ChangeEmail(ctx, token, newEmail); err != nil {
			return surface(err, "Failed to change email")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/profile", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/profile", "Check your new address to confirm the change.")
}

type changePasswordForm struct {
	CurrentPassword string `validate:"required"`
	NewPassword     string `validate:"required,min=8"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	form := changePasswordForm{
		CurrentPassword: r.PostFormValue("currentPassword"),
		NewPassword:     r.PostFormValue("newPassword"),
	}
	if err := h.validator.Struct(form); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Provide your current password and a new password of at least 8 characters"))
		return
	}
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     changePasswordAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Proof:      proofFromForm(r),
	}, func(ctx context.Context) error {
		if err := h.provider.ChangePassword(ctx, token, form.CurrentPassword, form.NewPassword); err != nil {
			return surface(err, "Failed to change password")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/profile", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/profile", "Password changed")
}

func (h *Handler) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	newPassword := r.PostFormValue("newPassword")
	if err := h.validator.Var(newPassword, "required,min=8"); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Choose a password of at least 8 characters"))
		return
	}
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     setPasswordAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}, func(ctx context.Context) error {
		if err := h.provider.SetPassword(ctx, token, newPassword); err != nil {
			return surface(err, "Failed to set password")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/profile", err)
		return
	}
	shared.RedirectWithMessage(w, r, "/profile", "Password set")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		shared.RedirectWithError(w, r, "/profile", shared.NewError(shared.CodeValidation, "Invalid form submission"))
		return
	}
	password := r.PostFormValue("password")
	token := shared.SessionTokenFromContext(r.Context())

	err := h.pipeline.Execute(r.Context(), policy.Request{
		Action:     deleteAccountAction,
		Identifier: identifier(r),
		SourceAddr: shared.ClientIP(r),
		UserAgent:  r.UserAgent(),
		Proof:      proofFromForm(r),
	}, func(ctx context.Context) error {
		if err := h.provider.DeleteUser(ctx, token, password); err != nil {
			return surface(err, "Failed to delete account")
		}
		return nil
	})
	if err != nil {
		shared.RedirectWithError(w, r, "/profile", err)
		return
	}
	h.clearSessionCookie(w)
	shared.RedirectWithMessage(w, r, "/login", "Your account has been deleted.")
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		shared.WriteJSONError(w, shared.ErrNotAuthenticated)
		return
	}
	roles, err := h.rbac.ResolveRoles(r.Context(), principal.UserID)
	if err != nil {
		shared.WriteJSONError(w, err)
		return
	}
	ents := rbac.ComputeEntitlements(roles, h.rbac.Plan())
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{
			"id":    principal.UserID,
			"email": principal.Email,
			"name":  principal.Name,
		},
		"roles":        roles,
		"plan":         h.rbac.Plan(),
		"entitlements": ents,
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// identifier keys the rate-limit bucket for authenticated actions.
func identifier(r *http.Request) string {
	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		return principal.UserID
	}
	return ""
}

// proofFromForm reads the optional step-up proof fields.
func proofFromForm(r *http.Request) stepup.Proof {
	return stepup.Proof{
		Code:       strings.TrimSpace(r.PostFormValue("code")),
		BackupCode: strings.TrimSpace(r.PostFormValue("backupCode")),
	}
}

// surface maps a provider failure to a user-safe error: recognized
// provider rejections carry their own message, anything else gets the
// fallback.
func surface(err error, fallback string) error {
	if pe, ok := identity.AsProviderError(err); ok {
		return shared.WrapError(shared.CodeProviderError, pe.Message, err)
	}
	return shared.WrapError(shared.CodeProviderError, fallback, err)
}
