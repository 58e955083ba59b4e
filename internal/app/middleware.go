package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/observability"
	"github.com/aegis-auth/aegis/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger   *slog.Logger
	Config   *Config
	Provider identity.Provider
	Metrics  *observability.Metrics
}

// PrincipalMiddleware resolves the guard policy once per request, reads
// the session cookie, and loads the principal from the identity
// provider. An invalid or missing credential leaves the request
// unauthenticated; handlers decide whether that is an error.
func PrincipalMiddleware(cfg *Config, provider identity.Provider, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard := cfg.Guard()
			ctx := shared.ContextWithGuard(r.Context(), guard)

			if guard.Bypass {
				dev := guard.DevPrincipal
				ctx = shared.ContextWithPrincipal(ctx, &dev)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cookie, err := r.Cookie(cfg.SessionCookie)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			token := cookie.Value
			ctx = shared.ContextWithSessionToken(ctx, token)

			_, account, err := provider.GetSession(ctx, token)
			if err != nil {
				// Expired or revoked credentials are routine; anything
				// else is worth a log line.
				if pe, ok := identity.AsProviderError(err); !ok || pe.Status >= 500 {
					logger.Warn("resolve session", slog.Any("error", err))
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			principal := shared.Principal{
				UserID:           account.ID,
				Email:            account.Email,
				Name:             account.Name,
				TwoFactorEnabled: account.TwoFactorEnabled,
			}
			ctx = shared.ContextWithPrincipal(ctx, &principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MiddlewareStack installs the default middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		// Coarse per-IP ceiling; the per-action limiter inside the
		// policy pipeline is the real admission control.
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		PrincipalMiddleware(cfg.Config, cfg.Provider, cfg.Logger),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}
