package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider talks to the identity provider's REST API. The provider
// owns all credential cryptography; this client only relays calls and
// maps its error shape onto ProviderError.
type HTTPProvider struct {
	baseURL    string
	cookieName string
	httpClient *http.Client
}

// NewHTTPProvider constructs a client for the given base URL. The
// cookie name is the session credential cookie the provider expects.
func NewHTTPProvider(baseURL, cookieName string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sessionEnvelope struct {
	Session sessionRecord `json:"session"`
	User    accountRecord `json:"user"`
}

type sessionRecord struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
}

type accountRecord struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	EmailVerified    bool      `json:"emailVerified"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (r sessionRecord) toDomain() Session {
	return Session{
		ID:         r.ID,
		Token:      r.Token,
		UserID:     r.UserID,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
	}
}

func (r accountRecord) toDomain() Account {
	return Account{
		ID:               r.ID,
		Email:            r.Email,
		Name:             r.Name,
		EmailVerified:    r.EmailVerified,
		TwoFactorEnabled: r.TwoFactorEnabled,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// do performs a provider call and decodes the JSON response into out.
// Failure responses carrying the provider's error shape become
// ProviderError; everything else is an opaque transport failure.
func (p *HTTPProvider) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: p.cookieName, Value: token})
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("identity provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if msg := decodeErrorMessage(payload); msg != "" {
			return &ProviderError{Status: resp.StatusCode, Message: msg}
		}
		return fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode identity provider response: %w", err)
		}
	}
	return nil
}

// decodeErrorMessage extracts the provider's user-facing error text.
// Accepted shapes: {"error":{"message":...}} and {"message":...}.
func decodeErrorMessage(payload []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(wrapped.Error.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(wrapped.Message)
}

func (p *HTTPProvider) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	var env struct {
		Token string        `json:"token"`
		User  accountRecord `json:"user"`
	}
	in := map[string]string{"email": email, "password": password}
	if err := p.do(ctx, http.MethodPost, "/api/auth/sign-in/email", "", in, &env); err != nil {
		return nil, err
	}
	sess, _, err := p.GetSession(ctx, env.Token)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *HTTPProvider) GetSession(ctx context.Context, token string) (*Session, *Account, error) {
	var env sessionEnvelope
	if err := p.do(ctx, http.MethodGet, "/api/auth/get-session", token, nil, &env); err != nil {
		return nil, nil, err
	}
	if env.Session.Token == "" || env.User.ID == "" {
		return nil, nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Session expired"}
	}
	sess := env.Session.toDomain()
	acct := env.User.toDomain()
	return &sess, &acct, nil
}

func (p *HTTPProvider) ListSessions(ctx context.Context, token string) ([]Session, error) {
	var records []sessionRecord
	if err := p.do(ctx, http.MethodGet, "/api/auth/list-sessions", token, nil, &records); err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(records))
	for _, r := range records {
		if r.Token == "" {
			continue
		}
		sessions = append(sessions, r.toDomain())
	}
	return sessions, nil
}

func (p *HTTPProvider) RevokeSession(ctx context.Context, token, target string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/revoke-session", token, map[string]string{"token": target}, nil)
}

func (p *HTTPProvider) RevokeOtherSessions(ctx context.Context, token string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/revoke-other-sessions", token, map[string]string{}, nil)
}

func (p *HTTPProvider) RevokeAllSessions(ctx context.Context, token string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/revoke-sessions", token, map[string]string{}, nil)
}

func (p *HTTPProvider) SignOut(ctx context.Context, token string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/sign-out", token, map[string]string{}, nil)
}

func (p *HTTPProvider) Enable2FA(ctx context.Context, token, password string) (*TwoFactorSetup, error) {
	var out struct {
		Secret      string   `json:"secret"`
		TOTPURI     string   `json:"totpURI"`
		BackupCodes []string `json:"backupCodes"`
	}
	in := map[string]string{"password": password}
	if err := p.do(ctx, http.MethodPost, "/api/auth/two-factor/enable", token, in, &out); err != nil {
		return nil, err
	}
	secret := out.Secret
	if secret == "" {
		secret = out.TOTPURI
	}
	return &TwoFactorSetup{Secret: secret, BackupCodes: out.BackupCodes}, nil
}

func (p *HTTPProvider) Disable2FA(ctx context.Context, token, password string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/two-factor/disable", token, map[string]string{"password": password}, nil)
}

func (p *HTTPProvider) VerifyTOTP(ctx context.Context, token, code string) error {
	in := map[string]any{"code": code, "trustDevice": false}
	return p.do(ctx, http.MethodPost, "/api/auth/two-factor/verify-totp", token, in, nil)
}

func (p *HTTPProvider) VerifyBackupCode(ctx context.Context, token, code string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/two-factor/use-backup-code", token, map[string]string{"code": code}, nil)
}

func (p *HTTPProvider) TwoFactorEnabled(ctx context.Context, token, userID string) (bool, error) {
	_, acct, err := p.GetSession(ctx, token)
	if err != nil {
		return false, err
	}
	if userID != "" && acct.ID != userID {
		return false, fmt.Errorf("session does not belong to user %s", userID)
	}
	return acct.TwoFactorEnabled, nil
}

func (p *HTTPProvider) ChangeEmail(ctx context.Context, token, newEmail string) error {
	in := map[string]string{"newEmail": newEmail, "callbackURL": "/auth/change-email"}
	return p.do(ctx, http.MethodPost, "/api/auth/change-email", token, in, nil)
}

func (p *HTTPProvider) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	in := map[string]any{
		"currentPassword":     currentPassword,
		"newPassword":         newPassword,
		"revokeOtherSessions": false,
	}
	return p.do(ctx, http.MethodPost, "/api/auth/change-password", token, in, nil)
}

func (p *HTTPProvider) SetPassword(ctx context.Context, token, newPassword string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/set-password", token, map[string]string{"newPassword": newPassword}, nil)
}

func (p *HTTPProvider) DeleteUser(ctx context.Context, token, password string) error {
	in := map[string]string{"callbackURL": "/goodbye"}
	if password != "" {
		in["password"] = password
	}
	return p.do(ctx, http.MethodPost, "/api/auth/delete-user", token, in, nil)
}

func (p *HTTPProvider) RequestPasswordReset(ctx context.Context, email string) error {
	in := map[string]string{"email": email, "redirectTo": "/auth/reset-password"}
	return p.do(ctx, http.MethodPost, "/api/auth/request-password-reset", "", in, nil)
}

func (p *HTTPProvider) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	in := map[string]string{"token": resetToken, "newPassword": newPassword}
	return p.do(ctx, http.MethodPost, "/api/auth/reset-password", "", in, nil)
}

func (p *HTTPProvider) SendMagicLink(ctx context.Context, email string) error {
	in := map[string]string{"email": email, "callbackURL": "/user"}
	return p.do(ctx, http.MethodPost, "/api/auth/sign-in/magic-link", "", in, nil)
}

func (p *HTTPProvider) ResendVerification(ctx context.Context, email string) error {
	in := map[string]string{"email": email, "callbackURL": "/auth/login"}
	return p.do(ctx, http.MethodPost, "/api/auth/send-verification-email", "", in, nil)
}

var _ Provider = (*HTTPProvider)(nil)
