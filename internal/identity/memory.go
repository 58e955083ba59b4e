package identity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryProvider is an in-process Provider used for local development
// when no provider URL is configured, and as the double in tests. It
// keeps accounts and sessions in maps and verifies passwords with
// bcrypt; OTP and backup codes are fixed per account at setup time.
type MemoryProvider struct {
	mu           sync.Mutex
	accounts     map[string]*memoryAccount // keyed by user ID
	byEmail      map[string]string         // email -> user ID
	sessions     map[string]Session        // keyed by token
	resetTokens  map[string]string         // reset token -> user ID
	sessionTTL   time.Duration
	resetsSent   []string
	magicsSent   []string
	verifiesSent []string
}

type memoryAccount struct {
	Account
	passwordHash []byte
	otpCode      string
	backupCodes  map[string]bool // unused codes
}

// NewMemoryProvider constructs an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		accounts:    make(map[string]*memoryAccount),
		byEmail:     make(map[string]string),
		sessions:    make(map[string]Session),
		resetTokens: make(map[string]string),
		sessionTTL:  24 * time.Hour,
	}
}

// Seed registers an account. Password may be empty for passwordless
// accounts. Returns the assigned user ID.
func (p *MemoryProvider) Seed(acct Account, password string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	stored := &memoryAccount{Account: acct, backupCodes: make(map[string]bool)}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		stored.passwordHash = hash
		stored.HasPassword = true
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	p.accounts[stored.ID] = stored
	p.byEmail[strings.ToLower(stored.Email)] = stored.ID
	return stored.ID, nil
}

// SetTwoFactor marks the account's second factor and installs the codes
// VerifyTOTP/VerifyBackupCode will accept.
func (p *MemoryProvider) SetTwoFactor(userID, otpCode string, backupCodes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[userID]
	if !ok {
		return
	}
	acct.TwoFactorEnabled = true
	acct.otpCode = otpCode
	acct.backupCodes = make(map[string]bool, len(backupCodes))
	for _, code := range backupCodes {
		acct.backupCodes[code] = true
	}
}

// OpenSession issues a session for the user without credential checks.
// Test and dev-bypass helper.
func (p *MemoryProvider) OpenSession(userID, ip, ua string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[userID]; !ok {
		return Session{}, &ProviderError{Status: http.StatusNotFound, Message: "User not found"}
	}
	return p.openSessionLocked(userID, ip, ua), nil
}

func (p *MemoryProvider) openSessionLocked(userID, ip, ua string) Session {
	now := time.Now().UTC()
	sess := Session{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(p.sessionTTL),
		IPAddress:  ip,
		UserAgent:  ua,
	}
	p.sessions[sess.Token] = sess
	return sess
}

func (p *MemoryProvider) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	}
	acct := p.accounts[id]
	if len(acct.passwordHash) == 0 {
		return nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		return nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid email or password"}
	}
	sess := p.openSessionLocked(id, "", "")
	return &sess, nil
}

func (p *MemoryProvider) GetSession(ctx context.Context, token string) (*Session, *Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, acct, err := p.sessionLocked(token)
	if err != nil {
		return nil, nil, err
	}
	sess.LastUsedAt = time.Now().UTC()
	p.sessions[token] = sess
	out := acct.Account
	return &sess, &out, nil
}

func (p *MemoryProvider) sessionLocked(token string) (Session, *memoryAccount, error) {
	sess, ok := p.sessions[token]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return Session{}, nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Session expired"}
	}
	acct, ok := p.accounts[sess.UserID]
	if !ok {
		return Session{}, nil, &ProviderError{Status: http.StatusUnauthorized, Message: "Session expired"}
	}
	return sess, acct, nil
}

func (p *MemoryProvider) ListSessions(ctx context.Context, token string) ([]Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, _, err := p.sessionLocked(token)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, sess := range p.sessions {
		if sess.UserID == current.UserID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (p *MemoryProvider) RevokeSession(ctx context.Context, token, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, _, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	victim, ok := p.sessions[target]
	if !ok || victim.UserID != current.UserID {
		return &ProviderError{Status: http.StatusNotFound, Message: "Session not found"}
	}
	delete(p.sessions, target)
	return nil
}

func (p *MemoryProvider) RevokeOtherSessions(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, _, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	for t, sess := range p.sessions {
		if sess.UserID == current.UserID && t != token {
			delete(p.sessions, t)
		}
	}
	return nil
}

func (p *MemoryProvider) RevokeAllSessions(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, _, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	for t, sess := range p.sessions {
		if sess.UserID == current.UserID {
			delete(p.sessions, t)
		}
	}
	return nil
}

func (p *MemoryProvider) SignOut(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, token)
	return nil
}

func (p *MemoryProvider) Enable2FA(ctx context.Context, token, password string) (*TwoFactorSetup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return nil, err
	}
	if err := p.checkPasswordLocked(acct, password); err != nil {
		return nil, err
	}
	setup := &TwoFactorSetup{Secret: uuid.NewString()}
	acct.TwoFactorEnabled = true
	acct.otpCode = "000000"
	acct.backupCodes = make(map[string]bool)
	for i := 0; i < 10; i++ {
		code := uuid.NewString()[:8]
		acct.backupCodes[code] = true
		setup.BackupCodes = append(setup.BackupCodes, code)
	}
	return setup, nil
}

func (p *MemoryProvider) Disable2FA(ctx context.Context, token, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if err := p.checkPasswordLocked(acct, password); err != nil {
		return err
	}
	acct.TwoFactorEnabled = false
	acct.otpCode = ""
	acct.backupCodes = make(map[string]bool)
	return nil
}

func (p *MemoryProvider) checkPasswordLocked(acct *memoryAccount, password string) error {
	if len(acct.passwordHash) == 0 {
		return &ProviderError{Status: http.StatusBadRequest, Message: "Account has no password"}
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		return &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid password"}
	}
	return nil
}

func (p *MemoryProvider) VerifyTOTP(ctx context.Context, token, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if !acct.TwoFactorEnabled || code != acct.otpCode {
		return &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid two-factor code"}
	}
	return nil
}

func (p *MemoryProvider) VerifyBackupCode(ctx context.Context, token, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if !acct.backupCodes[code] {
		return &ProviderError{Status: http.StatusUnauthorized, Message: "Invalid backup code"}
	}
	delete(acct.backupCodes, code)
	return nil
}

func (p *MemoryProvider) TwoFactorEnabled(ctx context.Context, token, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[userID]
	if !ok {
		return false, &ProviderError{Status: http.StatusNotFound, Message: "User not found"}
	}
	return acct.TwoFactorEnabled, nil
}

func (p *MemoryProvider) ChangeEmail(ctx context.Context, token, newEmail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	normalized := strings.ToLower(newEmail)
	if other, taken := p.byEmail[normalized]; taken && other != acct.ID {
		return &ProviderError{Status: http.StatusConflict, Message: "Email already in use"}
	}
	delete(p.byEmail, strings.ToLower(acct.Email))
	acct.Email = newEmail
	acct.EmailVerified = false
	acct.UpdatedAt = time.Now().UTC()
	p.byEmail[normalized] = acct.ID
	return nil
}

func (p *MemoryProvider) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if err := p.checkPasswordLocked(acct, currentPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	acct.passwordHash = hash
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *MemoryProvider) SetPassword(ctx context.Context, token, newPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if len(acct.passwordHash) > 0 {
		return &ProviderError{Status: http.StatusBadRequest, Message: "Account already has a password"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	acct.passwordHash = hash
	acct.HasPassword = true
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *MemoryProvider) DeleteUser(ctx context.Context, token, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, acct, err := p.sessionLocked(token)
	if err != nil {
		return err
	}
	if len(acct.passwordHash) > 0 {
		if err := p.checkPasswordLocked(acct, password); err != nil {
			return err
		}
	}
	for t, sess := range p.sessions {
		if sess.UserID == acct.ID {
			delete(p.sessions, t)
		}
	}
	delete(p.byEmail, strings.ToLower(acct.Email))
	delete(p.accounts, acct.ID)
	return nil
}

func (p *MemoryProvider) RequestPasswordReset(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byEmail[strings.ToLower(email)]
	if !ok {
		// Silently ignore unknown addresses; the provider never reveals
		// whether an account exists.
		return nil
	}
	token := uuid.NewString()
	p.resetTokens[token] = id
	p.resetsSent = append(p.resetsSent, email)
	return nil
}

func (p *MemoryProvider) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.resetTokens[resetToken]
	if !ok {
		return &ProviderError{Status: http.StatusBadRequest, Message: "Invalid or expired reset token"}
	}
	acct, ok := p.accounts[id]
	if !ok {
		return &ProviderError{Status: http.StatusBadRequest, Message: "Invalid or expired reset token"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	acct.passwordHash = hash
	acct.HasPassword = true
	delete(p.resetTokens, resetToken)
	return nil
}

func (p *MemoryProvider) SendMagicLink(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byEmail[strings.ToLower(email)]; ok {
		p.magicsSent = append(p.magicsSent, email)
	}
	return nil
}

func (p *MemoryProvider) ResendVerification(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byEmail[strings.ToLower(email)]; ok {
		p.verifiesSent = append(p.verifiesSent, email)
	}
	return nil
}

// ResetsSent reports addresses a reset email was issued for. Test hook.
func (p *MemoryProvider) ResetsSent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.resetsSent))
	copy(out, p.resetsSent)
	return out
}

var _ Provider = (*MemoryProvider)(nil)
