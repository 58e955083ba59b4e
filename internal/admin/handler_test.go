package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/observability"
	"github.com/aegis-auth/aegis/internal/policy"
	"github.com/aegis-auth/aegis/internal/ratelimit"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/shared"
	"github.com/aegis-auth/aegis/internal/stepup"
	_ "github.com/aegis-auth/aegis/internal/testing/guard"
)

type fakeRoleRepo struct {
	mu    sync.Mutex
	roles map[string]rbac.Role
}

func (r *fakeRoleRepo) RolesForUser(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role, ok := r.roles[userID]; ok {
		return []string{string(role)}, nil
	}
	return nil, nil
}

func (r *fakeRoleRepo) RoleExists(_ context.Context, role rbac.Role) (bool, error) {
	_, ok := rbac.ParseRole(string(role))
	return ok, nil
}

func (r *fakeRoleRepo) CountAdmins(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, role := range r.roles {
		if role == rbac.RoleAdmin {
			count++
		}
	}
	return count, nil
}

func (r *fakeRoleRepo) ListAdminUsers(context.Context) ([]rbac.AdminUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.AdminUser
	for id, role := range r.roles {
		out = append(out, rbac.AdminUser{UserID: id, Role: role})
	}
	return out, nil
}

func (r *fakeRoleRepo) WithTx(ctx context.Context, fn func(context.Context, rbac.TxRepository) error) error {
	return fn(ctx, fakeRoleTx{repo: r})
}

type fakeRoleTx struct {
	repo *fakeRoleRepo
}

func (t fakeRoleTx) UserHasRole(_ context.Context, userID string, role rbac.Role) (bool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return t.repo.roles[userID] == role, nil
}

func (t fakeRoleTx) CountAdminsForUpdate(ctx context.Context) (int, error) {
	return t.repo.CountAdmins(ctx)
}

func (t fakeRoleTx) ReplaceUserRole(_ context.Context, userID string, role rbac.Role) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.roles[userID] = role
	return nil
}

type fixedAuditStore struct {
	events []audit.Event
}

func (s *fixedAuditStore) Append(_ context.Context, event audit.Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fixedAuditStore) Timeline(context.Context, audit.TimelineFilters) (audit.Timeline, error) {
	return audit.Timeline{Events: s.events, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}, nil
}

func (s *fixedAuditStore) Export(context.Context, audit.TimelineFilters) ([]audit.Event, error) {
	return s.events, nil
}

type adminFixture struct {
	router chi.Router
	repo   *fakeRoleRepo
	store  *fixedAuditStore
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	repo := &fakeRoleRepo{roles: map[string]rbac.Role{
		"admin-1": rbac.RoleAdmin,
		"user-1":  rbac.RoleUser,
	}}
	store := &fixedAuditStore{}
	rbacSvc := rbac.NewService(repo, rbac.PlanPro, nil)
	pipeline := policy.NewPipeline(
		ratelimit.NewLimiter(ratelimit.NewMemoryStore(), nil),
		rbacSvc,
		stepup.NewEnforcer(identity.NewMemoryProvider(), rbac.PlanPro, nil),
		audit.NewRecorder(nil, store, nil),
		observability.NewMetrics(),
		nil,
	)
	handler := NewHandler(nil, rbacSvc, store, pipeline)
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return &adminFixture{router: router, repo: repo, store: store}
}

func (f *adminFixture) request(method, path string, form url.Values, userID string) *httptest.ResponseRecorder {
	var body string
	if form != nil {
		body = form.Encode()
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.RemoteAddr = "10.0.0.1:52000"
	if userID != "" {
		ctx := shared.ContextWithPrincipal(req.Context(), &shared.Principal{UserID: userID})
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestListAdminsRequiresAdminRole(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.request(http.MethodGet, "/users", nil, "user-1")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(http.MethodGet, "/users", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(http.MethodGet, "/users", nil, "admin-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "admin-1")
}

func TestSetRolePromotesUser(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.request(http.MethodPost, "/role", url.Values{
		"userId": {"user-1"},
		"role":   {"moderator"},
	}, "admin-1")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "message=")
	require.Equal(t, rbac.RoleModerator, f.repo.roles["user-1"])

	// The role change lands on the audit log.
	require.Eventually(t, func() bool {
		return len(f.store.events) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, audit.KindRoleChanged, f.store.events[0].Kind)
	require.Equal(t, "user-1", f.store.events[0].TargetID)
}

func TestSetRoleRefusesLastAdminDemotion(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.request(http.MethodPost, "/role", url.Values{
		"userId": {"admin-1"},
		"role":   {"user"},
	}, "admin-1")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "error=")
	require.Equal(t, rbac.RoleAdmin, f.repo.roles["admin-1"])
}

func TestSetRoleForbiddenForNonAdmin(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.request(http.MethodPost, "/role", url.Values{
		"userId": {"user-1"},
		"role":   {"admin"},
	}, "user-1")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "error=")
	require.Equal(t, rbac.RoleUser, f.repo.roles["user-1"])
}

func TestAuditExportStreamsCSV(t *testing.T) {
	f := newAdminFixture(t)
	f.store.events = []audit.Event{{
		ID:        "ev-1",
		Kind:      audit.KindSignIn,
		ActorID:   "user-1",
		IPAddress: "203.0.113.9",
		UserAgent: "cli/1.0",
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	rec := f.request(http.MethodGet, "/audit/export", nil, "admin-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "audit-timeline.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "At,Kind,Actor,Target,IP,UserAgent,Metadata", lines[0])
	require.Contains(t, lines[1], string(audit.KindSignIn))
	require.Contains(t, lines[1], "2026-03-01T12:00:00Z")
	require.Contains(t, lines[1], "203.0.113.9")
	require.Contains(t, lines[1], "cli/1.0")
}
