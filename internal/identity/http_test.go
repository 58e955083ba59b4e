package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/aegis-auth/aegis/internal/testing/guard"
)

func TestGetSessionSendsCookieAndDecodesEnvelope(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/get-session", r.URL.Path)
		if c, err := r.Cookie("aegis_session"); err == nil {
			gotCookie = c.Value
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{
				"id":        "sess-1",
				"token":     "tok-1",
				"userId":    "user-1",
				"createdAt": time.Now().UTC(),
				"updatedAt": time.Now().UTC(),
				"expiresAt": time.Now().Add(time.Hour).UTC(),
				"ipAddress": "10.0.0.1",
				"userAgent": "test",
			},
			"user": map[string]any{
				"id":               "user-1",
				"email":            "user@aegis.local",
				"twoFactorEnabled": true,
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "aegis_session", time.Second)
	sess, acct, err := p.GetSession(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", gotCookie)
	require.Equal(t, "user-1", sess.UserID)
	require.Equal(t, "10.0.0.1", sess.IPAddress)
	require.True(t, acct.TwoFactorEnabled)
}

func TestGetSessionTreatsEmptyEnvelopeAsExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session":null,"user":null}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "aegis_session", time.Second)
	_, _, err := p.GetSession(context.Background(), "stale")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusUnauthorized, pe.Status)
}

func TestDoMapsProviderErrorShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"wrapped", `{"error":{"message":"Invalid two-factor code"}}`, "Invalid two-factor code"},
		{"flat", `{"message":"Invalid password"}`, "Invalid password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewHTTPProvider(srv.URL, "aegis_session", time.Second)
			err := p.VerifyTOTP(context.Background(), "tok", "000000")
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, http.StatusUnauthorized, pe.Status)
			require.Equal(t, tc.want, pe.Message)
		})
	}
}

func TestDoKeepsOpaqueFailuresOpaque(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream blew up"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "aegis_session", time.Second)
	err := p.SignOut(context.Background(), "tok")
	require.Error(t, err)
	_, ok := AsProviderError(err)
	require.False(t, ok, "non-JSON failures must not pretend to be provider rejections")
}

func TestListSessionsSkipsTokenlessRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/list-sessions", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"a","token":"tok-a","userId":"u"},{"id":"b","token":"","userId":"u"}]`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "aegis_session", time.Second)
	sessions, err := p.ListSessions(context.Background(), "tok-a")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "tok-a", sessions[0].Token)
}
