package shared

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
)

// StatusForCode maps an error code to its HTTP status.
func StatusForCode(code Code) int {
	switch code {
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeStepUpRequired, CodeStepUpRejected:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RedirectWithMessage redirects carrying an opaque success message.
func RedirectWithMessage(w http.ResponseWriter, r *http.Request, path, message string) {
	redirectWithParam(w, r, path, "message", message)
}

// RedirectWithError redirects carrying the user-safe message for err.
// Internal details never reach the query string.
func RedirectWithError(w http.ResponseWriter, r *http.Request, path string, err error) {
	redirectWithParam(w, r, path, "error", UserMessage(err))
}

func redirectWithParam(w http.ResponseWriter, r *http.Request, path, key, value string) {
	u := url.URL{Path: path}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteJSONError writes the error taxonomy shape for API consumers.
func WriteJSONError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	WriteJSON(w, StatusForCode(code), map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": UserMessage(err),
		},
	})
}

// ClientIP returns the request's source address without the port. The
// RealIP middleware has already folded X-Forwarded-For into RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
