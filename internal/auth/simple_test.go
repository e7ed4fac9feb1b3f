package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(token, path, authz string) (*httptest.ResponseRecorder, bool) {
	handled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled = true
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	Middleware(token)(next).ServeHTTP(rr, req)
	return rr, handled
}

func TestMiddleware(t *testing.T) {
	t.Run("allows healthz without token", func(t *testing.T) {
		rr, handled := serve("sekrit", "/healthz", "")
		if rr.Code != http.StatusTeapot || !handled {
			t.Fatalf("expected pass-through, got %d handled=%v", rr.Code, handled)
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		rr, handled := serve("sekrit", "/v1/sessions", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rr.Code)
		}
		if handled {
			t.Fatalf("next handler should not be called")
		}
		if strings.TrimSpace(rr.Body.String()) != "missing API token" {
			t.Fatalf("unexpected body %q", rr.Body.String())
		}
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		rr, handled := serve("sekrit", "/v1/sessions", "Bearer wrong")
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected status %d got %d", http.StatusForbidden, rr.Code)
		}
		if handled {
			t.Fatalf("next handler should not be called")
		}
		if strings.TrimSpace(rr.Body.String()) != "invalid API token" {
			t.Fatalf("unexpected body %q", rr.Body.String())
		}
	})

	t.Run("allows valid token", func(t *testing.T) {
		rr, handled := serve("sekrit", "/v1/sessions", "Bearer sekrit")
		if rr.Code != http.StatusTeapot || !handled {
			t.Fatalf("expected pass-through, got %d handled=%v", rr.Code, handled)
		}
	})

	t.Run("empty token disables auth", func(t *testing.T) {
		rr, handled := serve("", "/v1/sessions", "")
		if rr.Code != http.StatusTeapot || !handled {
			t.Fatalf("expected pass-through, got %d handled=%v", rr.Code, handled)
		}
	})
}
