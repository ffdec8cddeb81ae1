package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeToken)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeToken)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsXAPIKey(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeToken)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateAdminOffModeBypasses(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeOff)
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	rec := httptest.NewRecorder()
	m.AuthenticateAdmin(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateAdminTokenModeRequiresHeader(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeToken)
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	rec := httptest.NewRecorder()
	m.AuthenticateAdmin(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req2.Header.Set("x-admin-token", "adm")
	rec2 := httptest.NewRecorder()
	m.AuthenticateAdmin(okHandler()).ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}

func TestAuthenticateAdminLocalModeRejectsNonLoopback(t *testing.T) {
	m := NewMiddleware("secret", "adm", AdminModeLocal)
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	m.AuthenticateAdmin(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req2.RemoteAddr = "127.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	m.AuthenticateAdmin(okHandler()).ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}
