package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"vigil/internal/middleware"
)

func mustToken(t *testing.T, secret []byte, sub, name string, ttl time.Duration) string {
	t.Helper()
	claims := middleware.Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// echoIdentity writes the resolved actor id, or 204 when there is none
func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := middleware.IdentityFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("X-Name", id.Name)
		_, _ = w.Write([]byte(id.ID))
	})
}

func TestAuth_HeadersWithoutSecret(t *testing.T) {
	h := middleware.Auth("")(echoIdentity())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/a/acknowledge", nil)
	req.Header.Set("X-Actor-ID", "u-1")
	req.Header.Set("X-Actor-Name", "Dana")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Body.String() != "u-1" || resp.Header().Get("X-Name") != "Dana" {
		t.Fatalf("expected identity u-1/Dana, got %q/%q", resp.Body.String(), resp.Header().Get("X-Name"))
	}
}

func TestAuth_NoIdentityPassesThrough(t *testing.T) {
	h := middleware.Auth("")(echoIdentity())
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	h := middleware.Auth(string(secret))(echoIdentity())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "user-1", "Dana", time.Hour))
	req.Header.Set("X-Actor-ID", "spoofed")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Body.String() != "user-1" {
		t.Fatalf("expected token subject, got %q", resp.Body.String())
	}
}

func TestAuth_HeadersIgnoredWithSecret(t *testing.T) {
	h := middleware.Auth("test-secret")(echoIdentity())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-ID", "spoofed")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	cases := map[string]string{
		"wrong secret": mustToken(t, []byte("other"), "user-1", "", time.Hour),
		"expired":      mustToken(t, secret, "user-1", "", -time.Minute),
		"no subject":   mustToken(t, secret, "", "", time.Hour),
		"garbage":      "not-a-jwt",
	}
	h := middleware.Auth(string(secret))(echoIdentity())
	for name, token := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestRecovery(t *testing.T) {
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), middleware.Logging, middleware.Recovery)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if resp.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestLoggingUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(middleware.Logging)
	r.Get("/api/v1/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/abc", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", resp.Code)
	}
	if resp.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("expected request id to be echoed, got %q", resp.Header().Get("X-Request-ID"))
	}
}
