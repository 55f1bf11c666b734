package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aegis.dev/internal/access"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/gate"
	"aegis.dev/internal/ratelimit"
	"aegis.dev/internal/session"
	"aegis.dev/internal/token"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()

	creds, err := auth.NewRegistry()
	if err != nil {
		t.Fatalf("auth.NewRegistry: %v", err)
	}
	if err := creds.Register(context.Background(), "alice", "Secr3t!", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tokens, err := token.NewService([]byte("api-secret"), time.Hour)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	sessions, err := session.NewRegistry(tokens)
	if err != nil {
		t.Fatalf("session.NewRegistry: %v", err)
	}
	evaluator, err := access.NewEvaluator(access.DefaultRoles())
	if err != nil {
		t.Fatalf("access.NewEvaluator: %v", err)
	}
	g, err := gate.New(ratelimit.New(ratelimit.DefaultConfig()), creds, sessions, evaluator)
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	return New(g, ReadyProbe{}, "test")
}

func postJSON(t *testing.T, api *API, path, ip, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.RemoteAddr = ip + ":51234"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	api.mux.ServeHTTP(rec, req)
	return rec
}

func TestLoginAuthorizeLogout(t *testing.T) {
	api := newTestAPI(t)

	rec := postJSON(t, api, "/v1/login", "10.0.0.5", "", loginRequest{Username: "alice", Password: "Secr3t!"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	var lr loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &lr); err != nil || lr.Token == "" {
		t.Fatalf("bad login response: %v %s", err, rec.Body.String())
	}

	rec = postJSON(t, api, "/v1/authorize", "10.0.0.5", lr.Token, authorizeRequest{Action: "WRITE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status %d: %s", rec.Code, rec.Body.String())
	}
	var ar authorizeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ar); err != nil || ar.Subject != "alice" {
		t.Fatalf("bad authorize response: %v %s", err, rec.Body.String())
	}

	// Hijack attempt from another IP collapses to the generic body.
	rec = postJSON(t, api, "/v1/authorize", "10.0.0.9", lr.Token, authorizeRequest{Action: "WRITE"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign IP, got %d", rec.Code)
	}
	assertGenericUnauthorized(t, rec)

	// Missing permission is a 403, not a 401; the caller is authenticated.
	rec = postJSON(t, api, "/v1/authorize", "10.0.0.5", lr.Token, authorizeRequest{Action: "DELETE"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for DELETE, got %d", rec.Code)
	}

	rec = postJSON(t, api, "/v1/logout", "10.0.0.5", lr.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rec.Code)
	}
	rec = postJSON(t, api, "/v1/authorize", "10.0.0.5", lr.Token, authorizeRequest{Action: "READ"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	api := newTestAPI(t)

	wrongPassword := postJSON(t, api, "/v1/login", "10.0.0.5", "", loginRequest{Username: "alice", Password: "wrong"})
	unknownUser := postJSON(t, api, "/v1/login", "10.0.0.5", "", loginRequest{Username: "nobody", Password: "wrong"})

	for _, rec := range []*httptest.ResponseRecorder{wrongPassword, unknownUser} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		assertGenericUnauthorized(t, rec)
	}
	if wrongPassword.Body.String() != unknownUser.Body.String() {
		t.Fatal("failure bodies must not distinguish unknown user from wrong password")
	}
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := postJSON(t, api, "/v1/login", "10.0.0.5", "", loginRequest{Username: " ", Password: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/login", nil)
	rec2 := httptest.NewRecorder()
	api.mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec2.Code)
	}
}

func TestAuthorizeRequiresBearer(t *testing.T) {
	api := newTestAPI(t)

	rec := postJSON(t, api, "/v1/authorize", "10.0.0.5", "", authorizeRequest{Action: "READ"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}
	assertGenericUnauthorized(t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
	}
}

func assertGenericUnauthorized(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	if body["error"] != "unauthorized" {
		t.Fatalf("expected generic unauthorized body, got %v", body)
	}
}
