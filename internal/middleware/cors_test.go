package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/agent/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCORSExplicitOrigin(t *testing.T) {
	w := serveCORS([]string{"https://folio.example.com/"}, http.MethodPost, "https://folio.example.com")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://folio.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for explicit origin")
	}
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected request to reach handler, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Accept, X-Folio-Session-ID" {
		t.Fatalf("unexpected allow-headers %q", got)
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodPost, "https://evil.example")

	if w.Header().Get("Access-Control-Allow-Origin") != "https://evil.example" {
		t.Fatal("expected wildcard to echo origin")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard must not grant credentials")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	w := serveCORS([]string{"https://folio.example.com"}, http.MethodPost, "https://other.example")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected allow-origin for unknown origin")
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodOptions, "https://folio.example.com")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
}
