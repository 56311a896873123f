package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareAssignsClientAndSession(t *testing.T) {
	var gotClient, gotSession string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotClient = ClientIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidClientID(gotClient) {
		t.Fatalf("expected generated client id, got %q", gotClient)
	}
	if gotSession != "tab-1" {
		t.Fatalf("expected session tab-1, got %q", gotSession)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != gotClient {
		t.Fatalf("expected client cookie to be set, got %v", cookies)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	const existing = "anon_0123456789abcdef0123456789abcdef"
	var got string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/?session_id=bad%20id", nil)
	req.AddCookie(&http.Cookie{Name: ClientCookieName, Value: existing})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != existing {
		t.Fatalf("expected cookie client id to be reused, got %q", got)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := map[string]string{
		"":           DefaultSessionIDValue,
		"  ":         DefaultSessionIDValue,
		"tab 1":      DefaultSessionIDValue,
		"tab-1.a:b_": "tab-1.a:b_",
	}
	for in, want := range tests {
		if got := sanitizeSessionID(in); got != want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}
