package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/popguard-go/internal/config"
	"github.com/Rorqualx/popguard-go/internal/types"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.Response {
	t.Helper()
	var resp types.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if resp.Status != types.StatusError {
		t.Errorf("status = %q, want %q", resp.Status, types.StatusError)
	}
	return resp
}

func TestRecovery(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	decodeError(t, w)
}

func TestRecoveryNoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	Recovery(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestLoggingCapturesStatus(t *testing.T) {
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1?api_key=secret", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("code = %d", w.Code)
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.45:5555", "203.0.113.0/24"},
		{"203.0.113.45", "203.0.113.0/24"},
		{"[2001:db8:1234:5678::1]:443", "2001:db8:1234::/48"},
		{"not-an-ip", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.in); got != tt.want {
			t.Errorf("maskIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mark("a"), mark("b"), mark("c"))(okHandler)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("order = %q, want abc", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
		"X-Frame-Options":        "DENY",
	} {
		if got := w.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestTimeoutPassesThrough(t *testing.T) {
	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("handler context has no deadline")
		}
		w.Header().Set("X-Tab", "1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("done"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))

	if w.Code != http.StatusCreated || w.Body.String() != "done" || w.Header().Get("X-Tab") != "1" {
		t.Errorf("got %d %q headers=%v", w.Code, w.Body.String(), w.Header())
	}
}

func TestTimeoutExpires(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	handler := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(finished)
		<-release
		if _, err := w.Write([]byte("late")); err == nil {
			t.Error("write after timeout should fail")
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))
	close(release)
	<-finished

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("code = %d, want 504", w.Code)
	}
	if strings.Contains(w.Body.String(), "late") {
		t.Error("late handler write reached the client")
	}
	decodeError(t, w)
}

func TestTimeoutRepanics(t *testing.T) {
	handler := Recovery(Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", w.Code)
	}
}

func TestAPIKey(t *testing.T) {
	cfg := &config.Config{APIKeyEnabled: true, APIKey: "s3cret"}

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"header", "/v1", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"bearer", "/v1", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong key", "/v1", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing", "/v1", nil, http.StatusUnauthorized},
		{"query rejected", "/v1?api_key=s3cret", nil, http.StatusUnauthorized},
		{"prefix of key", "/v1", map[string]string{"X-API-Key": "s3cre"}, http.StatusUnauthorized},
		{"health open", "/health", nil, http.StatusOK},
		{"metrics open", "/metrics", nil, http.StatusOK},
	}

	handler := APIKey(cfg)(okHandler)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyDisabled(t *testing.T) {
	handler := APIKey(&config.Config{})(okHandler)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("code = %d, want 200 with auth disabled", w.Code)
	}
}

func TestAPIKeyEmptyConfiguredKey(t *testing.T) {
	handler := APIKey(&config.Config{APIKeyEnabled: true})(okHandler)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("code = %d; an empty configured key must not match an empty header", w.Code)
	}
}
