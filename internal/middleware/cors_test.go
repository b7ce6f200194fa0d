package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{
			name:       "explicit origin gets credentials",
			allowed:    []string{"https://imoveis.example.com"},
			origin:     "https://imoveis.example.com",
			method:     http.MethodPost,
			wantOrigin: "https://imoveis.example.com",
			wantCreds:  "true",
			wantStatus: http.StatusTeapot,
		},
		{
			name:       "wildcard echoes origin without credentials",
			allowed:    []string{"*"},
			origin:     "https://other.example.com",
			method:     http.MethodGet,
			wantOrigin: "https://other.example.com",
			wantStatus: http.StatusTeapot,
		},
		{
			name:       "unknown origin gets no headers",
			allowed:    []string{"https://imoveis.example.com"},
			origin:     "https://evil.example.com",
			method:     http.MethodGet,
			wantStatus: http.StatusTeapot,
		},
		{
			name:       "preflight short-circuits",
			allowed:    []string{"*"},
			origin:     "https://imoveis.example.com",
			method:     http.MethodOptions,
			wantOrigin: "https://imoveis.example.com",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, "/api/chat/message", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Fatalf("allow-credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
