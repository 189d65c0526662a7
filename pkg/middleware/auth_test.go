package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psantana5/script-supervisor/pkg/auth"
)

func TestRequireBearer(t *testing.T) {
	v, err := auth.NewTokenVerifier("token-1")
	if err != nil {
		t.Fatal(err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RequireBearer(v, "/health")(ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"open path", "/health", "", http.StatusOK},
		{"no token", "/state", "", http.StatusUnauthorized},
		{"bad token", "/state", "Bearer nope", http.StatusUnauthorized},
		{"good token", "/state", "Bearer token-1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, r)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequireBearer_NilVerifier(t *testing.T) {
	h := RequireBearer(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("nil verifier should pass through, got %d", rr.Code)
	}
}
