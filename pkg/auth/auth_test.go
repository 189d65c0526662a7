package auth

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTokenVerifier(t *testing.T) {
	v, err := NewTokenVerifier("s3cret")
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"valid", "s3cret", nil},
		{"valid again", "s3cret", nil},
		{"wrong", "guess", ErrInvalidToken},
		{"empty", "", ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(tt.token); err != tt.want {
				t.Errorf("Verify(%q) = %v, want %v", tt.token, err, tt.want)
			}
		})
	}

	if strings.Contains(string(v.hash), "s3cret") {
		t.Error("verifier must only hold the bcrypt hash")
	}
	if _, err := NewTokenVerifier(""); err != ErrMissingToken {
		t.Errorf("empty secret should be rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for header, want := range tests {
		r := httptest.NewRequest("GET", "/state", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := BearerToken(r); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
